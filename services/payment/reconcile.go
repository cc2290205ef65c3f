package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/mpesa"
	"storefront-payment-api/utils"
)

const sweepBatch = 100

// ExpireStale closes the confirmation window on transactions that have been
// awaiting a callback for too long and schedules a status query for each.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.ConfirmationWindow)
	stale, err := s.store.ListStaleAwaiting(ctx, before, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	expired := 0
	for _, txn := range stale {
		applied, err := s.transition(ctx, txn.Reference, models.StateExpired, models.TransitionUpdate{})
		if err != nil {
			s.logger.Errorw("failed to expire transaction", "reference", txn.Reference, "error", err)
			continue
		}
		if !applied {
			// A callback won the race.
			continue
		}
		expired++
		s.logger.Infow("transaction expired without confirmation", "reference", txn.Reference, "checkout_request_id", txn.CheckoutRequestID)
		s.enqueue(ctx, queue.JobTypeReconcileTransaction, txn.Reference)
	}
	return expired, nil
}

// RequeueUnfinalized schedules finalization for confirmed transactions that
// still have no order, e.g. after a crash between confirmation and finalize.
func (s *Service) RequeueUnfinalized(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.store.ListConfirmedWithoutOrder(ctx, s.now().Add(-olderThan), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinalized transactions: %w", err)
	}
	for _, txn := range pending {
		s.logger.Warnw("confirmed transaction has no order, requeueing", "reference", txn.Reference)
		s.enqueue(ctx, queue.JobTypeFinalizeOrder, txn.Reference)
	}
	return len(pending), nil
}

// Reconcile asks the gateway for the final result of a push and applies it
// through the same transitions a callback would.
func (s *Service) Reconcile(ctx context.Context, reference string) (*Ack, error) {
	txn, err := s.store.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	ack := &Ack{Reference: reference}
	if txn.State.IsSettled() {
		ack.Outcome = OutcomeDuplicate
		return ack, nil
	}
	if !txn.State.AcceptsResult() || txn.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReconcilable, reference, txn.State)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	status, err := s.gateway.QueryPush(ctx, token.Value, txn.CheckoutRequestID)
	if err != nil {
		if isUnauthorized(err) {
			s.tokens.Invalidate()
		}
		return nil, err
	}

	log := s.logger.With("reference", reference, "checkout_request_id", txn.CheckoutRequestID, "result_code", status.ResultCode)
	update := models.TransitionUpdate{
		ResultCode: status.ResultCode,
		ResultDesc: utils.TruncateText(status.ResultDesc, 255),
	}

	if !status.Succeeded() {
		update.FailureReason = models.GatewayResultReason(status.ResultCode)
		applied, err := s.transition(ctx, reference, models.StateRejected, update)
		if err != nil {
			return nil, err
		}
		ack.Outcome = OutcomeRejected
		if !applied {
			ack.Outcome = OutcomeDuplicate
		}
		log.Infow("reconciled transaction as rejected", "result_desc", status.ResultDesc)
		return ack, nil
	}

	// The status query carries no amount; the pushed amount is the stored one.
	applied, err := s.transition(ctx, reference, models.StateConfirmed, update)
	if err != nil {
		return nil, err
	}
	if !applied {
		ack.Outcome = OutcomeDuplicate
		return ack, nil
	}
	ack.Outcome = OutcomeConfirmed
	log.Warnw("reconciled transaction as confirmed", "previous_state", txn.State)

	order, err := s.finalizer.Finalize(ctx, reference)
	if err != nil {
		log.Errorw("order finalization failed, scheduling retry", "error", err)
		s.enqueue(ctx, queue.JobTypeFinalizeOrder, reference)
		return ack, nil
	}
	ack.Order = order
	return ack, nil
}

// IsPending reports whether the gateway has not decided the push yet.
func IsPending(err error) bool {
	return errors.Is(err, mpesa.ErrPushPending)
}
