package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/mpesa"
	"storefront-payment-api/utils"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	// OutcomeDuplicate means the result was already applied; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the transaction cannot take a result in its state.
	OutcomeIgnored Outcome = "ignored"
	OutcomeFlagged Outcome = "flagged_for_review"
)

type Ack struct {
	Reference string
	Outcome   Outcome
	Order     *models.Order
}

// HandleConfirmation applies a gateway callback to its transaction. It is
// safe to call any number of times with the same payload.
func (s *Service) HandleConfirmation(ctx context.Context, raw []byte) (*Ack, error) {
	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	txn, err := s.store.GetTransactionByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: checkout request %s", ErrUnknownTransaction, cb.CheckoutRequestID)
	}
	if err != nil {
		return nil, err
	}

	log := s.logger.With("reference", txn.Reference, "checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)
	ack := &Ack{Reference: txn.Reference}

	if txn.State.IsSettled() {
		ack.Outcome = OutcomeDuplicate
		if cb.Succeeded() != (txn.State == models.StateConfirmed) {
			log.Warnw("callback contradicts settled transaction", "state", txn.State)
			s.flag(ctx, log, txn.Reference, "conflicting gateway result "+cb.ResultCode)
			ack.Outcome = OutcomeFlagged
		}
		if txn.State == models.StateConfirmed {
			s.ensureFinalized(ctx, log, txn.Reference)
		}
		return ack, nil
	}

	if !txn.State.AcceptsResult() {
		if txn.State == models.StateFailed && cb.Succeeded() {
			log.Errorw("payment confirmed for a failed transaction", "failure_reason", txn.FailureReason)
			s.flag(ctx, log, txn.Reference, "paid after local failure")
			ack.Outcome = OutcomeFlagged
			return ack, nil
		}
		log.Warnw("callback ignored", "state", txn.State)
		ack.Outcome = OutcomeIgnored
		return ack, nil
	}

	update := models.TransitionUpdate{
		ResultCode:      cb.ResultCode,
		ResultDesc:      utils.TruncateText(cb.ResultDesc, 255),
		ReceiptNumber:   cb.ReceiptNumber,
		CallbackPayload: raw,
	}

	if !cb.Succeeded() {
		update.FailureReason = models.GatewayResultReason(cb.ResultCode)
		applied, err := s.transition(ctx, txn.Reference, models.StateRejected, update)
		if err != nil {
			return nil, err
		}
		if !applied {
			ack.Outcome = OutcomeDuplicate
			return ack, nil
		}
		log.Infow("payment rejected by payer or gateway", "result_desc", cb.ResultDesc)
		ack.Outcome = OutcomeRejected
		return ack, nil
	}

	if !cb.Amount.Equal(txn.Amount) {
		update.FailureReason = models.ReasonAmountMismatch
		update.NeedsReview = true
		applied, err := s.transition(ctx, txn.Reference, models.StateRejected, update)
		if err != nil {
			return nil, err
		}
		if !applied {
			ack.Outcome = OutcomeDuplicate
			return ack, nil
		}
		log.Errorw("confirmed amount does not match", "expected", txn.Amount.String(), "got", cb.Amount.String())
		ack.Outcome = OutcomeRejected
		return ack, fmt.Errorf("%w: expected %s, got %s", ErrAmountMismatch, txn.Amount, cb.Amount)
	}

	late := txn.State == models.StateExpired
	update.NeedsReview = late
	applied, err := s.transition(ctx, txn.Reference, models.StateConfirmed, update)
	if err != nil {
		return nil, err
	}
	if !applied {
		ack.Outcome = OutcomeDuplicate
		return ack, nil
	}
	if late {
		log.Warnw("late confirmation applied to expired transaction")
	}
	log.Infow("payment confirmed", "receipt_number", cb.ReceiptNumber)
	ack.Outcome = OutcomeConfirmed

	// The confirmation stands even if the order cannot be written right now.
	order, err := s.finalizer.Finalize(ctx, txn.Reference)
	if err != nil {
		log.Errorw("order finalization failed, scheduling retry", "error", err)
		s.enqueue(ctx, queue.JobTypeFinalizeOrder, txn.Reference)
		return ack, nil
	}
	ack.Order = order
	return ack, nil
}

// transition reports false when another writer already moved the
// transaction, which callers treat as a duplicate delivery.
func (s *Service) transition(ctx context.Context, reference string, to models.TransactionState, update models.TransitionUpdate) (bool, error) {
	err := s.store.Transition(ctx, reference, to, update)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, database.ErrTransitionNoop), errors.Is(err, database.ErrIllegalTransition):
		return false, nil
	}
	return false, err
}

func (s *Service) flag(ctx context.Context, log *zap.SugaredLogger, reference, note string) {
	if err := s.store.FlagForReview(ctx, reference, note); err != nil {
		log.Errorw("failed to flag transaction for review", "error", err)
	}
}

func (s *Service) ensureFinalized(ctx context.Context, log *zap.SugaredLogger, reference string) {
	_, err := s.finalizer.orders.GetOrderByTransaction(ctx, reference)
	if err == nil {
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		log.Warnw("could not check order for confirmed transaction", "error", err)
	}
	s.enqueue(ctx, queue.JobTypeFinalizeOrder, reference)
}

func (s *Service) enqueue(ctx context.Context, jobType queue.JobType, reference string) {
	err := s.jobs.Enqueue(context.WithoutCancel(ctx), jobType, map[string]interface{}{"reference": reference})
	if err != nil {
		s.logger.Errorw("failed to enqueue job", "job_type", jobType, "reference", reference, "error", err)
	}
}

// ScheduleReplay retries a callback whose transaction was not found yet;
// the gateway may call back before the push acknowledgement is recorded.
func (s *Service) ScheduleReplay(ctx context.Context, raw []byte, attempt int) error {
	if attempt > s.opts.ReplayAttempts {
		s.logger.Errorw("giving up on callback for unknown transaction", "attempts", attempt-1, "payload", string(raw))
		return nil
	}
	return s.jobs.EnqueueDelayed(context.WithoutCancel(ctx), queue.JobTypeReplayCallback, map[string]interface{}{
		"payload": string(raw),
		"attempt": attempt,
	}, s.opts.ReplayDelay*time.Duration(attempt))
}
