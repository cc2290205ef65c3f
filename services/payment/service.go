package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/services/mpesa"
	"storefront-payment-api/utils"
)

type Options struct {
	MaxAmount          decimal.Decimal
	AccountReference   string
	Description        string
	ConfirmationWindow time.Duration
	ReplayAttempts     int
	ReplayDelay        time.Duration
}

type Service struct {
	store     TransactionStore
	tokens    TokenSource
	gateway   Gateway
	finalizer *Finalizer
	jobs      JobQueue
	opts      Options
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewPaymentService(store TransactionStore, tokens TokenSource, gateway Gateway, finalizer *Finalizer, jobs JobQueue, opts Options, logger *zap.SugaredLogger) *Service {
	if opts.AccountReference == "" {
		opts.AccountReference = "STORE"
	}
	if opts.Description == "" {
		opts.Description = "Order payment"
	}
	if opts.ConfirmationWindow <= 0 {
		opts.ConfirmationWindow = 2 * time.Minute
	}
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = 5 * time.Second
	}
	opts.AccountReference = utils.TruncateText(opts.AccountReference, mpesa.AccountReferenceLimit)
	opts.Description = utils.TruncateText(opts.Description, mpesa.DescriptionLimit)

	return &Service{
		store:     store,
		tokens:    tokens,
		gateway:   gateway,
		finalizer: finalizer,
		jobs:      jobs,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// CartTotal returns the user's cart as it would be charged right now.
func (s *Service) CartTotal(ctx context.Context, userID int64) (*models.CartSnapshot, decimal.Decimal, error) {
	snapshot, err := s.store.GetCartSnapshot(ctx, userID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return snapshot, utils.ChargeableAmount(snapshot.Total), nil
}

// StartCheckout records a new transaction for the user's cart and sends the
// push request to the payer's phone. When a record was created it is
// returned even on error, so the caller can report its reference.
func (s *Service) StartCheckout(ctx context.Context, userID int64, phone string) (*models.PaymentTransaction, error) {
	normalized, err := utils.NormalizePhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	snapshot, err := s.store.GetCartSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(snapshot.Lines) == 0 || !snapshot.Total.IsPositive() {
		return nil, ErrEmptyCart
	}

	amount := utils.ChargeableAmount(snapshot.Total)
	if err := utils.ValidateAmount(amount, s.opts.MaxAmount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	txn, err := s.open(ctx, userID, normalized, amount, snapshot.Lines)
	if err != nil {
		return nil, err
	}

	log := s.logger.With("reference", txn.Reference, "user_id", userID)
	log.Infow("checkout started", "amount", amount.String(), "phone", utils.MaskPhone(normalized))

	// From here on the caller going away must not cut the push short or lose
	// its outcome. The gateway client's own timeout still bounds each call.
	detached := context.WithoutCancel(ctx)

	token, err := s.tokens.Token(detached)
	if err != nil {
		log.Errorw("gateway credentials unavailable", "error", err)
		s.fail(detached, txn, models.TransitionUpdate{FailureReason: models.ReasonCredential})
		return txn, err
	}

	ack, err := s.gateway.InitiatePush(detached, token.Value, mpesa.PushRequest{
		Amount:           amount,
		PhoneNumber:      normalized,
		AccountReference: s.opts.AccountReference,
		Description:      s.opts.Description,
	})
	if err != nil {
		update := pushFailureUpdate(err)
		if isUnauthorized(err) {
			s.tokens.Invalidate()
		}
		log.Errorw("push request failed", "reason", update.FailureReason, "unconfirmed_outcome", update.UnconfirmedOutcome, "error", err)
		s.fail(detached, txn, update)
		return txn, err
	}

	err = s.store.Transition(detached, txn.Reference, models.StateAwaitingConfirmation, models.TransitionUpdate{
		MerchantRequestID: ack.MerchantRequestID,
		CheckoutRequestID: ack.CheckoutRequestID,
	})
	if err != nil && !errors.Is(err, database.ErrTransitionNoop) {
		// The push went out; the gateway ids are still known to the log and
		// to the reconciliation listing through the unconfirmed flag.
		log.Errorw("failed to record push acknowledgement", "checkout_request_id", ack.CheckoutRequestID, "error", err)
		s.fail(detached, txn, models.TransitionUpdate{
			FailureReason:      models.ReasonLocal,
			UnconfirmedOutcome: true,
			MerchantRequestID:  ack.MerchantRequestID,
			CheckoutRequestID:  ack.CheckoutRequestID,
		})
		return txn, fmt.Errorf("failed to record push acknowledgement: %w", err)
	}

	txn.State = models.StateAwaitingConfirmation
	txn.MerchantRequestID = ack.MerchantRequestID
	txn.CheckoutRequestID = ack.CheckoutRequestID
	log.Infow("push request accepted", "checkout_request_id", ack.CheckoutRequestID)
	return txn, nil
}

// open creates the transaction while holding the per-user checkout lock, so
// two concurrent checkouts for one user cannot both pass the active check.
func (s *Service) open(ctx context.Context, userID int64, phone string, amount decimal.Decimal, lines []models.CartLine) (*models.PaymentTransaction, error) {
	lockKey := fmt.Sprintf("user:%d", userID)
	locked, err := s.store.LockCheckout(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, &InProgressError{}
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Warnw("failed to release checkout lock", "user_id", userID, "error", err)
		}
	}()

	active, err := s.store.GetActiveTransaction(ctx, userID)
	if err == nil {
		return nil, &InProgressError{Reference: active.Reference}
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		Reference:   uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		PhoneNumber: phone,
		State:       models.StateCreated,
	}
	if err := s.store.CreateTransaction(ctx, txn, lines); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return txn, nil
}

func (s *Service) fail(ctx context.Context, txn *models.PaymentTransaction, update models.TransitionUpdate) {
	err := s.store.Transition(ctx, txn.Reference, models.StateFailed, update)
	if err != nil && !errors.Is(err, database.ErrTransitionNoop) {
		s.logger.Errorw("failed to mark transaction failed", "reference", txn.Reference, "error", err)
		return
	}
	txn.State = models.StateFailed
	txn.FailureReason = update.FailureReason
	txn.UnconfirmedOutcome = txn.UnconfirmedOutcome || update.UnconfirmedOutcome
}

func pushFailureUpdate(err error) models.TransitionUpdate {
	switch {
	case errors.Is(err, mpesa.ErrGatewayUnavailable):
		return models.TransitionUpdate{FailureReason: models.ReasonGatewayUnavailable}
	case mpesa.IsTransport(err):
		return models.TransitionUpdate{FailureReason: models.ReasonTransport, UnconfirmedOutcome: true}
	case errors.Is(err, mpesa.ErrInvalidPushRequest):
		return models.TransitionUpdate{FailureReason: models.ReasonLocal}
	}

	update := models.TransitionUpdate{FailureReason: models.ReasonGatewayRejected}
	var gatewayErr *mpesa.GatewayError
	if errors.As(err, &gatewayErr) {
		update.ResultCode = gatewayErr.Code
		update.ResultDesc = utils.TruncateText(gatewayErr.Message, 255)
	}
	return update
}

func isUnauthorized(err error) bool {
	var gatewayErr *mpesa.GatewayError
	return errors.As(err, &gatewayErr) && gatewayErr.StatusCode == http.StatusUnauthorized
}

// GetTransaction returns a transaction only to the user who owns it.
func (s *Service) GetTransaction(ctx context.Context, userID int64, reference string) (*models.PaymentTransaction, error) {
	txn, err := s.store.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.UserID != userID {
		return nil, database.ErrNotFound
	}
	return txn, nil
}

func (s *Service) ListForReview(ctx context.Context, limit int) ([]models.PaymentTransaction, error) {
	return s.store.ListForReview(ctx, limit)
}
