package payment

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/services/mpesa"
)

func TestStartCheckoutCreatesAwaitingTransaction(t *testing.T) {
	h := newHarness(t)

	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712 345 678")
	require.NoError(t, err)

	assert.NotEmpty(t, txn.Reference)
	assert.Equal(t, models.StateAwaitingConfirmation, txn.State)
	assert.True(t, decimal.NewFromInt(1500).Equal(txn.Amount))
	assert.Equal(t, "254712345678", txn.PhoneNumber)
	assert.Equal(t, "ws_CO_191220191020363925", txn.CheckoutRequestID)

	assert.Equal(t, []models.TransactionState{models.StateCreated, models.StateAwaitingConfirmation}, h.store.transitions)
	require.Len(t, h.gateway.pushes, 1)
	assert.True(t, decimal.NewFromInt(1500).Equal(h.gateway.pushes[0].Amount))
	assert.Len(t, h.store.lines[txn.Reference], 2)
	assert.Empty(t, h.store.locked, "lock must be released")
}

func TestStartCheckoutSurvivesCallerCancellation(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(h *harness, cancel context.CancelFunc)
	}{
		{name: "while fetching token", cancel: func(h *harness, cancel context.CancelFunc) { h.tokens.during = cancel }},
		{name: "while push is in flight", cancel: func(h *harness, cancel context.CancelFunc) { h.gateway.during = cancel }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.cancel(h, cancel)

			txn, err := h.service.StartCheckout(ctx, testUser, "0712345678")
			require.NoError(t, err)
			require.Error(t, ctx.Err())

			stored := h.store.txns[txn.Reference]
			assert.Equal(t, models.StateAwaitingConfirmation, stored.State)
			assert.Equal(t, "ws_CO_191220191020363925", stored.CheckoutRequestID)
			assert.Empty(t, stored.FailureReason)

			ack, err := h.service.HandleConfirmation(context.Background(), callbackPayload("ws_CO_191220191020363925", "0", 1500))
			require.NoError(t, err)
			assert.Equal(t, OutcomeConfirmed, ack.Outcome)
			assert.Equal(t, 1, h.store.orderCount())
		})
	}
}

func TestStartCheckoutRejectsEmptyCart(t *testing.T) {
	h := newHarness(t)
	h.store.carts[testUser] = nil

	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Nil(t, txn)
	assert.Empty(t, h.store.txns)
	assert.Empty(t, h.gateway.pushes)
}

func TestStartCheckoutRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.StartCheckout(context.Background(), testUser, "12345")
	assert.ErrorIs(t, err, ErrInvalidPhone)
	assert.Empty(t, h.store.txns)
}

func TestStartCheckoutRejectsAmountOverLimit(t *testing.T) {
	h := newHarness(t)
	h.store.carts[testUser] = []models.CartLine{
		{ProductID: 3, ProductName: "Fridge", UnitPrice: decimal.NewFromInt(200000), Quantity: 1},
	}

	_, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, h.gateway.pushes)
}

func TestStartCheckoutRoundsFractionalTotalUp(t *testing.T) {
	h := newHarness(t)
	h.store.carts[testUser] = []models.CartLine{
		{ProductID: 3, ProductName: "Sugar 1kg", UnitPrice: decimal.RequireFromString("149.50"), Quantity: 1},
	}

	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(txn.Amount))
}

func TestStartCheckoutOneActiveTransactionPerUser(t *testing.T) {
	h := newHarness(t)

	first, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	require.NoError(t, err)

	_, err = h.service.StartCheckout(context.Background(), testUser, "0712345678")
	require.ErrorIs(t, err, ErrCheckoutInProgress)
	var inProgress *InProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, first.Reference, inProgress.Reference)
	assert.Len(t, h.store.txns, 1)
}

func TestStartCheckoutLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.store.locked["user:42"] = true

	_, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Empty(t, h.store.txns)
}

func TestStartCheckoutCredentialFailure(t *testing.T) {
	h := newHarness(t)
	h.tokens.err = &mpesa.CredentialError{Err: errors.New("401")}

	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	var credErr *mpesa.CredentialError
	require.ErrorAs(t, err, &credErr)
	require.NotNil(t, txn)

	stored := h.store.txns[txn.Reference]
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Equal(t, models.ReasonCredential, stored.FailureReason)
	assert.Empty(t, h.gateway.pushes)
}

func TestStartCheckoutPushFailures(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		reason       models.FailureReason
		unconfirmed  bool
		invalidation int
	}{
		{
			name:        "transport",
			err:         &mpesa.TransportError{Op: "stkpush", Err: context.DeadlineExceeded},
			reason:      models.ReasonTransport,
			unconfirmed: true,
		},
		{
			name:   "gateway rejection",
			err:    &mpesa.GatewayError{StatusCode: http.StatusBadRequest, Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"},
			reason: models.ReasonGatewayRejected,
		},
		{
			name:         "expired token",
			err:          &mpesa.GatewayError{StatusCode: http.StatusUnauthorized, Code: "404.001.03", Message: "Invalid Access Token"},
			reason:       models.ReasonGatewayRejected,
			invalidation: 1,
		},
		{
			name:   "breaker open",
			err:    mpesa.ErrGatewayUnavailable,
			reason: models.ReasonGatewayUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.pushErr = tt.err

			txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
			require.Error(t, err)
			require.NotNil(t, txn)

			stored := h.store.txns[txn.Reference]
			assert.Equal(t, models.StateFailed, stored.State)
			assert.Equal(t, tt.reason, stored.FailureReason)
			assert.Equal(t, tt.unconfirmed, stored.UnconfirmedOutcome)
			assert.Equal(t, tt.invalidation, h.tokens.invalidated)

			// A failed attempt does not block the next one.
			h.gateway.pushErr = nil
			_, err = h.service.StartCheckout(context.Background(), testUser, "0712345678")
			assert.NoError(t, err)
		})
	}
}

func TestGetTransactionOwnership(t *testing.T) {
	h := newHarness(t)
	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	require.NoError(t, err)

	got, err := h.service.GetTransaction(context.Background(), testUser, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, got.Reference)

	_, err = h.service.GetTransaction(context.Background(), 7, txn.Reference)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCartTotal(t *testing.T) {
	h := newHarness(t)

	snapshot, amount, err := h.service.CartTotal(context.Background(), testUser)
	require.NoError(t, err)
	assert.Len(t, snapshot.Lines, 2)
	assert.True(t, decimal.NewFromInt(1500).Equal(amount))
}
