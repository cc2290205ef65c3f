package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/mpesa"
)

func expiredTransaction(t *testing.T, h *harness) *models.PaymentTransaction {
	t.Helper()
	txn := startCheckout(t, h)
	h.store.set(txn.Reference, func(p *models.PaymentTransaction) { p.State = models.StateExpired })
	return txn
}

func TestExpireStaleSkipsFreshTransactions(t *testing.T) {
	h := newHarness(t)
	txn := startCheckout(t, h)
	h.store.set(txn.Reference, func(p *models.PaymentTransaction) { p.UpdatedAt = h.now.Add(-time.Minute) })

	expired, err := h.service.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, models.StateAwaitingConfirmation, h.store.txns[txn.Reference].State)
	assert.Empty(t, h.jobs.jobs)
}

func TestExpireStaleSchedulesReconciliation(t *testing.T) {
	h := newHarness(t)
	txn := startCheckout(t, h)
	h.store.set(txn.Reference, func(p *models.PaymentTransaction) { p.UpdatedAt = h.now.Add(-10 * time.Minute) })

	expired, err := h.service.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	require.Len(t, h.jobs.jobs, 1)
	assert.Equal(t, queue.JobTypeReconcileTransaction, h.jobs.jobs[0].Type)
	assert.Equal(t, txn.Reference, h.jobs.jobs[0].Data["reference"])

	// An expired transaction no longer blocks a new checkout.
	_, err = h.service.StartCheckout(context.Background(), testUser, "0712345678")
	assert.NoError(t, err)
}

func TestRequeueUnfinalized(t *testing.T) {
	h := newHarness(t)
	txn := startCheckout(t, h)
	h.store.set(txn.Reference, func(p *models.PaymentTransaction) {
		p.State = models.StateConfirmed
		p.UpdatedAt = h.now.Add(-time.Hour)
	})

	n, err := h.service.RequeueUnfinalized(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []queue.JobType{queue.JobTypeFinalizeOrder}, h.jobs.types())
}

func TestReconcileConfirmed(t *testing.T) {
	h := newHarness(t)
	txn := expiredTransaction(t, h)
	h.gateway.status = &mpesa.PushStatus{ResultCode: "0", ResultDesc: "The service request is processed successfully."}

	ack, err := h.service.Reconcile(context.Background(), txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, ack.Outcome)
	require.NotNil(t, ack.Order)
	assert.True(t, txn.Amount.Equal(ack.Order.Amount))
	assert.Equal(t, []string{checkoutID}, h.gateway.queries)
	assert.Equal(t, models.StateConfirmed, h.store.txns[txn.Reference].State)
}

func TestReconcileRejected(t *testing.T) {
	h := newHarness(t)
	txn := expiredTransaction(t, h)
	h.gateway.status = &mpesa.PushStatus{ResultCode: "1037", ResultDesc: "DS timeout user cannot be reached"}

	ack, err := h.service.Reconcile(context.Background(), txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, ack.Outcome)

	stored := h.store.txns[txn.Reference]
	assert.Equal(t, models.StateRejected, stored.State)
	assert.Equal(t, models.FailureReason("gateway:1037"), stored.FailureReason)
	assert.Zero(t, h.store.orderCount())
}

func TestReconcilePending(t *testing.T) {
	h := newHarness(t)
	txn := expiredTransaction(t, h)
	h.gateway.queryErr = mpesa.ErrPushPending

	_, err := h.service.Reconcile(context.Background(), txn.Reference)
	assert.True(t, IsPending(err))
	assert.Equal(t, models.StateExpired, h.store.txns[txn.Reference].State)
}

func TestReconcileSettledIsNoop(t *testing.T) {
	h := newHarness(t)
	txn := confirmedTransaction(t, h)

	ack, err := h.service.Reconcile(context.Background(), txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, ack.Outcome)
	assert.Empty(t, h.gateway.queries)
}

func TestReconcileWithoutGatewayRequest(t *testing.T) {
	h := newHarness(t)
	h.gateway.pushErr = &mpesa.TransportError{Op: "stkpush", Err: context.DeadlineExceeded}
	txn, err := h.service.StartCheckout(context.Background(), testUser, "0712345678")
	require.Error(t, err)

	_, err = h.service.Reconcile(context.Background(), txn.Reference)
	assert.ErrorIs(t, err, ErrNotReconcilable)

	review, err := h.service.ListForReview(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, txn.Reference, review[0].Reference)
}
