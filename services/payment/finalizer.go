package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/queue"
)

// Finalizer turns confirmed transactions into orders. Every step can be
// repeated: the order is written once per transaction, cart clearing only
// touches the snapshot's products and receipts are best effort.
type Finalizer struct {
	orders OrderStore
	jobs   JobQueue
	sender ReceiptSender
	logger *zap.SugaredLogger
}

func NewFinalizer(orders OrderStore, jobs JobQueue, sender ReceiptSender, logger *zap.SugaredLogger) *Finalizer {
	return &Finalizer{
		orders: orders,
		jobs:   jobs,
		sender: sender,
		logger: logger,
	}
}

// Finalize creates the order for a confirmed transaction, or returns the
// existing one.
func (f *Finalizer) Finalize(ctx context.Context, reference string) (*models.Order, error) {
	result, err := f.orders.FinalizeOrder(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order for %s: %w", reference, err)
	}
	if !result.Created {
		return result.Order, nil
	}

	log := f.logger.With("reference", reference, "order_id", result.Order.ID)
	log.Infow("order created", "amount", result.Order.Amount.String(), "items", len(result.Order.Items))

	// Follow-up work must not be lost to a cancelled request.
	bg := context.WithoutCancel(ctx)
	if !result.CartCleared {
		log.Warnw("cart not cleared with order, scheduling cleanup", "error", result.CartErr)
		if err := f.jobs.Enqueue(bg, queue.JobTypeClearCart, map[string]interface{}{"reference": reference}); err != nil {
			log.Errorw("failed to enqueue cart cleanup", "error", err)
		}
	}
	if f.sender != nil {
		if err := f.jobs.Enqueue(bg, queue.JobTypeSendReceipt, map[string]interface{}{"reference": reference}); err != nil {
			log.Errorw("failed to enqueue receipt", "error", err)
		}
	}
	return result.Order, nil
}

// ClearCart removes the ordered products from the owner's cart. Products
// added to the cart after checkout are left alone.
func (f *Finalizer) ClearCart(ctx context.Context, reference string) error {
	order, err := f.orders.GetOrderByTransaction(ctx, reference)
	if err != nil {
		return err
	}

	productIDs := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	removed, err := f.orders.ClearCartLines(ctx, order.UserID, productIDs)
	if err != nil {
		return fmt.Errorf("failed to clear cart for order %d: %w", order.ID, err)
	}
	f.logger.Debugw("cart cleared", "reference", reference, "lines", removed)
	return nil
}

func (f *Finalizer) SendReceipt(ctx context.Context, reference string) error {
	if f.sender == nil {
		return nil
	}
	order, err := f.orders.GetOrderByTransaction(ctx, reference)
	if err != nil {
		return err
	}
	to, err := f.orders.GetUserEmail(ctx, order.UserID)
	if err != nil {
		return err
	}
	if to == "" {
		f.logger.Infow("no email on file, receipt skipped", "reference", reference, "user_id", order.UserID)
		return nil
	}
	if err := f.sender.SendOrderReceipt(to, order); err != nil {
		return fmt.Errorf("failed to send receipt for order %d: %w", order.ID, err)
	}
	return nil
}

// IsRetryable reports whether a finalization error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, database.ErrNotConfirmed) && !errors.Is(err, database.ErrNotFound)
}
