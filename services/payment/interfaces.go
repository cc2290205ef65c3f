package payment

import (
	"context"
	"time"

	"storefront-payment-api/database"
	"storefront-payment-api/models"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/mpesa"
)

type TransactionStore interface {
	GetCartSnapshot(ctx context.Context, userID int64) (*models.CartSnapshot, error)
	LockCheckout(ctx context.Context, key string) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	GetActiveTransaction(ctx context.Context, userID int64) (*models.PaymentTransaction, error)
	CreateTransaction(ctx context.Context, txn *models.PaymentTransaction, lines []models.CartLine) error
	GetTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error)
	GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentTransaction, error)
	Transition(ctx context.Context, reference string, to models.TransactionState, update models.TransitionUpdate) error
	FlagForReview(ctx context.Context, reference, note string) error
	ListStaleAwaiting(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
	ListConfirmedWithoutOrder(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
	ListForReview(ctx context.Context, limit int) ([]models.PaymentTransaction, error)
}

type OrderStore interface {
	FinalizeOrder(ctx context.Context, reference string) (*database.FinalizeResult, error)
	GetOrderByTransaction(ctx context.Context, reference string) (*models.Order, error)
	ClearCartLines(ctx context.Context, userID int64, productIDs []int64) (int64, error)
	GetUserEmail(ctx context.Context, userID int64) (string, error)
}

type TokenSource interface {
	Token(ctx context.Context) (mpesa.AccessToken, error)
	Invalidate()
}

type Gateway interface {
	InitiatePush(ctx context.Context, token string, req mpesa.PushRequest) (*mpesa.PushAck, error)
	QueryPush(ctx context.Context, token, checkoutRequestID string) (*mpesa.PushStatus, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType queue.JobType, data map[string]interface{}) error
	EnqueueDelayed(ctx context.Context, jobType queue.JobType, data map[string]interface{}, delay time.Duration) error
}

type ReceiptSender interface {
	SendOrderReceipt(to string, order *models.Order) error
}
