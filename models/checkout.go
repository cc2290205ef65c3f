package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is created once per confirmed PaymentTransaction and never modified.
type Order struct {
	ID                   int64           `json:"id"`
	TransactionReference string          `json:"transaction_reference"`
	UserID               int64           `json:"user_id"`
	Amount               decimal.Decimal `json:"amount"`
	ReceiptNumber        string          `json:"receipt_number,omitempty"`
	Items                []OrderItem     `json:"items"`
	CreatedAt            time.Time       `json:"created_at"`
}

type OrderItem struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

type CheckoutRequest struct {
	PhoneNumber string `json:"phone_number"`
}
