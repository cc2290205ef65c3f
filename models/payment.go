package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentTransaction is one push-payment attempt, keyed by a locally generated reference.
type PaymentTransaction struct {
	Reference          string           `json:"reference"`
	UserID             int64            `json:"user_id"`
	Amount             decimal.Decimal  `json:"amount"`
	PhoneNumber        string           `json:"phone_number"`
	MerchantRequestID  string           `json:"merchant_request_id,omitempty"`
	CheckoutRequestID  string           `json:"checkout_request_id,omitempty"`
	State              TransactionState `json:"state"`
	FailureReason      FailureReason    `json:"failure_reason,omitempty"`
	UnconfirmedOutcome bool             `json:"unconfirmed_outcome"`
	NeedsReview        bool             `json:"needs_review"`
	ResultCode         string           `json:"result_code,omitempty"`
	ResultDesc         string           `json:"result_desc,omitempty"`
	ReceiptNumber      string           `json:"receipt_number,omitempty"`
	CallbackPayload    json.RawMessage  `json:"-"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TransitionUpdate carries the columns written together with a state change.
// Empty fields leave the stored value untouched; the two flags can only be raised.
type TransitionUpdate struct {
	FailureReason      FailureReason
	UnconfirmedOutcome bool
	NeedsReview        bool
	MerchantRequestID  string
	CheckoutRequestID  string
	ResultCode         string
	ResultDesc         string
	ReceiptNumber      string
	CallbackPayload    []byte
}
