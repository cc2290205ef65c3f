package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront-payment-api/utils"
)

// Callback is a parsed STK push result notification.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string

	Amount          decimal.Decimal
	HasAmount       bool
	ReceiptNumber   string
	TransactionDate time.Time
	PhoneNumber     string
}

func (c *Callback) Succeeded() bool {
	return c.ResultCode == ResultSuccess
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        flexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackItem struct {
	Name  string     `json:"Name"`
	Value flexString `json:"Value"`
}

// ParseCallback decodes a gateway callback body. A successful result must
// carry the paid amount.
func ParseCallback(raw []byte) (*Callback, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	stk := envelope.Body.StkCallback
	if stk == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code := strings.TrimSpace(string(stk.ResultCode))
	if _, err := strconv.Atoi(code); err != nil {
		return nil, fmt.Errorf("%w: invalid ResultCode %q", ErrMalformedCallback, code)
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
	}

	if stk.CallbackMetadata != nil {
		for _, item := range stk.CallbackMetadata.Item {
			value := strings.TrimSpace(string(item.Value))
			switch item.Name {
			case "Amount":
				amount, err := decimal.NewFromString(value)
				if err != nil {
					return nil, fmt.Errorf("%w: invalid Amount %q", ErrMalformedCallback, value)
				}
				cb.Amount = amount
				cb.HasAmount = true
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = value
			case "TransactionDate":
				if ts, err := utils.ParseGatewayTimestamp(value); err == nil {
					cb.TransactionDate = ts
				}
			case "PhoneNumber":
				cb.PhoneNumber = value
			}
		}
	}

	if cb.Succeeded() && !cb.HasAmount {
		return nil, fmt.Errorf("%w: successful result without Amount", ErrMalformedCallback)
	}

	return cb, nil
}
