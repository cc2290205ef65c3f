package mpesa

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1501.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	cb, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.True(t, cb.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.True(t, cb.HasAmount)
	assert.True(t, cb.Amount.Equal(decimal.NewFromInt(1501)))
	assert.Equal(t, "NLJ7RT61SV", cb.ReceiptNumber)
	assert.Equal(t, "254708374149", cb.PhoneNumber)
	assert.Equal(t, 2019, cb.TransactionDate.Year())
}

func TestParseCallbackCancelled(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(t, err)
	assert.False(t, cb.Succeeded())
	assert.Equal(t, ResultCancelledByUser, cb.ResultCode)
	assert.False(t, cb.HasAmount)
}

func TestParseCallbackAcceptsStringResultCode(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":"1","ResultDesc":"The balance is insufficient"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", cb.ResultCode)
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	bodies := []string{
		`not json`,
		`{}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":"x"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0,"ResultDesc":"ok"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"abc"}]}}}}`,
	}
	for _, body := range bodies {
		_, err := ParseCallback([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedCallback, body)
	}
}
