package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"0712345678":       "254712345678",
		"0112345678":       "254112345678",
		"712345678":        "254712345678",
		"254712345678":     "254712345678",
		"+254 712 345 678": "254712345678",
		"0712-345-678":     "254712345678",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "0812345678", "12345", "2547123456789", "07123abc78", "254+712345678"} {
		_, err := NormalizePhone(in)
		assert.ErrorIs(t, err, ErrInvalidPhone, in)
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "25471****678", MaskPhone("254712345678"))
	assert.Equal(t, "***", MaskPhone("123"))
}

func TestChargeableAmountRoundsUp(t *testing.T) {
	assert.True(t, ChargeableAmount(decimal.RequireFromString("1500.00")).Equal(decimal.NewFromInt(1500)))
	assert.True(t, ChargeableAmount(decimal.RequireFromString("1500.01")).Equal(decimal.NewFromInt(1501)))
}

func TestValidateAmount(t *testing.T) {
	max := decimal.NewFromInt(250000)
	require.NoError(t, ValidateAmount(decimal.NewFromInt(1500), max))
	assert.ErrorIs(t, ValidateAmount(decimal.Zero, max), ErrNonPositiveAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.NewFromInt(-1), max), ErrNonPositiveAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("10.5"), max), ErrFractionalAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.NewFromInt(250001), max), ErrAmountTooLarge)
	require.NoError(t, ValidateAmount(decimal.NewFromInt(250001), decimal.Zero))
}

func TestGatewayTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "20240301123005", GatewayTimestamp(ts))

	parsed, err := ParseGatewayTimestamp("20240301123005")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}
