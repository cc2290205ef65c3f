package utils

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrFractionalAmount  = errors.New("amount must be a whole number")
	ErrAmountTooLarge    = errors.New("amount exceeds the gateway limit")
)

// ChargeableAmount rounds a cart total up to the whole unit the gateway accepts.
func ChargeableAmount(total decimal.Decimal) decimal.Decimal {
	return total.Ceil()
}

// ValidateAmount checks an amount before it is embedded in a push request.
// A zero max disables the upper bound.
func ValidateAmount(amount, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Truncate(0)) {
		return ErrFractionalAmount
	}
	if max.IsPositive() && amount.GreaterThan(max) {
		return fmt.Errorf("%w: %s > %s", ErrAmountTooLarge, amount, max)
	}
	return nil
}

func FormatKES(amount decimal.Decimal) string {
	return "Ksh " + amount.StringFixed(2)
}
