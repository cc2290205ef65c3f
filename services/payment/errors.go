package payment

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidAmount      = errors.New("invalid payment amount")
	ErrCheckoutInProgress = errors.New("a checkout is already in progress")
	ErrInvalidCallback    = errors.New("invalid confirmation payload")
	ErrUnknownTransaction = errors.New("no transaction for confirmation")
	ErrAmountMismatch     = errors.New("confirmed amount does not match transaction")
	ErrNotReconcilable    = errors.New("transaction has no gateway request to query")
)

// InProgressError carries the reference of the checkout that blocks a new one.
type InProgressError struct {
	Reference string
}

func (e *InProgressError) Error() string {
	if e.Reference == "" {
		return ErrCheckoutInProgress.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutInProgress, e.Reference)
}

func (e *InProgressError) Is(target error) bool {
	return target == ErrCheckoutInProgress
}
