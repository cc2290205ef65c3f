package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable is returned while the circuit breaker is open; no request was sent.
	ErrGatewayUnavailable = errors.New("mpesa gateway unavailable")
	// ErrPushPending is the status query answer for a push the payer has not acted on yet.
	ErrPushPending        = errors.New("mpesa push request is still being processed")
	ErrInvalidPushRequest = errors.New("invalid push request")
	ErrMalformedCallback  = errors.New("malformed mpesa callback")
)

// TransportError means the request may or may not have reached the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mpesa %s: outcome unknown: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GatewayError is a definitive rejection answered by the gateway.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa gateway error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("mpesa credential error: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func IsGatewayRejection(err error) bool {
	var gatewayErr *GatewayError
	return errors.As(err, &gatewayErr) && !IsTransport(err)
}
