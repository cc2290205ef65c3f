package models

import "fmt"

// TransactionState is the lifecycle state of a PaymentTransaction.
type TransactionState string

const (
	StateCreated              TransactionState = "created"
	StateAwaitingConfirmation TransactionState = "awaiting_confirmation"
	StateConfirmed            TransactionState = "confirmed"
	StateRejected             TransactionState = "rejected"
	StateExpired              TransactionState = "expired"
	StateFailed               TransactionState = "failed"
)

// transitions lists, for every state, the states it may move to.
// expired -> confirmed/rejected is the late-confirmation path: the payer may
// have approved the push after the local window closed.
var transitions = map[TransactionState][]TransactionState{
	StateCreated:              {StateAwaitingConfirmation, StateFailed},
	StateAwaitingConfirmation: {StateConfirmed, StateRejected, StateExpired, StateFailed},
	StateExpired:              {StateConfirmed, StateRejected},
	StateConfirmed:            nil,
	StateRejected:             nil,
	StateFailed:               nil,
}

func (s TransactionState) String() string {
	return string(s)
}

func (s TransactionState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether the state is final for the checkout flow.
// Expired is terminal for the sweep and the orchestrator but still accepts a
// gateway result, see AcceptsResult.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateExpired, StateFailed:
		return true
	}
	return false
}

// IsSettled reports whether the gateway outcome has been recorded.
func (s TransactionState) IsSettled() bool {
	return s == StateConfirmed || s == StateRejected
}

// AcceptsResult reports whether a gateway confirmation may still be applied.
func (s TransactionState) AcceptsResult() bool {
	return s == StateAwaitingConfirmation || s == StateExpired
}

// IsActive reports whether the transaction still blocks a new checkout for its user.
func (s TransactionState) IsActive() bool {
	return s == StateCreated || s == StateAwaitingConfirmation
}

func (s TransactionState) CanTransitionTo(next TransactionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns every state from which target can be reached in one step.
func SourcesOf(target TransactionState) []TransactionState {
	var sources []TransactionState
	for _, from := range []TransactionState{
		StateCreated,
		StateAwaitingConfirmation,
		StateExpired,
		StateConfirmed,
		StateRejected,
		StateFailed,
	} {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

func ParseTransactionState(value string) (TransactionState, error) {
	s := TransactionState(value)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown transaction state %q", value)
	}
	return s, nil
}

// FailureReason explains a failed or rejected transaction.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonCredential         FailureReason = "credential"
	ReasonTransport          FailureReason = "transport"
	ReasonGatewayRejected    FailureReason = "gateway_rejected"
	ReasonGatewayUnavailable FailureReason = "gateway_unavailable"
	ReasonLocal              FailureReason = "local"
	ReasonAmountMismatch     FailureReason = "amount_mismatch"
)

// GatewayResultReason builds the rejection reason for a non-zero gateway result code.
func GatewayResultReason(code string) FailureReason {
	return FailureReason("gateway:" + code)
}
