package txn

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Concrete errors wrap one of these so callers can use
// errors.Is regardless of the underlying RPC message.
var (
	ErrUnreachableEndpoint  = errors.New("endpoint unreachable")
	ErrInsufficientFunds    = errors.New("insufficient funds for value plus gas")
	ErrBroadcastRejected    = errors.New("broadcast rejected")
	ErrTransactionReverted  = errors.New("transaction reverted")
	ErrConfirmationTimeout  = errors.New("confirmation timed out")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrNonceConflict refines ErrBroadcastRejected: the node disagreed with
	// the nonce we assigned.
	ErrNonceConflict = errors.New("nonce conflict")

	ErrInvalidIntent = errors.New("invalid transaction intent")
	ErrInvalidPolicy = errors.New("invalid gas policy")
)

// Kind is the classification used by the retry loop.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnreachableEndpoint
	KindInsufficientFunds
	KindBroadcastRejected
	KindTransactionReverted
	KindConfirmationTimeout
	KindRetryBudgetExhausted
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindUnreachableEndpoint:
		return "unreachable_endpoint"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindBroadcastRejected:
		return "broadcast_rejected"
	case KindTransactionReverted:
		return "transaction_reverted"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindRetryBudgetExhausted:
		return "retry_budget_exhausted"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may change the outcome.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnreachableEndpoint, KindBroadcastRejected, KindConfirmationTimeout:
		return true
	default:
		return false
	}
}

// KindOf classifies err. The exhausted wrapper is checked first since it
// also unwraps to the last concrete failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrRetryBudgetExhausted):
		return KindRetryBudgetExhausted
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrTransactionReverted):
		return KindTransactionReverted
	case errors.Is(err, ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrBroadcastRejected):
		return KindBroadcastRejected
	case errors.Is(err, ErrUnreachableEndpoint):
		return KindUnreachableEndpoint
	case errors.Is(err, ErrInvalidIntent), errors.Is(err, ErrInvalidPolicy):
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// RetryExhaustedError is returned when every attempt failed with a retryable
// error. It matches both ErrRetryBudgetExhausted and the last failure.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryBudgetExhausted, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryBudgetExhausted, e.Last}
}
