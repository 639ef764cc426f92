package execution

import (
	"errors"
	"fmt"

	"cryptosim/internal/exception"
)

// State is the lifecycle stage of a simulated order.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateValidated State = "VALIDATED"
	StatePriced    State = "PRICED"
	StateSettled   State = "SETTLED"
	StateRejected  State = "REJECTED"
)

// ErrEngineClosed is returned for orders submitted after Close.
var ErrEngineClosed = errors.New("execution engine closed")

// RejectError reports why an order was rejected and the state it had
// reached. It unwraps to one of the exception sentinels.
type RejectError struct {
	State  State
	Reason error
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (state %s)", e.Reason, e.State)
	}
	return fmt.Sprintf("%v (state %s): %s", e.Reason, e.State, e.Detail)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}

// Code is a stable snake_case name for the rejection reason.
func (e *RejectError) Code() string {
	return reasonLabel(e.Reason)
}

func reject(state State, reason error, format string, args ...interface{}) *RejectError {
	return &RejectError{State: state, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// reasonLabel is the metrics label for a rejection.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, exception.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, exception.ErrNoMarketData):
		return "no_market_data"
	case errors.Is(err, exception.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, exception.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, exception.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, exception.ErrPersistenceFailure):
		return "persistence_failure"
	default:
		return "error"
	}
}
