package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrOrderTerminal = errors.New("order is in a terminal status")
	ErrPriceUnknown  = errors.New("no price available")
	ErrContextDone   = errors.New("context cancelled")
)

// Failure kinds carried by TradeError. These are the machine-readable side of
// every user-visible failure; the Message field carries the human side.
const (
	KindValidation          = "validation"
	KindPriceMovedAway      = "price_moved_away"
	KindPriceImpactTooHigh  = "price_impact_too_high"
	KindSimulationFailed    = "simulation_failed"
	KindSubmissionFailed    = "submission_failed"
	KindConfirmationTimeout = "confirmation_timeout"
	KindLockTimeout         = "lock_timeout"
	KindCircuitOpen         = "circuit_open"
)

// TradeError is a classified execution failure. Kind is short and
// machine-readable; Message is safe to show to a user. The wrapped error, if
// any, carries internal detail and never crosses the user boundary.
type TradeError struct {
	Kind    string
	Message string
	Err     error
}

func (e *TradeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewTradeError builds a TradeError with the given kind and message.
func NewTradeError(kind, message string, err error) *TradeError {
	return &TradeError{Kind: kind, Message: message, Err: err}
}

// ErrKind extracts the failure kind from an error chain. It returns an empty
// string for nil and "internal" for unclassified errors.
func ErrKind(err error) string {
	if err == nil {
		return ""
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return "internal"
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Validation, trigger, and pre-flight failures are final; transport
// failures are not.
func Retryable(err error) bool {
	switch ErrKind(err) {
	case KindValidation, KindPriceMovedAway, KindPriceImpactTooHigh, KindSimulationFailed:
		return false
	default:
		return true
	}
}
