package negotiator

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiationTimeout means the engine never called back.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrNotReadyForICE is returned when a candidate arrives before both
	// descriptions of the current round are applied.
	ErrNotReadyForICE = errors.New("not ready for ICE candidates")
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("negotiator disposed")
)

// NegotiationError is an expected failure reported by the engine for one
// SDP operation.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Timeout reports whether the operation ran out of time.
func (e *NegotiationError) Timeout() bool {
	return errors.Is(e.Err, ErrNegotiationTimeout)
}

// InvariantViolationError is returned when the engine answers an operation
// with a callback that operation can never produce, such as OnCreateSuccess
// for a set.
type InvariantViolationError struct {
	Op       string
	Callback string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: unexpected %s callback", e.Op, e.Callback)
}

// SDPValidationError describes a remote description rejected before it
// reaches the engine.
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}
