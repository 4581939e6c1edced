package models

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when no session record exists for an id.
// It is always surfaced to the caller, never silently recovered.
var ErrSessionNotFound = errors.New("session not found")

// InvalidTimerValueError reports a negative timer duration. The offending
// value is carried so callers can log it.
type InvalidTimerValueError struct {
	Value int64
}

func (e *InvalidTimerValueError) Error() string {
	return fmt.Sprintf("invalid timer value: %d", e.Value)
}

// UnknownDecisionError reports a continuation decision outside the fixed
// option set. This is caller programmer error.
type UnknownDecisionError struct {
	Decision string
}

func (e *UnknownDecisionError) Error() string {
	return fmt.Sprintf("unknown continuation decision: %q", e.Decision)
}
