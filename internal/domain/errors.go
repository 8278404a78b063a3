package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrStaleStatus       = errors.New("status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLockHeld          = errors.New("lock already held")
	ErrQuoteUnavailable  = errors.New("price quote unavailable")
	ErrWSDisconnect      = errors.New("websocket disconnected")

	// Taxonomy sentinels. The typed errors below wrap these so callers can
	// branch with errors.Is without importing the concrete types.
	ErrValidation          = errors.New("validation failed")
	ErrConfiguration       = errors.New("configuration missing")
	ErrReserveInsufficient = errors.New("reserve insufficient")
)

// ValidationError reports a rejected wager request. Transport layers map it to
// a 4xx response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports missing settings or reserve identity. It aborts
// admission but never the process.
type ConfigurationError struct {
	What string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.What
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ReserveInsufficientError is returned when the house reserve circuit breaker
// trips, either globally (Token is empty) or for a single token.
type ReserveInsufficientError struct {
	Token    string
	Balance  string
	Required string
	Global   bool
}

func (e *ReserveInsufficientError) Error() string {
	scope := "token " + e.Token
	if e.Global {
		scope = "global breaker on token " + e.Token
	}
	return fmt.Sprintf("reserve insufficient (%s): balance %s < required %s", scope, e.Balance, e.Required)
}

func (e *ReserveInsufficientError) Unwrap() error { return ErrReserveInsufficient }
