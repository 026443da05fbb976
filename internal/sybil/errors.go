package sybil

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData means the wallet has no fingerprint events to score.
	ErrNoData = errors.New("sybil: no fingerprint data for wallet")

	// ErrNotFound means the wallet has no score row yet.
	ErrNotFound = errors.New("sybil: score not found")

	// ErrIdentityUnavailable means the identity provider could not be reached.
	// Scores are never computed with a guessed identity state.
	ErrIdentityUnavailable = errors.New("sybil: identity provider unavailable")

	// ErrStaleBreakdown marks a stored breakdown that could not be decoded.
	ErrStaleBreakdown = errors.New("sybil: stored breakdown is unreadable")
)

// ValidationError rejects input before any write happens.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
