package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrRegistryClosed is returned when submitting to a registry that is shutting down
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrHostUnreachable is returned by transports that cannot reach the host executor
	ErrHostUnreachable = errors.New("host unreachable")
)

// ValidationError reports a malformed submission. The job is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

// NewValidationError creates a new validation error
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
