package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotFound is returned when a provider type is not found in the registry
	ErrProviderNotFound = errors.New("provider type not found")

	// ErrProviderAlreadyRegistered is returned when attempting to register a duplicate provider type
	ErrProviderAlreadyRegistered = errors.New("provider type already registered")

	// ErrFactoryNotFound is returned when a rotation factory is not found in the registry
	ErrFactoryNotFound = errors.New("rotation factory not found")

	// ErrFactoryAlreadyRegistered is returned when attempting to register a duplicate rotation factory
	ErrFactoryAlreadyRegistered = errors.New("rotation factory already registered")
)

// ValidationError reports malformed or missing connection inputs or
// rotation parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// NewValidationError constructs a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
