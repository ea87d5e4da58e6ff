package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every layer wraps one of these with fmt.Errorf("...: %w") so the
// HTTP boundary can map them with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)

// ErrMissingSiteID is returned when no site id could be resolved for a site-scoped call.
var ErrMissingSiteID = fmt.Errorf("%w: missing site id", ErrValidation)

// Invalid wraps ErrValidation with a field-level message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
