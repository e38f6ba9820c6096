package bookings

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a booking does not exist for the org.
	ErrNotFound = errors.New("bookings: not found")
	// ErrLockTimeout is returned when the slot lock could not be taken in time.
	ErrLockTimeout = errors.New("bookings: slot lock timeout")
	// ErrTokenExpired covers unknown, consumed and expired confirmation tokens.
	ErrTokenExpired = errors.New("bookings: confirmation token expired or invalid")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed booking input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "bookings: invalid request: " + strings.Join(parts, "; ")
}

// ConflictError is returned when the requested interval overlaps a booking
// that holds the slot. Alternatives are nearby free slots of the same length.
type ConflictError struct {
	Requested    Slot   `json:"requested"`
	Alternatives []Slot `json:"alternatives"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("bookings: slot %s-%s is taken (%d alternatives)",
		e.Requested.Start.Format(time.RFC3339), e.Requested.End.Format(time.RFC3339), len(e.Alternatives))
}

// TransitionError is returned for an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bookings: cannot move booking from %s to %s", e.From, e.To)
}

// Error kinds exposed to API callers.
const (
	KindValidation        = "validation_error"
	KindConflict          = "conflict"
	KindLockTimeout       = "lock_timeout"
	KindTokenExpired      = "token_expired"
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindInternal          = "internal_error"
)

// KindOf classifies err for API responses.
func KindOf(err error) string {
	var (
		validation *ValidationError
		conflict   *ConflictError
		transition *TransitionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &transition):
		return KindInvalidTransition
	case errors.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
