package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
)

// Status is the processing state of an inbound event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// IsTerminal reports states the worker no longer touches.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Inbound event types understood by the pipeline.
const (
	TypeBookingRequested = "booking.requested"
	TypeCallEnded        = "call.ended"
	TypeSideEffectRetry  = "side_effect.retry"
)

var (
	// ErrInvalidEvent is returned by Ingest for malformed envelopes.
	ErrInvalidEvent = errors.New("events: invalid event")
	// ErrUnknownType is returned by Ingest when no handler is registered.
	ErrUnknownType = errors.New("events: unknown event type")
	// ErrNotFound is returned when an event ID is unknown.
	ErrNotFound = errors.New("events: event not found")
	// ErrNotClaimable means another worker owns the event or it is not due.
	ErrNotClaimable = errors.New("events: event not claimable")
	// ErrNotDeadLettered is returned when replaying an event that is not in the dead-letter state.
	ErrNotDeadLettered = errors.New("events: event is not dead-lettered")
)

// Event is a durable inbound webhook event.
type Event struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id,omitempty"`
	Hint          tenancy.Hint    `json:"hint"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// IngestRequest is the canonical envelope accepted at the ingress endpoint.
type IngestRequest struct {
	EventID string          `json:"id"`
	Type    string          `json:"type"`
	Hint    tenancy.Hint    `json:"hint"`
	Payload json.RawMessage `json:"payload"`
}

// IngestResult tells the producer whether the event was new.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Status    Status `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the event goes
// straight to the dead-letter state.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns min(base * 2^(attempt-1), ceiling) for a 1-based attempt.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidEvent}, args...)...)
}
