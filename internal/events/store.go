package events

import (
	"context"
	"time"
)

// Store persists inbound events. Status changes out of processing are only
// made by the worker that claimed the event.
type Store interface {
	// Insert stores a new event; inserted is false when the ID already exists.
	Insert(ctx context.Context, e *Event) (inserted bool, err error)
	Get(ctx context.Context, id string) (*Event, error)
	// Claim moves a due pending or failed event to processing. It returns
	// ErrNotClaimable when the event is owned elsewhere, finished, or not due.
	Claim(ctx context.Context, id string, now time.Time) (*Event, error)
	// ClaimDue claims failed events whose retry time passed and pending
	// events created before pendingBefore, skipping rows locked by other
	// workers.
	ClaimDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]Event, error)
	// Complete, Fail and DeadLetter apply only while the claim is still
	// held; otherwise they return ErrNotClaimable and change nothing.
	Complete(ctx context.Context, claim ClaimToken, orgID string, now time.Time) error
	Fail(ctx context.Context, claim ClaimToken, orgID string, attempts int, next time.Time, lastErr string, now time.Time) error
	DeadLetter(ctx context.Context, claim ClaimToken, orgID string, attempts int, lastErr string, now time.Time) error
	// RetryNow makes a failed event due immediately.
	RetryNow(ctx context.Context, id string, now time.Time) (bool, error)
	ListDeadLetters(ctx context.Context, orgID string, limit int) ([]Event, error)
	// Replay returns a dead-lettered event to pending with attempts reset.
	Replay(ctx context.Context, id string, now time.Time) (*Event, error)
	// ReclaimStale releases processing claims older than staleBefore,
	// counting the lost run as an attempt.
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Event, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// ClaimToken identifies one processing claim: the event and the updated_at
// stamped when it was claimed. An event claimed again after ReclaimStale
// carries a different token.
type ClaimToken struct {
	ID        string
	ClaimedAt time.Time
}

// ClaimToken returns the token of a claimed event.
func (e *Event) ClaimToken() ClaimToken {
	return ClaimToken{ID: e.ID, ClaimedAt: e.UpdatedAt}
}
