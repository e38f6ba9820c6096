package bookings

import (
	"context"
	"time"
)

// Store persists bookings. Reads outside WithTx never block on slot locks.
type Store interface {
	Get(ctx context.Context, id string) (*Booking, error)
	FindByCreator(ctx context.Context, orgID, createdBy string) (*Booking, error)
	ListHolding(ctx context.Context, orgID, providerID string, window Slot) ([]Booking, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Booking, error)
	ListElapsedConfirmed(ctx context.Context, now time.Time, limit int) ([]Booking, error)
	SetCalendarEventID(ctx context.Context, id, eventID string) error
	// WithTx runs fn in one transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view used by write operations.
type Tx interface {
	// LockSlots takes transaction-scoped locks on the given keys, in order,
	// returning ErrLockTimeout when any cannot be acquired in time.
	LockSlots(ctx context.Context, keys []int64) error
	ListHolding(ctx context.Context, orgID, providerID string, window Slot) ([]Booking, error)
	GetForUpdate(ctx context.Context, id string) (*Booking, error)
	GetByTokenForUpdate(ctx context.Context, tokenHash string) (*Booking, error)
	Insert(ctx context.Context, b *Booking) error
	Update(ctx context.Context, b *Booking) error
	// Publish records a lifecycle event in the same transaction.
	Publish(ctx context.Context, orgID, eventType string, payload any) error
}
