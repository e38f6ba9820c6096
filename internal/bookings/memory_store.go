package bookings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PublishedEvent is an outbox record captured by MemoryStore.
type PublishedEvent struct {
	OrgID   string
	Type    string
	Payload any
}

// MemoryStore is an in-process Store for local development and tests. Slot
// locks are per-key semaphores released when the transaction ends; writes are
// staged and applied atomically on commit.
type MemoryStore struct {
	mu          sync.Mutex
	bookings    map[string]Booking
	published   []PublishedEvent
	locks       map[int64]chan struct{}
	lockTimeout time.Duration
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 250 * time.Millisecond
	}
	return &MemoryStore{
		bookings:    make(map[string]Booking),
		locks:       make(map[int64]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) FindByCreator(_ context.Context, orgID, createdBy string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Booking
	for _, b := range s.bookings {
		if b.OrgID != orgID || b.CreatedBy != createdBy {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			cp := b
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) ListHolding(_ context.Context, orgID, providerID string, window Slot) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return holdingIn(s.bookings, nil, orgID, providerID, window), nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]Booking, error) {
	return s.filter(limit, func(b Booking) bool {
		return b.Status == StatusPending && b.TokenExpiresAt != nil && !b.TokenExpiresAt.After(now)
	}), nil
}

func (s *MemoryStore) ListElapsedConfirmed(_ context.Context, now time.Time, limit int) ([]Booking, error) {
	return s.filter(limit, func(b Booking) bool {
		return b.Status == StatusConfirmed && !b.End.After(now)
	}), nil
}

func (s *MemoryStore) SetCalendarEventID(_ context.Context, id, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.CalendarEventID = eventID
	s.bookings[id] = b
	return nil
}

// Published returns the outbox records committed so far.
func (s *MemoryStore) Published() []PublishedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PublishedEvent(nil), s.published...)
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{store: s, staged: make(map[string]Booking)}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range tx.staged {
		s.bookings[id] = b
	}
	s.published = append(s.published, tx.published...)
	return nil
}

func (s *MemoryStore) filter(limit int, keep func(Booking) bool) []Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Booking
	for _, b := range s.bookings {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) semaphore(key int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

type memTx struct {
	store     *MemoryStore
	held      []chan struct{}
	heldKeys  map[int64]bool
	staged    map[string]Booking
	published []PublishedEvent
}

func (t *memTx) acquire(ctx context.Context, key int64) error {
	if t.heldKeys[key] {
		return nil
	}
	ch := t.store.semaphore(key)
	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		if t.heldKeys == nil {
			t.heldKeys = make(map[int64]bool)
		}
		t.heldKeys[key] = true
		t.held = append(t.held, ch)
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return ctx.Err()
	}
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.held[i]
	}
	t.held = nil
}

func (t *memTx) LockSlots(ctx context.Context, keys []int64) error {
	for _, key := range keys {
		if err := t.acquire(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) ListHolding(_ context.Context, orgID, providerID string, window Slot) ([]Booking, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return holdingIn(t.store.bookings, t.staged, orgID, providerID, window), nil
}

func (t *memTx) read(id string) (Booking, bool) {
	if b, ok := t.staged[id]; ok {
		return b, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	b, ok := t.store.bookings[id]
	return b, ok
}

func (t *memTx) GetForUpdate(ctx context.Context, id string) (*Booking, error) {
	if err := t.acquire(ctx, rowLockKey(id)); err != nil {
		return nil, err
	}
	b, ok := t.read(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (t *memTx) GetByTokenForUpdate(ctx context.Context, tokenHash string) (*Booking, error) {
	if tokenHash == "" {
		return nil, ErrNotFound
	}
	id := ""
	t.store.mu.Lock()
	for _, b := range t.store.bookings {
		if b.TokenHash == tokenHash {
			id = b.ID
			break
		}
	}
	t.store.mu.Unlock()
	if id == "" {
		return nil, ErrNotFound
	}
	b, err := t.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.TokenHash != tokenHash {
		return nil, ErrNotFound
	}
	return b, nil
}

func (t *memTx) Insert(_ context.Context, b *Booking) error {
	if _, exists := t.read(b.ID); exists {
		return errors.New("bookings: insert: duplicate id")
	}
	stored := *b
	stored.ConfirmationToken = ""
	t.staged[b.ID] = stored
	return nil
}

func (t *memTx) Update(_ context.Context, b *Booking) error {
	if _, exists := t.read(b.ID); !exists {
		return ErrNotFound
	}
	t.staged[b.ID] = *b
	return nil
}

func (t *memTx) Publish(_ context.Context, orgID, eventType string, payload any) error {
	t.published = append(t.published, PublishedEvent{OrgID: orgID, Type: eventType, Payload: payload})
	return nil
}

func holdingIn(committed, staged map[string]Booking, orgID, providerID string, window Slot) []Booking {
	var out []Booking
	consider := func(b Booking) {
		if b.OrgID == orgID && b.ProviderID == providerID && b.Status.HoldsSlot() && b.Slot().Overlaps(window) {
			out = append(out, b)
		}
	}
	for id, b := range committed {
		if _, overridden := staged[id]; overridden {
			continue
		}
		consider(b)
	}
	for _, b := range staged {
		consider(b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func rowLockKey(id string) int64 {
	return int64(xxhash.Sum64String("row|" + id))
}
