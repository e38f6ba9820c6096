package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

func (s *MemoryStore) Insert(_ context.Context, e *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return false, nil
	}
	s.events[e.ID] = *e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !claimable(e, now) {
		return nil, ErrNotClaimable
	}
	e.Status = StatusProcessing
	e.UpdatedAt = now
	s.events[id] = e
	return &e, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now, pendingBefore time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Event
	for _, e := range s.events {
		switch {
		case e.Status == StatusFailed && !e.NextAttemptAt.After(now):
		case e.Status == StatusPending && !e.NextAttemptAt.After(now) && e.CreatedAt.Before(pendingBefore):
		default:
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusProcessing
		due[i].UpdatedAt = now
		s.events[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) Complete(_ context.Context, claim ClaimToken, orgID string, now time.Time) error {
	return s.update(claim, func(e *Event) {
		e.Status = StatusCompleted
		e.OrgID = orgID
		e.LastError = ""
		e.CompletedAt = &now
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) Fail(_ context.Context, claim ClaimToken, orgID string, attempts int, next time.Time, lastErr string, now time.Time) error {
	return s.update(claim, func(e *Event) {
		e.Status = StatusFailed
		if orgID != "" {
			e.OrgID = orgID
		}
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) DeadLetter(_ context.Context, claim ClaimToken, orgID string, attempts int, lastErr string, now time.Time) error {
	return s.update(claim, func(e *Event) {
		e.Status = StatusDeadLetter
		if orgID != "" {
			e.OrgID = orgID
		}
		e.Attempts = attempts
		e.LastError = lastErr
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) RetryNow(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.Status != StatusFailed {
		return false, nil
	}
	e.NextAttemptAt = now
	e.UpdatedAt = now
	s.events[id] = e
	return true, nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, orgID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == StatusDeadLetter && (orgID == "" || e.OrgID == orgID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Replay(_ context.Context, id string, now time.Time) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusDeadLetter {
		return nil, ErrNotDeadLettered
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.NextAttemptAt = now
	e.UpdatedAt = now
	s.events[id] = e
	return &e, nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.events {
		if e.Status != StatusProcessing || !e.UpdatedAt.Before(staleBefore) {
			continue
		}
		e.Attempts++
		e.LastError = "processing claim expired"
		e.Status = StatusFailed
		if e.Attempts >= e.MaxAttempts {
			e.Status = StatusDeadLetter
		}
		e.NextAttemptAt = now
		e.UpdatedAt = now
		s.events[id] = e
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status.IsTerminal() && e.UpdatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.events[id]; ok {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) update(claim ClaimToken, fn func(*Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[claim.ID]
	if !ok || e.Status != StatusProcessing || !e.UpdatedAt.Equal(claim.ClaimedAt) {
		return ErrNotClaimable
	}
	fn(&e)
	s.events[claim.ID] = e
	return nil
}

func claimable(e Event, now time.Time) bool {
	return (e.Status == StatusPending || e.Status == StatusFailed) && !e.NextAttemptAt.After(now)
}
