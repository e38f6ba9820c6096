package breaker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps circuit state in-process. Suitable for a single instance
// and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, service string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.state[service]
	snap.Service = service
	return snap, nil
}

func (m *MemoryStore) IsOpen(ctx context.Context, service string, now time.Time) (bool, error) {
	snap, err := m.Get(ctx, service)
	if err != nil {
		return false, err
	}
	return snap.StateAt(now) == StateOpen, nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, service)
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, service string, now time.Time, settings Settings) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := applyFailure(m.state[service], now, settings)
	snap.Service = service
	m.state[service] = snap
	return snap, nil
}

func (m *MemoryStore) AcquireProbe(_ context.Context, service string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.state[service]
	if snap.ProbeUntil.After(now) {
		return false, nil
	}
	snap.Service = service
	snap.ProbeUntil = now.Add(lease)
	m.state[service] = snap
	return true, nil
}

func (m *MemoryStore) Reset(ctx context.Context, service string) error {
	return m.RecordSuccess(ctx, service)
}

func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.state))
	for _, snap := range m.state {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
