package breaker

import (
	"context"
	"time"
)

// State is the externally visible circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is the persisted state of one service's circuit.
type Snapshot struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	WindowStart time.Time `json:"window_start,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
	ProbeUntil  time.Time `json:"probe_until,omitempty"`

	// recent holds closed-state failure times inside the window, oldest
	// first. Only the memory store keeps it here.
	recent []time.Time
}

// StateAt derives the circuit state at now. An open circuit whose cooldown
// elapsed is half-open until a probe resolves it.
func (s Snapshot) StateAt(now time.Time) State {
	switch {
	case s.OpenUntil.IsZero():
		return StateClosed
	case now.Before(s.OpenUntil):
		return StateOpen
	default:
		return StateHalfOpen
	}
}

// StateStore persists circuit state. Implementations must apply RecordFailure
// atomically so concurrent instances agree on when a circuit opens.
type StateStore interface {
	Get(ctx context.Context, service string) (Snapshot, error)
	IsOpen(ctx context.Context, service string, now time.Time) (bool, error)
	RecordSuccess(ctx context.Context, service string) error
	RecordFailure(ctx context.Context, service string, now time.Time, settings Settings) (Snapshot, error)
	AcquireProbe(ctx context.Context, service string, now time.Time, lease time.Duration) (bool, error)
	Reset(ctx context.Context, service string) error
	List(ctx context.Context) ([]Snapshot, error)
}

// applyFailure is the failure transition shared by every store. The Redis
// script implements the same rules. While closed, only failures within the
// trailing Window count toward the threshold.
func applyFailure(s Snapshot, now time.Time, settings Settings) Snapshot {
	settings = settings.normalized()
	switch s.StateAt(now) {
	case StateHalfOpen:
		s.Failures = settings.FailureThreshold
		s.WindowStart = now
		s.OpenUntil = now.Add(settings.Cooldown)
		s.recent = nil
	case StateOpen:
		s.Failures++
	default:
		s.recent = append(trimWindow(s.recent, now.Add(-settings.Window)), now)
		s.Failures = len(s.recent)
		s.WindowStart = s.recent[0]
		if s.Failures >= settings.FailureThreshold {
			s.OpenUntil = now.Add(settings.Cooldown)
			s.recent = nil
		}
	}
	s.LastFailure = now
	s.ProbeUntil = time.Time{}
	return s
}

// trimWindow returns a fresh copy of times without entries before cutoff.
func trimWindow(times []time.Time, cutoff time.Time) []time.Time {
	out := make([]time.Time, 0, len(times)+1)
	for _, t := range times {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
