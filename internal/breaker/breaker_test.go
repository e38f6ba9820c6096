package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type countingObserver struct{ outcomes map[string]int }

func (o *countingObserver) ObserveBreakerCall(_ string, outcome string) {
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

var errDownstream = errors.New("provider timeout")

func newTestBreaker(store StateStore) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := New(store, Settings{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second, ProbeLease: 5 * time.Second}, logging.Discard()).
		WithClock(clock.Now)
	return b, clock
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errDownstream
	}
}

func TestBreakerOpensAfterThresholdAndShortCircuits(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, "sms", failing(&calls))
		require.ErrorIs(t, err, errDownstream)
		clock.Advance(time.Second)
	}
	require.Equal(t, 3, calls)

	err := b.Execute(ctx, "sms", failing(&calls))
	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls, "open circuit must not attempt the call")

	var unavailable *DownstreamUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "sms", unavailable.Service)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 32, 0, time.UTC), unavailable.OpenUntil)

	snap, err := b.State(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0

	require.Error(t, b.Execute(ctx, "calendar", failing(&calls)))
	require.Error(t, b.Execute(ctx, "calendar", failing(&calls)))
	require.NoError(t, b.Execute(ctx, "calendar", func(context.Context) error { return nil }))
	require.Error(t, b.Execute(ctx, "calendar", failing(&calls)))
	require.Error(t, b.Execute(ctx, "calendar", failing(&calls)))

	snap, err := b.State(ctx, "calendar")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 2, snap.Failures)
}

func TestBreakerFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), errDownstream)
		clock.Advance(61 * time.Second)
	}
	snap, err := b.State(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.Failures)
}

func TestBreakerWindowSlidesWithEachFailure(t *testing.T) {
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			var store StateStore = NewMemoryStore()
			if name == "redis" {
				store, _ = newRedisStore(t)
			}
			b, clock := newTestBreaker(store)
			ctx := context.Background()
			start := clock.Now()
			calls := 0

			// The last three failures land within 12s of each other even
			// though the first one has aged out of the minute window.
			for _, at := range []time.Duration{0, 50 * time.Second, 61 * time.Second, 62 * time.Second} {
				clock.now = start.Add(at)
				require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), errDownstream)
			}

			snap, err := b.State(ctx, "sms")
			require.NoError(t, err)
			assert.Equal(t, StateOpen, snap.State)
			assert.Equal(t, 3, snap.Failures)

			clock.Advance(time.Second)
			require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), ErrOpen)
			assert.Equal(t, 4, calls, "open circuit must not attempt the call")
		})
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "sms", failing(&calls))
	}
	clock.Advance(31 * time.Second)

	snap, err := b.State(ctx, "sms")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, snap.State)

	var nested error
	err = b.Execute(ctx, "sms", func(ctx context.Context) error {
		nested = b.Execute(ctx, "sms", func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, nested, ErrOpen, "second caller during probe must be rejected")

	snap, err = b.State(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
}

func TestBreakerProbeFailureReopensWithFreshCooldown(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "sms", failing(&calls))
	}
	clock.Advance(31 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), errDownstream)
	require.Equal(t, 4, calls)

	snap, err := b.State(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, clock.Now().Add(30*time.Second), snap.OpenUntil)

	require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), ErrOpen)
	assert.Equal(t, 4, calls)
}

func TestBreakerIsolatesServices(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStore())
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "sms", failing(&calls))
	}
	require.NoError(t, b.Execute(ctx, "calendar", func(context.Context) error { return nil }))
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) (Snapshot, error) {
	return Snapshot{}, errors.New("redis: connection refused")
}

func TestBreakerFailsOpenWhenStoreUnavailable(t *testing.T) {
	obs := &countingObserver{}
	b, _ := newTestBreaker(&brokenStore{MemoryStore: NewMemoryStore()})
	b.WithObserver(obs)

	invoked := false
	err := b.Execute(context.Background(), "sms", func(context.Context) error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, 1, obs.outcomes[OutcomeStoreError])
}

func TestBreakerResetClosesCircuit(t *testing.T) {
	obs := &countingObserver{}
	b, _ := newTestBreaker(NewMemoryStore())
	b.WithObserver(obs)
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "sms", failing(&calls))
	}
	require.ErrorIs(t, b.Execute(ctx, "sms", failing(&calls)), ErrOpen)

	require.NoError(t, b.Reset(ctx, "sms"))
	require.NoError(t, b.Execute(ctx, "sms", func(context.Context) error { return nil }))

	assert.Equal(t, 3, obs.outcomes[OutcomeFailure])
	assert.Equal(t, 1, obs.outcomes[OutcomeRejected])
	assert.Equal(t, 1, obs.outcomes[OutcomeSuccess])

	list, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSnapshotStateAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, StateClosed, Snapshot{}.StateAt(now))
	assert.Equal(t, StateOpen, Snapshot{OpenUntil: now.Add(time.Second)}.StateAt(now))
	assert.Equal(t, StateHalfOpen, Snapshot{OpenUntil: now}.StateAt(now))
}
