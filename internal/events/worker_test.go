package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func TestWorkerConsumesQueue(t *testing.T) {
	p, store, handler, _ := newTestPipeline(t)
	q := NewMemoryQueue(8)
	p.WithQueue(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(p, q, logging.Discard()).WithConsumers(2).WithWaitSeconds(0).WithPollInterval(time.Hour)
	w.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Ingest(ctx, IngestRequest{EventID: id, Type: TypeCallEnded, Hint: tenancy.Hint{OrgID: "org-1"}})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return handler.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		e, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
	}

	cancel()
	w.Wait()
}

func TestWorkerDrainProcessesDueRetries(t *testing.T) {
	p, store, handler, clock := newTestPipeline(t)
	ctx := context.Background()
	handler.errs = []error{errors.New("flaky")}

	_, err := p.Ingest(ctx, IngestRequest{EventID: "e1", Type: TypeCallEnded, Hint: tenancy.Hint{OrgID: "org-1"}})
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, "e1"))

	w := NewWorker(p, nil, logging.Discard()).WithPendingGrace(time.Minute)
	assert.Equal(t, 0, w.drain(ctx), "retry not due yet")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, w.drain(ctx))
	e, _ := store.Get(ctx, "e1")
	assert.Equal(t, StatusCompleted, e.Status)
}

func TestWorkerDrainPicksUpUnannouncedPending(t *testing.T) {
	p, store, handler, clock := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, IngestRequest{EventID: "e1", Type: TypeCallEnded, Hint: tenancy.Hint{OrgID: "org-1"}})
	require.NoError(t, err)

	w := NewWorker(p, nil, logging.Discard()).WithPendingGrace(30 * time.Second)
	assert.Equal(t, 0, w.drain(ctx), "fresh pending events belong to the queue consumers")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, w.drain(ctx))
	assert.Equal(t, 1, handler.count())
	e, _ := store.Get(ctx, "e1")
	assert.Equal(t, StatusCompleted, e.Status)
}

func TestWorkerReclaimsStaleClaims(t *testing.T) {
	p, store, handler, clock := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, IngestRequest{EventID: "e1", Type: TypeCallEnded, Hint: tenancy.Hint{OrgID: "org-1"}})
	require.NoError(t, err)
	// Simulate a worker that claimed the event and crashed.
	_, err = store.Claim(ctx, "e1", clock.Now())
	require.NoError(t, err)

	w := NewWorker(p, nil, logging.Discard()).WithStaleAfter(time.Minute)
	clock.Advance(2 * time.Minute)
	w.drain(ctx)

	e, _ := store.Get(ctx, "e1")
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 1, handler.count())
}
