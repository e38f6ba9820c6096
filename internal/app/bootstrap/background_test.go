package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func TestBuildOutboxHandlerFallsBackToLog(t *testing.T) {
	handler, closer := buildOutboxHandler(memoryConfig(), logging.Discard())
	_, ok := handler.(*events.LogPublisher)
	assert.True(t, ok)
	assert.Nil(t, closer)

	cfg := memoryConfig()
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaBookingTopic = ""
	handler, _ = buildOutboxHandler(cfg, logging.Discard())
	_, ok = handler.(*events.LogPublisher)
	assert.True(t, ok)
}

func TestBackgroundProcessesQueuedEvents(t *testing.T) {
	cfg := memoryConfig()
	cfg.WorkerCount = 1
	cfg.EventPollInterval = 20 * time.Millisecond
	cfg.SweepInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	svcs, err := BuildServices(ctx, cfg, Deps{Registerer: prometheus.NewRegistry()}, logging.Discard())
	require.NoError(t, err)
	bg := StartBackground(ctx, cfg, svcs, Deps{}, logging.Discard())

	_, err = svcs.Pipeline.Ingest(ctx, events.IngestRequest{
		EventID: "call-1",
		Type:    events.TypeCallEnded,
		Hint:    tenancy.Hint{OrgID: "org-1"},
		Payload: []byte(`{"call_id":"c-1","caller_phone":"+15550001111"}`),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		e, err := svcs.Events.Get(context.Background(), "call-1")
		return err == nil && e.Status == events.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background loops did not stop")
	}
}
