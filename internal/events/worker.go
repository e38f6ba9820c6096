package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// Worker drains the work queue and polls the store for due retries and
// abandoned claims.
type Worker struct {
	pipeline     *Pipeline
	queue        Queue
	logger       *logging.Logger
	consumers    int
	pollInterval time.Duration
	staleAfter   time.Duration
	pendingGrace time.Duration
	batchSize    int
	waitSeconds  int

	wg sync.WaitGroup
}

func NewWorker(pipeline *Pipeline, queue Queue, logger *logging.Logger) *Worker {
	if pipeline == nil {
		panic("events: pipeline required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		pipeline:     pipeline,
		queue:        queue,
		logger:       logger,
		consumers:    2,
		pollInterval: time.Second,
		staleAfter:   5 * time.Minute,
		pendingGrace: 30 * time.Second,
		batchSize:    25,
		waitSeconds:  20,
	}
}

func (w *Worker) WithConsumers(n int) *Worker {
	if n > 0 {
		w.consumers = n
	}
	return w
}

func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	if d > 0 {
		w.pollInterval = d
	}
	return w
}

func (w *Worker) WithStaleAfter(d time.Duration) *Worker {
	if d > 0 {
		w.staleAfter = d
	}
	return w
}

func (w *Worker) WithPendingGrace(d time.Duration) *Worker {
	if d >= 0 {
		w.pendingGrace = d
	}
	return w
}

func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

func (w *Worker) WithWaitSeconds(n int) *Worker {
	if n >= 0 {
		w.waitSeconds = n
	}
	return w
}

// Start launches the consumers and the poller. They stop when ctx is done;
// Wait blocks until they have.
func (w *Worker) Start(ctx context.Context) {
	if w.queue != nil {
		for i := 0; i < w.consumers; i++ {
			w.wg.Add(1)
			go func(id int) {
				defer w.wg.Done()
				w.consume(ctx, id)
			}(i)
		}
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.poll(ctx)
	}()
	w.logger.Info("event worker started", "consumers", w.consumers, "poll_interval", w.pollInterval)
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.queue.Receive(ctx, 10, w.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("event queue receive failed", "consumer", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			eventID := strings.TrimSpace(msg.Body)
			if err := w.pipeline.Process(ctx, eventID); err != nil {
				// Leave the message for redelivery.
				w.logger.Error("event processing failed", "event_id", eventID, "error", err)
				continue
			}
			if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				w.logger.Warn("event queue delete failed", "event_id", eventID, "error", err)
			}
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain runs one poll cycle: release stale claims, then process due events.
func (w *Worker) drain(ctx context.Context) int {
	store := w.pipeline.Store()
	now := w.pipeline.now().UTC()
	if n, err := store.ReclaimStale(ctx, now.Add(-w.staleAfter), now); err != nil {
		w.logger.Error("reclaim stale events failed", "error", err)
	} else if n > 0 {
		w.logger.Warn("reclaimed stale event claims", "count", n)
	}

	due, err := store.ClaimDue(ctx, now, now.Add(-w.pendingGrace), w.batchSize)
	if err != nil {
		w.logger.Error("claim due events failed", "error", err)
		return 0
	}
	for i := range due {
		if err := w.pipeline.ProcessClaimed(ctx, &due[i]); err != nil {
			w.logger.Error("event processing failed", "event_id", due[i].ID, "error", err)
		}
	}
	return len(due)
}
