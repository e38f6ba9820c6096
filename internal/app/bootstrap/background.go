package bootstrap

import (
	"context"
	"strings"
	"sync"

	"github.com/wolfman30/clinic-booking-pipeline/internal/archive"
	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// Background runs the asynchronous half of the pipeline: the event worker,
// the booking sweeper, outbox delivery and the webhook event archive.
type Background struct {
	worker *events.Worker
	logger *logging.Logger
	wg     sync.WaitGroup
	closer func() error
}

// StartBackground launches every loop the deps allow. All of them stop when
// ctx is cancelled; Wait blocks until they have.
func StartBackground(ctx context.Context, cfg *appconfig.Config, svcs *Services, deps Deps, logger *logging.Logger) *Background {
	if logger == nil {
		logger = logging.Default()
	}
	bg := &Background{logger: logger}

	bg.worker = events.NewWorker(svcs.Pipeline, svcs.Queue, logger.With("component", "event_worker")).
		WithConsumers(cfg.WorkerCount).
		WithPollInterval(cfg.EventPollInterval).
		WithStaleAfter(cfg.EventStaleAfter)
	bg.worker.Start(ctx)

	sweeper := bookings.NewSweeper(svcs.Bookings, logger.With("component", "sweeper")).
		WithNotifier(svcs.Dispatcher).
		WithInterval(cfg.SweepInterval)
	bg.goRun(func() { sweeper.Run(ctx) })

	if deps.Pool != nil {
		handler, closer := buildOutboxHandler(cfg, logger)
		bg.closer = closer
		deliverer := events.NewDeliverer(events.NewOutboxStore(deps.Pool), handler, logger.With("component", "outbox")).
			WithInterval(cfg.OutboxPollInterval).
			WithBatchSize(int32(cfg.OutboxBatchSize))
		bg.goRun(func() { deliverer.Start(ctx) })
	}

	if deps.S3 != nil && strings.TrimSpace(cfg.ArchiveBucket) != "" {
		store := archive.NewStore(deps.S3, cfg.ArchiveBucket, logger.Logger)
		retention := archive.NewRetention(svcs.Events, store, cfg.EventRetention, logger.Logger).
			WithInterval(cfg.ArchiveInterval)
		bg.goRun(func() { retention.Run(ctx) })
	}
	return bg
}

func (b *Background) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait blocks until every loop has stopped and releases the outbox writer.
func (b *Background) Wait() {
	b.worker.Wait()
	b.wg.Wait()
	if b.closer != nil {
		if err := b.closer(); err != nil {
			b.logger.Warn("closing outbox publisher failed", "error", err)
		}
	}
}

func buildOutboxHandler(cfg *appconfig.Config, logger *logging.Logger) (events.DeliveryHandler, func() error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("KAFKA_BROKERS not set; booking events are logged instead of published")
		return events.NewLogPublisher(logger), nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaBookingTopic, logger)
	if err != nil {
		logger.Error("kafka publisher unavailable; logging booking events", "error", err)
		return events.NewLogPublisher(logger), nil
	}
	logger.Info("publishing booking events to kafka", "topic", cfg.KafkaBookingTopic, "brokers", len(cfg.KafkaBrokers))
	return publisher, publisher.Close
}
