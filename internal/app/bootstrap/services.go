package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	"github.com/wolfman30/clinic-booking-pipeline/internal/clinic"
	"github.com/wolfman30/clinic-booking-pipeline/internal/calendar"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/dispatch"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/lifecycle"
	"github.com/wolfman30/clinic-booking-pipeline/internal/messaging"
	"github.com/wolfman30/clinic-booking-pipeline/internal/notify"
	"github.com/wolfman30/clinic-booking-pipeline/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// Deps are the connections a binary opened before building services. Nil
// entries select in-memory or disabled fallbacks.
type Deps struct {
	Pool       *pgxpool.Pool
	SQLDB      *sql.DB
	Redis      *redis.Client
	SES        *sesv2.Client
	SQS        *sqs.Client
	S3         *s3.Client
	Registerer prometheus.Registerer
}

// Services is the wired booking pipeline shared by the API and worker.
type Services struct {
	Metrics    *metrics.PipelineMetrics
	Breaker    *breaker.Breaker
	Hours      bookings.HoursProvider
	// Schedules holds per-org hours; nil without Redis.
	Schedules *clinic.Store
	Bookings   *bookings.Service
	Events     events.Store
	Queue      events.Queue
	Pipeline   *events.Pipeline
	Resolver   *tenancy.Resolver
	Vault      vault.Vault
	Dispatcher *dispatch.Dispatcher
	// Audit is nil without a database.
	Audit audit.Recorder
}

// BuildServices wires stores, the breaker, the dispatcher and the event
// pipeline with its lifecycle handlers registered.
func BuildServices(ctx context.Context, cfg *appconfig.Config, deps Deps, logger *logging.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	svcs := &Services{Metrics: metrics.NewPipelineMetrics(deps.Registerer)}

	defaultHours, err := BuildHours(cfg)
	if err != nil {
		return nil, err
	}
	svcs.Hours = defaultHours
	if deps.Redis != nil {
		svcs.Schedules = clinic.NewStore(deps.Redis, cfg.ScheduleKeyPrefix)
		svcs.Hours = clinic.NewHours(svcs.Schedules, defaultHours, logger)
	}
	svcs.Breaker = BuildBreaker(cfg, deps.Redis, svcs.Metrics, logger)

	var bookingStore bookings.Store
	if deps.Pool != nil {
		bookingStore = bookings.NewPostgresStore(deps.Pool, cfg.LockTimeout)
		svcs.Events = events.NewPostgresStore(deps.Pool)
	} else {
		logger.Warn("DATABASE_URL not set; bookings and events are held in memory")
		bookingStore = bookings.NewMemoryStore(cfg.LockTimeout)
		svcs.Events = events.NewMemoryStore()
	}
	svcs.Bookings = bookings.NewService(bookingStore, svcs.Hours, bookings.Settings{
		TxTimeout:           cfg.BookingTxTimeout,
		ConfirmationTTL:     cfg.ConfirmationTTL,
		MaxAlternatives:     cfg.MaxAlternatives,
		DefaultSlotDuration: cfg.SlotDuration,
	}, logger).WithObserver(svcs.Metrics)

	if deps.SQLDB != nil {
		svcs.Audit = audit.NewLog(deps.SQLDB)
	}
	svcs.Resolver, err = buildResolver(cfg, deps.SQLDB, logger)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.UseMemoryQueue || deps.SQS == nil || strings.TrimSpace(cfg.EventQueueURL) == "":
		svcs.Queue = events.NewMemoryQueue(1024)
	default:
		svcs.Queue = events.NewSQSQueue(deps.SQS, cfg.EventQueueURL)
	}
	svcs.Pipeline = events.NewPipeline(svcs.Events, svcs.Resolver, logger).
		WithQueue(svcs.Queue).
		WithObserver(svcs.Metrics).
		WithPolicy(events.RetryPolicy{
			MaxAttempts: cfg.EventMaxAttempts,
			BaseDelay:   cfg.EventRetryBaseDelay,
			MaxDelay:    cfg.EventRetryMaxDelay,
		})

	svcs.Vault, err = BuildVault(cfg, deps.Pool, logger)
	if err != nil {
		return nil, err
	}
	svcs.Dispatcher = buildDispatcher(cfg, deps, svcs, bookingStore, logger)

	lifecycle.New(svcs.Bookings, svcs.Dispatcher, logger).Register(svcs.Pipeline)
	return svcs, nil
}

func buildResolver(cfg *appconfig.Config, db *sql.DB, logger *logging.Logger) (*tenancy.Resolver, error) {
	var dir tenancy.Directory
	if db != nil {
		dir = tenancy.NewSQLDirectory(db)
	} else {
		static, err := tenancy.ParseStaticDirectory(cfg.StaticTenantMapJSON)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		dir = static
	}
	return tenancy.NewResolver(dir, tenancy.NewTTLCache(cfg.TenantCacheTTL), logger), nil
}

func buildDispatcher(cfg *appconfig.Config, deps Deps, svcs *Services, store bookings.Store, logger *logging.Logger) *dispatch.Dispatcher {
	var recorder dispatch.Recorder = dispatch.NewMemoryRecorder()
	if deps.Pool != nil {
		recorder = dispatch.NewPostgresRecorder(deps.Pool)
	}
	d := dispatch.New(svcs.Breaker, logger.With("component", "dispatch")).
		WithSMS(messaging.NewOrgSenders(svcs.Vault, logger)).
		WithCalendar(calendar.NewOrgCalendars(svcs.Vault, logger)).
		WithEmail(notify.NewOrgEmail(svcs.Vault, deps.SES, logger)).
		WithRecorder(recorder).
		WithFailureSink(dispatch.NewEventSink(svcs.Pipeline)).
		WithCalendarLinker(store).
		WithLocator(svcs.Hours).
		WithObserver(svcs.Metrics).
		WithTimeout(cfg.SideEffectTimeout)
	if base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"); base != "" {
		d = d.WithConfirmURL(base + "/confirm")
	}
	return d
}
