package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking-pipeline/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking-pipeline/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := validate(cfg); err != nil {
		logger.Error("invalid worker configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer func() { _ = sqlDB.Close() }()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	registry := prometheus.NewRegistry()
	deps := bootstrap.Deps{
		Pool:       pool,
		SQLDB:      sqlDB,
		Redis:      bootstrap.BuildRedisClient(ctx, cfg, logger, true),
		SQS:        sqs.NewFromConfig(awsCfg),
		SES:        sesv2.NewFromConfig(awsCfg),
		Registerer: registry,
	}
	if cfg.ArchiveBucket != "" {
		deps.S3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
	}

	svcs, err := bootstrap.BuildServices(ctx, cfg, deps, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	background := bootstrap.StartBackground(ctx, cfg, svcs, deps, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsHandler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server error", "error", err)
		}
	}()

	logger.Info("booking worker started", "queue", cfg.EventQueueURL, "consumers", cfg.WorkerCount)
	<-ctx.Done()
	logger.Info("booking worker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	background.Wait()
	if err := svcs.Dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("side effects still in flight at shutdown", "error", err)
	}
	logger.Info("booking worker stopped")
}

func validate(cfg *appconfig.Config) error {
	switch {
	case cfg.DatabaseURL == "":
		return errors.New("DATABASE_URL is required")
	case cfg.UseMemoryQueue:
		return errors.New("USE_MEMORY_QUEUE runs the worker inside the API; disable it for a standalone worker")
	case cfg.EventQueueURL == "":
		return errors.New("EVENT_QUEUE_URL is required")
	}
	return nil
}

func opsHandler(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}
