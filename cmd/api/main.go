package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-pipeline/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking-pipeline/internal/api/router"
	"github.com/wolfman30/clinic-booking-pipeline/internal/app/bootstrap"
	"github.com/wolfman30/clinic-booking-pipeline/internal/clinic"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/http/handlers"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	var sqlDB *sql.DB
	if pool != nil {
		defer pool.Close()
		sqlDB = stdlib.OpenDBFromPool(pool)
		defer func() { _ = sqlDB.Close() }()
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)

	deps := bootstrap.Deps{Pool: pool, SQLDB: sqlDB, Redis: redisClient}
	if err := attachAWS(ctx, cfg, &deps); err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	metricsHandler, registry := setupMetrics()
	deps.Registerer = registry

	svcs, err := bootstrap.BuildServices(ctx, cfg, deps, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	// Without a shared queue nobody else can drain the in-memory one.
	var background *bootstrap.Background
	if cfg.UseMemoryQueue || deps.SQS == nil {
		logger.Info("running event worker inline")
		background = bootstrap.StartBackground(ctx, cfg, svcs, deps, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildHandler(cfg, svcs, metricsHandler, readiness(pool, redisClient), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := svcs.Dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("side effects still in flight at shutdown", "error", err)
	}
	if background != nil {
		background.Wait()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// attachAWS adds the AWS clients the configuration asks for.
func attachAWS(ctx context.Context, cfg *appconfig.Config, deps *bootstrap.Deps) error {
	needSQS := !cfg.UseMemoryQueue && cfg.EventQueueURL != ""
	needSES := cfg.EmailProvider == "ses"
	needS3 := cfg.ArchiveBucket != ""
	if !needSQS && !needSES && !needS3 {
		return nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if needSQS {
		deps.SQS = sqs.NewFromConfig(awsCfg)
	}
	if needSES {
		deps.SES = sesv2.NewFromConfig(awsCfg)
	}
	if needS3 {
		deps.S3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
	}
	return nil
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), registry
}

func readiness(pool *pgxpool.Pool, redisClient *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

func buildHandler(cfg *appconfig.Config, svcs *bootstrap.Services, metricsHandler http.Handler, ready func(context.Context) error, logger *logging.Logger) http.Handler {
	var schedules *clinic.Handler
	if svcs.Schedules != nil {
		schedules = clinic.NewHandler(svcs.Schedules, logger).WithAudit(svcs.Audit)
	}
	return router.New(&router.Config{
		Logger:   logger,
		Bookings: handlers.NewBookingHandler(svcs.Bookings, svcs.Dispatcher, logger),
		Ingress:  handlers.NewIngressHandler(svcs.Pipeline, logger).WithObserver(svcs.Metrics),
		Admin: handlers.NewAdminHandler(handlers.AdminConfig{
			Breakers:    svcs.Breaker,
			DeadLetters: svcs.Pipeline,
			SideEffects: svcs.Dispatcher,
			Audit:       svcs.Audit,
			Logger:      logger,
		}),
		Schedules:            schedules,
		ToolsJWTSecret:       cfg.ToolsJWTSecret,
		AdminAuthSecret:      cfg.AdminJWTSecret,
		WebhookSigningSecret: cfg.WebhookSigningSecret,
		IngressRatePerSecond: cfg.IngressRateLimit,
		IngressBurst:         cfg.IngressRateBurst,
		MetricsHandler:       metricsHandler,
		Ready:                ready,
	})
}
