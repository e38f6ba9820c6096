package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available; breaker state stays in-process", "error", err)
		return nil
	}
	return client
}

// BuildPostgresPool connects to DATABASE_URL. An empty URL returns nil so
// callers fall back to in-memory stores.
func BuildPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("postgres connected", "max_conns", poolCfg.MaxConns)
	return pool, nil
}

// BuildBreaker shares breaker state through Redis when a client is given.
func BuildBreaker(cfg *appconfig.Config, redisClient *redis.Client, observer breaker.Observer, logger *logging.Logger) *breaker.Breaker {
	settings := breaker.DefaultSettings()
	if cfg != nil {
		if cfg.BreakerFailureThreshold > 0 {
			settings.FailureThreshold = cfg.BreakerFailureThreshold
		}
		if cfg.BreakerWindow > 0 {
			settings.Window = cfg.BreakerWindow
		}
		if cfg.BreakerCooldown > 0 {
			settings.Cooldown = cfg.BreakerCooldown
		}
	}

	var store breaker.StateStore = breaker.NewMemoryStore()
	if redisClient != nil {
		prefix := "clinic:breaker:"
		if cfg != nil && cfg.BreakerKeyPrefix != "" {
			prefix = cfg.BreakerKeyPrefix
		}
		store = breaker.NewRedisStore(redisClient, prefix, settings.Window+settings.Cooldown)
	}
	b := breaker.New(store, settings, logger)
	if observer != nil {
		b = b.WithObserver(observer)
	}
	return b
}

// BuildHours returns the business calendar used for availability.
func BuildHours(cfg *appconfig.Config) (*bookings.StaticHours, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	hours, err := bookings.NewStaticHours(cfg.DefaultTimezone, cfg.BusinessOpen, cfg.BusinessClose, cfg.ClosedWeekdays)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: business hours: %w", err)
	}
	return hours, nil
}
