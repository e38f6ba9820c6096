package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("BOOKING_LOCK_TIMEOUT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Fatalf("expected default lock timeout, got %s", cfg.LockTimeout)
	}
	if cfg.MaxAlternatives != 3 {
		t.Fatalf("expected 3 alternatives by default, got %d", cfg.MaxAlternatives)
	}
	if cfg.BreakerFailureThreshold != 5 || cfg.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %d %s", cfg.BreakerFailureThreshold, cfg.BreakerCooldown)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no kafka brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("EVENT_MAX_ATTEMPTS", "8")
	t.Setenv("EVENT_RETRY_BASE_DELAY", "500ms")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("INGRESS_RATE_LIMIT", "12.5")
	t.Setenv("SMS_PROVIDER", " Twilio ")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.EventMaxAttempts != 8 {
		t.Fatalf("expected max attempts override, got %d", cfg.EventMaxAttempts)
	}
	if cfg.EventRetryBaseDelay != 500*time.Millisecond {
		t.Fatalf("expected base delay override, got %s", cfg.EventRetryBaseDelay)
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue enabled")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.IngressRateLimit != 12.5 {
		t.Fatalf("expected rate override, got %v", cfg.IngressRateLimit)
	}
	if cfg.SMSProvider != "twilio" {
		t.Fatalf("expected normalized sms provider, got %q", cfg.SMSProvider)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("SIDE_EFFECT_TIMEOUT", "soon")
	t.Setenv("REDIS_TLS", "maybe")
	cfg := Load()
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected worker default, got %d", cfg.WorkerCount)
	}
	if cfg.SideEffectTimeout != 5*time.Second {
		t.Fatalf("expected side effect timeout default, got %s", cfg.SideEffectTimeout)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected redis tls default false")
	}
}
