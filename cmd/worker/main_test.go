package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/observability/metrics"
)

func TestValidate(t *testing.T) {
	assert.Error(t, validate(&appconfig.Config{}))
	assert.Error(t, validate(&appconfig.Config{DatabaseURL: "postgres://x", UseMemoryQueue: true}))
	assert.Error(t, validate(&appconfig.Config{DatabaseURL: "postgres://x"}))
	assert.NoError(t, validate(&appconfig.Config{DatabaseURL: "postgres://x", EventQueueURL: "https://sqs/q"}))
}

func TestOpsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(registry)
	m.ObserveBreakerCall("sms.telnyx", "rejected")
	h := opsHandler(registry)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "clinic_breaker_calls_total")
}
