package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(body)
	})
}

func signedRequest(secret string, ts time.Time, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(SignatureHeader, "sha256="+SignWebhook(secret, ts, body))
	return req
}

func TestWebhookSignature(t *testing.T) {
	h := WebhookSignature("s3cret", time.Minute)(echoBody(t))
	body := []byte(`{"id":"evt-1"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest("s3cret", time.Now(), body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(body), rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest("other", time.Now(), body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest("s3cret", time.Now().Add(-10*time.Minute), body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookSignatureDisabledWithoutSecret(t *testing.T) {
	h := WebhookSignature("", 0)(echoBody(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader([]byte("{}"))))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRateLimiterRefillsAndEvicts(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("1.2.3.4"))

	now = now.Add(time.Hour)
	rl.Allow("9.9.9.9")
	rl.mu.Lock()
	_, kept := rl.buckets["5.6.7.8"]
	rl.mu.Unlock()
	assert.False(t, kept)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimit(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequireOrgID(t *testing.T) {
	h := RequireOrgID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenancy.FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, tenancy.ViaHeader, tenant.Via)
		_, _ = w.Write([]byte(tenant.OrgID))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bookings/b-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bookings/b-1", nil)
	req.Header.Set(OrgHeader, " org-1 ")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "org-1", rec.Body.String())
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	h := RequestLogger(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}
