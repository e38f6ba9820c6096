package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	"github.com/wolfman30/clinic-booking-pipeline/internal/dispatch"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type fakeIngester struct {
	reqs []events.IngestRequest
	seen map[string]bool
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, req events.IngestRequest) (*events.IngestResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[req.EventID] {
		return &events.IngestResult{EventID: req.EventID, Status: events.StatusCompleted, Duplicate: true}, nil
	}
	f.seen[req.EventID] = true
	return &events.IngestResult{EventID: req.EventID, Status: events.StatusPending}, nil
}

type latencyRecorder struct{ statuses []string }

func (l *latencyRecorder) ObserveIngressLatency(status string, _ float64) {
	l.statuses = append(l.statuses, status)
}

func postEvent(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngressAcceptsAndDeduplicates(t *testing.T) {
	ing := &fakeIngester{}
	lat := &latencyRecorder{}
	h := NewIngressHandler(ing, logging.Discard()).WithObserver(lat)
	body := `{"id":"evt-1","type":"call.ended","assistant_id":"asst-9","payload":{"call_id":"c-1"}}`

	rec := postEvent(h, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ing.reqs, 1)
	assert.Equal(t, "asst-9", ing.reqs[0].Hint.AssistantID)
	assert.JSONEq(t, `{"call_id":"c-1"}`, string(ing.reqs[0].Payload))

	rec = postEvent(h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["duplicate"])
	assert.Equal(t, []string{"202", "200"}, lat.statuses)
}

func TestIngressErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "invalid", err: fmt.Errorf("%w: id is required", events.ErrInvalidEvent), body: `{}`, want: http.StatusBadRequest},
		{name: "unknown type", err: fmt.Errorf("%w: %q", events.ErrUnknownType, "x"), body: `{"id":"a","type":"x"}`, want: http.StatusBadRequest},
		{name: "store down", err: errors.New("db down"), body: `{"id":"a","type":"call.ended"}`, want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewIngressHandler(&fakeIngester{err: tc.err}, logging.Discard())
			assert.Equal(t, tc.want, postEvent(h, tc.body).Code)
		})
	}
}

type fakeDeadLetters struct {
	list     []events.Event
	replayed []string
	err      error
}

func (f *fakeDeadLetters) ListDeadLetters(_ context.Context, orgID string, _ int) ([]events.Event, error) {
	var out []events.Event
	for _, e := range f.list {
		if orgID == "" || e.OrgID == orgID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDeadLetters) Replay(_ context.Context, id string) (*events.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.replayed = append(f.replayed, id)
	return &events.Event{ID: id, Status: events.StatusPending}, nil
}

type auditStub struct {
	entries []audit.Entry
	err     error
}

func (a *auditStub) Record(_ context.Context, e audit.Entry) error {
	a.entries = append(a.entries, e)
	return a.err
}

func adminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/admin/breakers", h.ListBreakers)
	r.Post("/admin/breakers/{service}/reset", h.ResetBreaker)
	r.Get("/admin/dead-letters", h.ListDeadLetters)
	r.Post("/admin/dead-letters/{eventID}/replay", h.ReplayDeadLetter)
	r.Get("/admin/bookings/{bookingID}/side-effects", h.SideEffects)
	return r
}

func TestAdminBreakers(t *testing.T) {
	brk := breaker.New(breaker.NewMemoryStore(), breaker.Settings{FailureThreshold: 1}, logging.Discard())
	_ = brk.Execute(context.Background(), "sms.telnyx", func(context.Context) error { return errors.New("down") })
	trail := &auditStub{}
	r := adminRouter(NewAdminHandler(AdminConfig{Breakers: brk, Audit: trail, Logger: logging.Discard()}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Breakers, 1)
	assert.Equal(t, "sms.telnyx", out.Breakers[0].Service)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/breakers/sms.telnyx/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := brk.State(context.Background(), "sms.telnyx")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, snap.StateAt(time.Now()))

	require.Len(t, trail.entries, 1)
	assert.Equal(t, audit.ActionBreakerReset, trail.entries[0].Action)
	assert.Equal(t, "sms.telnyx", trail.entries[0].Target)
	assert.Equal(t, "anonymous", trail.entries[0].Actor)
}

func TestAdminDeadLetters(t *testing.T) {
	dl := &fakeDeadLetters{list: []events.Event{
		{ID: "side_effect:bk-1:sms", OrgID: "org-1", Type: events.TypeSideEffectRetry, Status: events.StatusDeadLetter},
		{ID: "evt-2", OrgID: "org-2", Type: events.TypeCallEnded, Status: events.StatusDeadLetter},
	}}
	trail := &auditStub{err: errors.New("audit table missing")}
	r := adminRouter(NewAdminHandler(AdminConfig{DeadLetters: dl, Audit: trail, Logger: logging.Discard()}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters?org_id=org-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Events, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/evt-2/replay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evt-2"}, dl.replayed)
	require.Len(t, trail.entries, 1)
	assert.Equal(t, audit.ActionDeadLetterReplay, trail.entries[0].Action)

	dl.err = events.ErrNotDeadLettered
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/evt-2/replay", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	dl.err = events.ErrNotFound
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/nope/replay", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminSideEffects(t *testing.T) {
	rec := dispatch.NewMemoryRecorder()
	require.NoError(t, rec.Record(context.Background(), dispatch.Record{
		OrgID: "org-1", BookingID: "bk-1", Effect: dispatch.EffectSMS, Outcome: dispatch.OutcomeSkipped, Reason: dispatch.ReasonCircuitOpen,
	}))
	disp := dispatch.New(breaker.New(breaker.NewMemoryStore(), breaker.DefaultSettings(), logging.Discard()), logging.Discard()).
		WithRecorder(rec)
	r := adminRouter(NewAdminHandler(AdminConfig{SideEffects: disp, Logger: logging.Discard()}))

	out := httptest.NewRecorder()
	r.ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/admin/bookings/bk-1/side-effects?org_id=org-1", nil))
	require.Equal(t, http.StatusOK, out.Code)
	var body struct {
		SideEffects []dispatch.Record `json:"side_effects"`
	}
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &body))
	require.Len(t, body.SideEffects, 1)
	assert.Equal(t, dispatch.ReasonCircuitOpen, body.SideEffects[0].Reason)

	out = httptest.NewRecorder()
	r.ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/admin/bookings/bk-1/side-effects", nil))
	assert.Equal(t, http.StatusBadRequest, out.Code)
}
