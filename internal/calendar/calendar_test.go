package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func newFakeCalendar(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleClientCreateEvent(t *testing.T) {
	srv := newFakeCalendar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/clinic@example.com/events", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("sendUpdates"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Appointment: Ana", body["summary"])
		start := body["start"].(map[string]any)
		assert.Equal(t, "2025-03-10T10:00:00Z", start["dateTime"])
		props := body["extendedProperties"].(map[string]any)["private"].(map[string]any)
		assert.Equal(t, "b-1", props["booking_id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt-42"})
	})

	c, err := NewGoogleClient(context.Background(), GoogleConfig{
		CalendarID: "clinic@example.com",
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, logging.Discard())
	require.NoError(t, err)

	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), Event{
		BookingID:     "b-1",
		Summary:       "Appointment: Ana",
		Start:         start,
		End:           start.Add(30 * time.Minute),
		AttendeeEmail: "ana@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-42", id)

	_, err = c.CreateEvent(context.Background(), Event{Start: start, End: start})
	assert.Error(t, err)
}

func TestGoogleClientDeleteEvent(t *testing.T) {
	srv := newFakeCalendar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/calendars/primary/events/evt-1":
			w.WriteHeader(http.StatusNoContent)
		case "/calendars/primary/events/gone":
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":410,"message":"Resource has been deleted"}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
		}
	})

	c, err := NewGoogleClient(context.Background(), GoogleConfig{Endpoint: srv.URL + "/", HTTPClient: srv.Client()}, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, c.DeleteEvent(context.Background(), "evt-1"))
	require.NoError(t, c.DeleteEvent(context.Background(), "gone"))
	assert.Error(t, c.DeleteEvent(context.Background(), "broken"))
	assert.Error(t, c.DeleteEvent(context.Background(), ""))
}

func TestNewGoogleClientRequiresCredentials(t *testing.T) {
	_, err := NewGoogleClient(context.Background(), GoogleConfig{}, nil)
	assert.Error(t, err)
}

func TestOrgCalendarsCachesPerCredential(t *testing.T) {
	var created atomic.Int32
	srv := newFakeCalendar(t, func(w http.ResponseWriter, r *http.Request) {
		created.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt"})
	})

	v := vault.NewStaticVault(map[vault.ProviderType]map[string]string{
		vault.ProviderCalendar: {"provider": "google", "calendar_id": "primary", "endpoint": srv.URL + "/"},
	})
	cals := NewOrgCalendars(v, logging.Discard()).WithHTTPClient(srv.Client())

	a, err := cals.ForOrg(context.Background(), "org-1")
	require.NoError(t, err)
	b, err := cals.ForOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	_, err = a.CreateEvent(context.Background(), Event{BookingID: "b", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), created.Load())

	none := NewOrgCalendars(vault.NewStaticVault(nil), logging.Discard())
	_, err = none.ForOrg(context.Background(), "org-1")
	assert.ErrorIs(t, err, vault.ErrNotConfigured)

	outlook := NewOrgCalendars(vault.NewStaticVault(map[vault.ProviderType]map[string]string{
		vault.ProviderCalendar: {"provider": "outlook"},
	}), logging.Discard())
	_, err = outlook.ForOrg(context.Background(), "org-1")
	assert.ErrorIs(t, err, vault.ErrNotConfigured)
}
