package clinic

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type auditStub struct{ entries []audit.Entry }

func (a *auditStub) Record(_ context.Context, e audit.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}

func newScheduleRouter(t *testing.T) (http.Handler, *auditStub) {
	t.Helper()
	store, _ := newTestStore(t)
	trail := &auditStub{}
	r := chi.NewRouter()
	r.Mount("/admin/orgs", NewHandler(store, logging.Discard()).WithAudit(trail).Routes())
	return r, trail
}

func TestHandlerScheduleLifecycle(t *testing.T) {
	r, trail := newScheduleRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/orgs/org-1/schedule", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body, err := json.Marshal(weekdaySchedule())
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/orgs/org-9/schedule", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var saved Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, "org-9", saved.OrgID, "path org wins over body")
	assert.False(t, saved.UpdatedAt.IsZero())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/orgs/org-9/schedule", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/orgs/org-9/schedule", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/orgs/org-9/schedule", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Len(t, trail.entries, 2)
	assert.Equal(t, audit.ActionScheduleChanged, trail.entries[0].Action)
	assert.Equal(t, "org-9", trail.entries[1].OrgID)
}

func TestHandlerRejectsBadSchedules(t *testing.T) {
	r, trail := newScheduleRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/orgs/org-1/schedule", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/orgs/org-1/schedule",
		bytes.NewBufferString(`{"timezone":"UTC","business_hours":{"monday":{"open":"18:00","close":"09:00"}}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid schedule")
	assert.Empty(t, trail.entries)
}
