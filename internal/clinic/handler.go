package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type scheduleStore interface {
	scheduleSource
	Set(ctx context.Context, sched *Schedule) error
	Delete(ctx context.Context, orgID string) error
}

// Handler provides admin endpoints for org schedules.
type Handler struct {
	store  scheduleStore
	audit  audit.Recorder
	logger *logging.Logger
}

func NewHandler(store scheduleStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// WithAudit records schedule changes.
func (h *Handler) WithAudit(rec audit.Recorder) *Handler {
	h.audit = rec
	return h
}

// Routes returns a chi router mounted at /admin/orgs.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{orgID}/schedule", h.GetSchedule)
	r.Put("/{orgID}/schedule", h.PutSchedule)
	r.Delete("/{orgID}/schedule", h.DeleteSchedule)
	return r
}

// GetSchedule handles GET /admin/orgs/{orgID}/schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	sched, err := h.store.Get(r.Context(), orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no schedule; org uses platform default hours"})
		return
	case err != nil:
		h.logger.Error("failed to get org schedule", "org_id", orgID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// PutSchedule handles PUT /admin/orgs/{orgID}/schedule, replacing the
// whole schedule.
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var sched Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	sched.OrgID = orgID

	if err := h.store.Set(r.Context(), &sched); err != nil {
		if errors.Is(err, ErrInvalidSchedule) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to save org schedule", "org_id", orgID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save schedule"})
		return
	}

	h.logger.Info("org schedule updated", "org_id", orgID, "timezone", sched.Timezone, "provider_overrides", len(sched.Providers))
	h.record(r, orgID, "updated")
	writeJSON(w, http.StatusOK, sched)
}

// DeleteSchedule handles DELETE /admin/orgs/{orgID}/schedule.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	err := h.store.Delete(r.Context(), orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no schedule"})
		return
	case err != nil:
		h.logger.Error("failed to delete org schedule", "org_id", orgID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete schedule"})
		return
	}
	h.logger.Info("org schedule removed", "org_id", orgID)
	h.record(r, orgID, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(r *http.Request, orgID, change string) {
	if h.audit == nil {
		return
	}
	err := h.audit.Record(r.Context(), audit.Entry{
		Action:  audit.ActionScheduleChanged,
		Actor:   middleware.Actor(r.Context()),
		OrgID:   orgID,
		Target:  "schedule",
		Details: audit.Details(map[string]string{"change": change}),
	})
	if err != nil {
		h.logger.Error("audit record failed", "org_id", orgID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
