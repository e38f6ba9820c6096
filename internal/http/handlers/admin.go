package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-pipeline/internal/audit"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	"github.com/wolfman30/clinic-booking-pipeline/internal/dispatch"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// BreakerAdmin is satisfied by *breaker.Breaker.
type BreakerAdmin interface {
	List(ctx context.Context) ([]breaker.Snapshot, error)
	Reset(ctx context.Context, service string) error
}

// DeadLetterAdmin is satisfied by *events.Pipeline.
type DeadLetterAdmin interface {
	ListDeadLetters(ctx context.Context, orgID string, limit int) ([]events.Event, error)
	Replay(ctx context.Context, eventID string) (*events.Event, error)
}

// SideEffectLog is satisfied by *dispatch.Dispatcher.
type SideEffectLog interface {
	Records(ctx context.Context, orgID, bookingID string) ([]dispatch.Record, error)
}

// AdminHandler hosts ops endpoints for breakers, dead letters and side
// effect history.
type AdminHandler struct {
	breakers    BreakerAdmin
	deadLetters DeadLetterAdmin
	sideEffects SideEffectLog
	audit       audit.Recorder
	logger      *logging.Logger
}

type AdminConfig struct {
	Breakers    BreakerAdmin
	DeadLetters DeadLetterAdmin
	SideEffects SideEffectLog
	// Audit is optional; operator actions are only logged when nil.
	Audit  audit.Recorder
	Logger *logging.Logger
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminHandler{
		breakers:    cfg.Breakers,
		deadLetters: cfg.DeadLetters,
		sideEffects: cfg.SideEffects,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
	}
}

// ListBreakers handles GET /admin/breakers.
func (h *AdminHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.breakers.List(r.Context())
	if err != nil {
		h.logger.Error("list breakers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list breakers")
		return
	}
	if snaps == nil {
		snaps = []breaker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snaps})
}

// ResetBreaker handles POST /admin/breakers/{service}/reset.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	service := strings.TrimSpace(chi.URLParam(r, "service"))
	if service == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "service is required")
		return
	}
	if err := h.breakers.Reset(r.Context(), service); err != nil {
		h.logger.Error("reset breaker failed", "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset breaker")
		return
	}
	h.logger.Info("breaker reset", "service", service, "actor", middleware.Actor(r.Context()))
	h.record(r, audit.Entry{Action: audit.ActionBreakerReset, Target: service})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": service})
}

// ListDeadLetters handles GET /admin/dead-letters?org_id=&limit=.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.deadLetters.ListDeadLetters(r.Context(), strings.TrimSpace(r.URL.Query().Get("org_id")), limit)
	if err != nil {
		h.logger.Error("list dead letters failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list dead letters")
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

// ReplayDeadLetter handles POST /admin/dead-letters/{eventID}/replay.
func (h *AdminHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	e, err := h.deadLetters.Replay(r.Context(), eventID)
	switch {
	case errors.Is(err, events.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, events.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, "not_dead_lettered", err.Error())
		return
	case err != nil:
		h.logger.Error("replay failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to replay event")
		return
	}
	h.logger.Info("dead letter replayed by operator", "event_id", eventID, "actor", middleware.Actor(r.Context()))
	h.record(r, audit.Entry{
		Action:  audit.ActionDeadLetterReplay,
		OrgID:   e.OrgID,
		Target:  eventID,
		Details: audit.Details(map[string]any{"type": e.Type, "attempts": e.Attempts}),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": e})
}

// SideEffects handles GET /admin/bookings/{bookingID}/side-effects?org_id=.
func (h *AdminHandler) SideEffects(w http.ResponseWriter, r *http.Request) {
	org := strings.TrimSpace(r.URL.Query().Get("org_id"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "org_id is required")
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	records, err := h.sideEffects.Records(r.Context(), org, bookingID)
	if err != nil {
		h.logger.Error("list side effects failed", "booking_id", bookingID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list side effects")
		return
	}
	if records == nil {
		records = []dispatch.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking_id": bookingID, "side_effects": records})
}

// record writes an audit entry. Write failures are logged only.
func (h *AdminHandler) record(r *http.Request, entry audit.Entry) {
	if h.audit == nil {
		return
	}
	entry.Actor = middleware.Actor(r.Context())
	if err := h.audit.Record(r.Context(), entry); err != nil {
		h.logger.Error("audit record failed", "action", entry.Action, "target", entry.Target, "error", err)
	}
}
