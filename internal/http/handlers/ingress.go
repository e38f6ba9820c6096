package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// EventIngester is satisfied by *events.Pipeline.
type EventIngester interface {
	Ingest(ctx context.Context, req events.IngestRequest) (*events.IngestResult, error)
}

// LatencyObserver records ingress latency by response status.
type LatencyObserver interface {
	ObserveIngressLatency(status string, seconds float64)
}

// IngressHandler is the single canonical endpoint for lifecycle events.
type IngressHandler struct {
	events   EventIngester
	logger   *logging.Logger
	observer LatencyObserver
}

func NewIngressHandler(ingester EventIngester, logger *logging.Logger) *IngressHandler {
	if ingester == nil {
		panic("handlers: event ingester required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IngressHandler{events: ingester, logger: logger}
}

func (h *IngressHandler) WithObserver(o LatencyObserver) *IngressHandler {
	h.observer = o
	return h
}

// IngressEnvelope is the wire shape accepted at POST /webhooks/events.
type IngressEnvelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	OrgID       string          `json:"org_id,omitempty"`
	AssistantID string          `json:"assistant_id,omitempty"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.serve(w, r)
	if h.observer != nil {
		h.observer.ObserveIngressLatency(strconv.Itoa(status), time.Since(start).Seconds())
	}
}

func (h *IngressHandler) serve(w http.ResponseWriter, r *http.Request) int {
	var env IngressEnvelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return http.StatusBadRequest
	}
	result, err := h.events.Ingest(r.Context(), events.IngestRequest{
		EventID: env.ID,
		Type:    env.Type,
		Hint: tenancy.Hint{
			OrgID:       env.OrgID,
			AssistantID: env.AssistantID,
			PhoneNumber: env.PhoneNumber,
		},
		Payload: env.Payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, events.ErrInvalidEvent):
			writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
			return http.StatusBadRequest
		case errors.Is(err, events.ErrUnknownType):
			writeError(w, http.StatusBadRequest, "unknown_type", err.Error())
			return http.StatusBadRequest
		default:
			// Not durably stored; the producer must retry.
			h.logger.Error("event ingest failed", "event_id", env.ID, "type", env.Type, "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "event not stored, retry later")
			return http.StatusServiceUnavailable
		}
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"success":   true,
		"event_id":  result.EventID,
		"status":    result.Status,
		"duplicate": result.Duplicate,
	})
	return status
}
