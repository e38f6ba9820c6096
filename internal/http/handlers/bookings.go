package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/internal/dispatch"
	"github.com/wolfman30/clinic-booking-pipeline/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// BookingEngine is the subset of *bookings.Service the API needs.
type BookingEngine interface {
	CheckAvailability(ctx context.Context, req bookings.AvailabilityRequest) ([]bookings.Slot, error)
	BookSlot(ctx context.Context, req bookings.BookSlotRequest) (*bookings.Booking, error)
	ConfirmBooking(ctx context.Context, token string) (*bookings.Booking, error)
	CancelBooking(ctx context.Context, orgID, id, reason string) (*bookings.Booking, error)
	CompleteBooking(ctx context.Context, orgID, id string) (*bookings.Booking, error)
	RescheduleBooking(ctx context.Context, orgID, id string, start, end time.Time) (*bookings.RescheduleResult, error)
	GetBooking(ctx context.Context, orgID, id string) (*bookings.Booking, error)
	FindByCreator(ctx context.Context, orgID, ref string) (*bookings.Booking, error)
}

// SideEffects runs confirmations after a booking commits. Its reports are
// advisory and never change the response status.
type SideEffects interface {
	BookingCreated(ctx context.Context, b *bookings.Booking) dispatch.Report
	Cancelled(ctx context.Context, b *bookings.Booking) dispatch.Report
	Rescheduled(ctx context.Context, res *bookings.RescheduleResult) dispatch.Report
}

// BookingHandler serves /api/bookings.
type BookingHandler struct {
	engine  BookingEngine
	effects SideEffects
	logger  *logging.Logger
}

func NewBookingHandler(engine BookingEngine, effects SideEffects, logger *logging.Logger) *BookingHandler {
	if engine == nil {
		panic("handlers: booking engine required")
	}
	if effects == nil {
		panic("handlers: side effects required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingHandler{engine: engine, effects: effects, logger: logger}
}

// IdempotencyKeyHeader lets API callers retry creates safely.
const IdempotencyKeyHeader = "Idempotency-Key"

type bookingResponse struct {
	Success     bool              `json:"success"`
	Booking     *bookings.Booking `json:"booking"`
	Previous    *bookings.Booking `json:"previous,omitempty"`
	SideEffects []dispatch.Result `json:"side_effects,omitempty"`
	Replayed    bool              `json:"replayed,omitempty"`
}

type createBookingRequest struct {
	ProviderID string           `json:"provider_id"`
	Patient    bookings.Patient `json:"patient"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Notes      string           `json:"notes,omitempty"`
}

func orgID(r *http.Request) string {
	id, _ := tenancy.OrgIDFromContext(r.Context())
	return id
}

// Availability handles GET /api/bookings/availability.
func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := bookings.AvailabilityRequest{
		OrgID:      orgID(r),
		ProviderID: strings.TrimSpace(q.Get("provider_id")),
		Date:       strings.TrimSpace(q.Get("date")),
	}
	if raw := q.Get("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, bookings.KindValidation, "duration must be a Go duration such as 30m")
			return
		}
		req.SlotDuration = d
	}
	slots, err := h.engine.CheckAvailability(r.Context(), req)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	if slots == nil {
		slots = []bookings.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "slots": slots})
}

// Create handles POST /api/bookings.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createBookingRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, bookings.KindValidation, err.Error())
		return
	}
	org := orgID(r)
	createdBy := "api:" + middleware.Actor(r.Context())
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		createdBy = "idem:" + key
		existing, err := h.engine.FindByCreator(r.Context(), org, createdBy)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: existing, Replayed: true})
			return
		case !errors.Is(err, bookings.ErrNotFound):
			writeBookingError(w, err)
			return
		}
	}

	booking, err := h.engine.BookSlot(r.Context(), bookings.BookSlotRequest{
		OrgID:      org,
		ProviderID: body.ProviderID,
		Patient:    body.Patient,
		Start:      body.Start,
		End:        body.End,
		Notes:      body.Notes,
		CreatedBy:  createdBy,
	})
	if err != nil {
		writeBookingError(w, err)
		return
	}
	report := h.effects.BookingCreated(r.Context(), booking)
	writeJSON(w, http.StatusCreated, bookingResponse{Success: true, Booking: booking, SideEffects: report.Results})
}

// Confirm handles POST /api/bookings/confirm. The token alone identifies
// the booking.
func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, bookings.KindValidation, err.Error())
		return
	}
	booking, err := h.engine.ConfirmBooking(r.Context(), body.Token)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: booking})
}

// Cancel handles POST /api/bookings/{bookingID}/cancel.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, bookings.KindValidation, err.Error())
			return
		}
	}
	booking, err := h.engine.CancelBooking(r.Context(), orgID(r), chi.URLParam(r, "bookingID"), body.Reason)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	report := h.effects.Cancelled(r.Context(), booking)
	writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: booking, SideEffects: report.Results})
}

// Reschedule handles POST /api/bookings/{bookingID}/reschedule.
func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, bookings.KindValidation, err.Error())
		return
	}
	res, err := h.engine.RescheduleBooking(r.Context(), orgID(r), chi.URLParam(r, "bookingID"), body.Start, body.End)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	report := h.effects.Rescheduled(r.Context(), res)
	writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: res.Booking, Previous: res.Previous, SideEffects: report.Results})
}

// Complete handles POST /api/bookings/{bookingID}/complete.
func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	booking, err := h.engine.CompleteBooking(r.Context(), orgID(r), chi.URLParam(r, "bookingID"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: booking})
}

// Get handles GET /api/bookings/{bookingID}.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	booking, err := h.engine.GetBooking(r.Context(), orgID(r), chi.URLParam(r, "bookingID"))
	if err != nil {
		writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{Success: true, Booking: booking})
}
