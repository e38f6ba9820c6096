// Package lifecycle turns inbound lifecycle events into booking engine calls
// and confirmation side effects.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/internal/dispatch"
	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var lifecycleTracer = otel.Tracer("clinic.internal.lifecycle")

// BookingEngine is the subset of *bookings.Service the handlers need.
type BookingEngine interface {
	BookSlot(ctx context.Context, req bookings.BookSlotRequest) (*bookings.Booking, error)
	GetBooking(ctx context.Context, orgID, id string) (*bookings.Booking, error)
	FindByCreator(ctx context.Context, orgID, ref string) (*bookings.Booking, error)
}

// Dispatcher is the subset of *dispatch.Dispatcher the handlers need.
type Dispatcher interface {
	BookingCreated(ctx context.Context, b *bookings.Booking) dispatch.Report
	Retry(ctx context.Context, b *bookings.Booking, effect dispatch.Effect) dispatch.Result
}

// Handlers processes booking.requested, call.ended and side_effect.retry.
type Handlers struct {
	bookings   BookingEngine
	dispatcher Dispatcher
	logger     *logging.Logger
}

func New(engine BookingEngine, dispatcher Dispatcher, logger *logging.Logger) *Handlers {
	if engine == nil {
		panic("lifecycle: booking engine required")
	}
	if dispatcher == nil {
		panic("lifecycle: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{bookings: engine, dispatcher: dispatcher, logger: logger}
}

// Register attaches every handler to the pipeline.
func (h *Handlers) Register(p *events.Pipeline) {
	p.Register(events.TypeBookingRequested, events.HandlerFunc(h.BookingRequested))
	p.Register(events.TypeCallEnded, events.HandlerFunc(h.CallEnded))
	p.Register(events.TypeSideEffectRetry, events.HandlerFunc(h.SideEffectRetry))
}

// BookingRequest is the booking part of a lifecycle payload.
type BookingRequest struct {
	ProviderID string           `json:"provider_id"`
	Patient    bookings.Patient `json:"patient"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Notes      string           `json:"notes,omitempty"`
}

// CallEndedPayload is sent by the voice assistant when a call finishes. A
// booking is present only when the caller agreed to a slot.
type CallEndedPayload struct {
	CallID      string          `json:"call_id"`
	CallerPhone string          `json:"caller_phone"`
	EndedReason string          `json:"ended_reason,omitempty"`
	Booking     *BookingRequest `json:"booking,omitempty"`
}

// BookingRequested books the requested slot and sends confirmations.
func (h *Handlers) BookingRequested(ctx context.Context, orgID string, e *events.Event) error {
	var req BookingRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return events.Permanent(fmt.Errorf("lifecycle: decode booking request: %w", err))
	}
	return h.book(ctx, orgID, "event:"+e.ID, req)
}

// CallEnded books the slot agreed during a call, if any.
func (h *Handlers) CallEnded(ctx context.Context, orgID string, e *events.Event) error {
	var payload CallEndedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return events.Permanent(fmt.Errorf("lifecycle: decode call ended: %w", err))
	}
	if payload.Booking == nil {
		h.logger.Info("call ended without booking", "org_id", orgID, "event_id", e.ID,
			"call_id", payload.CallID, "ended_reason", payload.EndedReason)
		return nil
	}
	req := *payload.Booking
	if req.Patient.Phone == "" {
		req.Patient.Phone = payload.CallerPhone
	}
	ref := "event:" + e.ID
	if payload.CallID != "" {
		ref = "call:" + payload.CallID
	}
	return h.book(ctx, orgID, ref, req)
}

// book is idempotent on ref: a redelivered event finds the booking it
// already made instead of booking twice.
func (h *Handlers) book(ctx context.Context, orgID, ref string, req BookingRequest) error {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.book")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.org_id", orgID))

	existing, err := h.bookings.FindByCreator(ctx, orgID, ref)
	switch {
	case err == nil:
		h.logger.Info("booking already made for event", "org_id", orgID, "booking_id", existing.ID, "created_by", ref)
		return nil
	case !errors.Is(err, bookings.ErrNotFound):
		return fmt.Errorf("lifecycle: find booking by creator: %w", err)
	}

	booking, err := h.bookings.BookSlot(ctx, bookings.BookSlotRequest{
		OrgID:      orgID,
		ProviderID: req.ProviderID,
		Patient:    req.Patient,
		Start:      req.Start,
		End:        req.End,
		Notes:      req.Notes,
		CreatedBy:  ref,
	})
	if err != nil {
		span.RecordError(err)
		switch bookings.KindOf(err) {
		case bookings.KindValidation, bookings.KindConflict:
			// Retrying cannot free the slot or fix the input.
			return events.Permanent(err)
		default:
			return err
		}
	}
	span.SetAttributes(attribute.String("clinic.booking_id", booking.ID))

	report := h.dispatcher.BookingCreated(ctx, booking)
	h.logger.Info("booking created from event", "org_id", orgID, "booking_id", booking.ID,
		"created_by", ref, "patient_phone", maskPhone(booking.Patient.Phone), "side_effects", report.Summary())
	return nil
}

// SideEffectRetry replays one failed side effect. A retry that fails again
// returns an error so the event backs off and eventually dead-letters.
func (h *Handlers) SideEffectRetry(ctx context.Context, orgID string, e *events.Event) error {
	var payload dispatch.RetryPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return events.Permanent(fmt.Errorf("lifecycle: decode side effect retry: %w", err))
	}
	effect, err := dispatch.ParseEffect(string(payload.Effect))
	if err != nil {
		return events.Permanent(err)
	}
	if payload.OrgID != "" && payload.OrgID != orgID {
		return events.Permanent(fmt.Errorf("lifecycle: retry org %s does not match event org %s", payload.OrgID, orgID))
	}

	booking, err := h.bookings.GetBooking(ctx, orgID, payload.BookingID)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			return events.Permanent(err)
		}
		return fmt.Errorf("lifecycle: load booking: %w", err)
	}
	if effect != dispatch.EffectCalendarDelete && booking.Status.IsTerminal() {
		h.logger.Info("skipping confirmation retry for closed booking", "org_id", orgID,
			"booking_id", booking.ID, "effect", effect, "status", booking.Status)
		return nil
	}

	res := h.dispatcher.Retry(ctx, booking, effect)
	switch res.Outcome {
	case dispatch.OutcomeSent:
		return nil
	case dispatch.OutcomeSkipped:
		if res.Reason == dispatch.ReasonNotConfigured {
			h.logger.Warn("side effect retry has no provider", "org_id", orgID, "booking_id", booking.ID, "effect", effect)
			return nil
		}
		return fmt.Errorf("lifecycle: retry %s skipped: %s", effect, res.Reason)
	default:
		return fmt.Errorf("lifecycle: retry %s failed: %s", effect, res.Reason)
	}
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return "***" + phone[len(phone)-4:]
}
