package bookings

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var bookingsTracer = otel.Tracer("clinic.internal.bookings")

// Settings tune the booking engine.
type Settings struct {
	TxTimeout           time.Duration
	ConfirmationTTL     time.Duration
	MaxAlternatives     int
	DefaultSlotDuration time.Duration
}

func (s Settings) normalized() Settings {
	if s.TxTimeout <= 0 {
		s.TxTimeout = 300 * time.Millisecond
	}
	if s.ConfirmationTTL <= 0 {
		s.ConfirmationTTL = 24 * time.Hour
	}
	if s.MaxAlternatives <= 0 {
		s.MaxAlternatives = 3
	}
	if s.DefaultSlotDuration <= 0 {
		s.DefaultSlotDuration = 30 * time.Minute
	}
	return s
}

// Observer receives one sample per engine operation.
type Observer interface {
	ObserveBookingOp(op, outcome string, elapsed time.Duration)
}

// Service is the booking engine: availability, atomic reservation and the
// status state machine.
type Service struct {
	store     Store
	hours     HoursProvider
	validator *Validator
	settings  Settings
	logger    *logging.Logger
	observer  Observer
	now       func() time.Time
	newToken  func() (string, error)
}

// NewService constructs a booking engine.
func NewService(store Store, hours HoursProvider, settings Settings, logger *logging.Logger) *Service {
	if store == nil {
		panic("bookings: store required")
	}
	if hours == nil {
		panic("bookings: hours provider required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:     store,
		hours:     hours,
		validator: NewValidator(),
		settings:  settings.normalized(),
		logger:    logger,
		now:       time.Now,
		newToken:  randomToken,
	}
}

func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Store exposes the backing store for collaborators that annotate bookings
// (calendar event IDs).
func (s *Service) Store() Store {
	return s.store
}

// CheckAvailability lists free slots for a provider on one day. It never
// takes locks, so results are advisory until BookSlot commits.
func (s *Service) CheckAvailability(ctx context.Context, req AvailabilityRequest) (slots []Slot, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.check_availability", trace.WithAttributes(
		attribute.String("clinic.org_id", req.OrgID),
		attribute.String("clinic.provider_id", req.ProviderID),
	))
	defer span.End()
	defer s.observe("check_availability", time.Now(), &err)

	if err := s.validator.Availability(&req); err != nil {
		return nil, err
	}
	day, err := ParseDay(req.Date)
	if err != nil {
		return nil, newValidationError("date", "must be formatted as 2006-01-02")
	}
	duration := req.SlotDuration
	if duration == 0 {
		duration = s.settings.DefaultSlotDuration
	}
	window, open, err := s.hours.OpenWindow(ctx, req.OrgID, req.ProviderID, day)
	if err != nil {
		return nil, fmt.Errorf("bookings: load hours: %w", err)
	}
	if !open {
		return []Slot{}, nil
	}
	holders, err := s.store.ListHolding(ctx, req.OrgID, req.ProviderID, window)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	slots = FreeSlots(window, duration, holders, s.now())
	if slots == nil {
		slots = []Slot{}
	}
	return slots, nil
}

// BookSlot atomically reserves [Start, End) as a pending booking. Exactly one
// of several concurrent requests for overlapping intervals succeeds; the rest
// receive a ConflictError with live alternatives.
func (s *Service) BookSlot(ctx context.Context, req BookSlotRequest) (booking *Booking, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.book_slot", trace.WithAttributes(
		attribute.String("clinic.org_id", req.OrgID),
		attribute.String("clinic.provider_id", req.ProviderID),
	))
	defer span.End()
	defer s.observe("book_slot", time.Now(), &err)

	req.Patient.Name = strings.TrimSpace(req.Patient.Name)
	req.Patient.Phone = strings.TrimSpace(req.Patient.Phone)
	req.Patient.Email = strings.TrimSpace(req.Patient.Email)
	if err := s.validator.BookSlot(&req); err != nil {
		return nil, err
	}
	requested := Slot{Start: req.Start, End: req.End}
	window, day, err := s.bookableWindow(ctx, req.OrgID, req.ProviderID, requested)
	if err != nil {
		return nil, err
	}
	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("bookings: generate token: %w", err)
	}

	err = s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockSlots(ctx, LockKeys(req.OrgID, req.ProviderID, day)); err != nil {
			return err
		}
		holders, err := tx.ListHolding(ctx, req.OrgID, req.ProviderID, window)
		if err != nil {
			return err
		}
		if overlapsAny(requested, holders, "") {
			return &ConflictError{
				Requested:    requested,
				Alternatives: Alternatives(window, requested, holders, s.now(), s.settings.MaxAlternatives, ""),
			}
		}
		now := s.now().UTC()
		expires := now.Add(s.settings.ConfirmationTTL)
		booking = &Booking{
			ID:                uuid.NewString(),
			OrgID:             req.OrgID,
			ProviderID:        req.ProviderID,
			Patient:           req.Patient,
			Start:             req.Start.UTC(),
			End:               req.End.UTC(),
			Status:            StatusPending,
			ConfirmationToken: token,
			TokenHash:         HashToken(token),
			TokenExpiresAt:    &expires,
			Notes:             strings.TrimSpace(req.Notes),
			CreatedBy:         req.CreatedBy,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Insert(ctx, booking); err != nil {
			return err
		}
		return tx.Publish(ctx, booking.OrgID, EventBookingCreated, lifecycleEvent(booking, now))
	})
	if err != nil {
		s.logFailure(span, "book slot", req.OrgID, "", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("clinic.booking_id", booking.ID))
	s.logger.Info("booking created", "org_id", booking.OrgID, "provider_id", booking.ProviderID,
		"booking_id", booking.ID, "start", booking.Start)
	return booking, nil
}

// ConfirmBooking confirms the pending booking owning token.
func (s *Service) ConfirmBooking(ctx context.Context, token string) (booking *Booking, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.confirm")
	defer span.End()
	defer s.observe("confirm", time.Now(), &err)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newValidationError("token", "is required")
	}
	err = s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetByTokenForUpdate(ctx, HashToken(token))
		if errors.Is(err, ErrNotFound) {
			return ErrTokenExpired
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if b.Status != StatusPending || b.TokenExpiresAt == nil || !now.Before(*b.TokenExpiresAt) {
			return ErrTokenExpired
		}
		b.Status = StatusConfirmed
		b.TokenHash = ""
		b.TokenExpiresAt = nil
		b.ConfirmedAt = &now
		b.UpdatedAt = now
		if err := tx.Update(ctx, b); err != nil {
			return err
		}
		booking = b
		return tx.Publish(ctx, b.OrgID, EventBookingConfirmed, lifecycleEvent(b, now))
	})
	if err != nil {
		s.logFailure(span, "confirm", "", "", err)
		return nil, err
	}
	s.logger.Info("booking confirmed", "org_id", booking.OrgID, "booking_id", booking.ID)
	return booking, nil
}

// CancelBooking cancels a pending or confirmed booking, freeing its slot.
// An empty orgID skips the tenant check (internal callers).
func (s *Service) CancelBooking(ctx context.Context, orgID, id, reason string) (booking *Booking, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.cancel", trace.WithAttributes(
		attribute.String("clinic.booking_id", id),
	))
	defer span.End()
	defer s.observe("cancel", time.Now(), &err)

	err = s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.loadForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := markCancelled(b, reason, now); err != nil {
			return err
		}
		if err := tx.Update(ctx, b); err != nil {
			return err
		}
		booking = b
		return tx.Publish(ctx, b.OrgID, EventBookingCancelled, lifecycleEvent(b, now))
	})
	if err != nil {
		s.logFailure(span, "cancel", orgID, id, err)
		return nil, err
	}
	s.logger.Info("booking cancelled", "org_id", booking.OrgID, "booking_id", booking.ID, "reason", reason)
	return booking, nil
}

// CompleteBooking marks a confirmed booking as attended.
func (s *Service) CompleteBooking(ctx context.Context, orgID, id string) (booking *Booking, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.complete", trace.WithAttributes(
		attribute.String("clinic.booking_id", id),
	))
	defer span.End()
	defer s.observe("complete", time.Now(), &err)

	err = s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.loadForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if !b.Status.CanTransitionTo(StatusCompleted) {
			return &TransitionError{From: b.Status, To: StatusCompleted}
		}
		now := s.now().UTC()
		b.Status = StatusCompleted
		b.CompletedAt = &now
		b.UpdatedAt = now
		if err := tx.Update(ctx, b); err != nil {
			return err
		}
		booking = b
		return tx.Publish(ctx, b.OrgID, EventBookingCompleted, lifecycleEvent(b, now))
	})
	if err != nil {
		s.logFailure(span, "complete", orgID, id, err)
		return nil, err
	}
	s.logger.Info("booking completed", "org_id", booking.OrgID, "booking_id", booking.ID)
	return booking, nil
}

// RescheduleBooking moves a booking to a new interval in one transaction: the
// original is cancelled and a replacement inserted. On conflict nothing
// changes. A confirmed original yields a confirmed replacement; a pending one
// yields a pending replacement with a fresh token.
func (s *Service) RescheduleBooking(ctx context.Context, orgID, id string, newStart, newEnd time.Time) (result *RescheduleResult, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.reschedule", trace.WithAttributes(
		attribute.String("clinic.booking_id", id),
	))
	defer span.End()
	defer s.observe("reschedule", time.Now(), &err)

	if newStart.IsZero() || newEnd.IsZero() {
		return nil, newValidationError("start", "and end are required")
	}
	if !newEnd.After(newStart) {
		return nil, newValidationError("end", "must be after start")
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orgID != "" && current.OrgID != orgID {
		return nil, ErrNotFound
	}
	requested := Slot{Start: newStart, End: newEnd}
	window, newDay, err := s.bookableWindow(ctx, current.OrgID, current.ProviderID, requested)
	if err != nil {
		return nil, err
	}
	loc, err := s.hours.Location(ctx, current.OrgID)
	if err != nil {
		return nil, fmt.Errorf("bookings: load timezone: %w", err)
	}
	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("bookings: generate token: %w", err)
	}

	err = s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		keys := LockKeys(current.OrgID, current.ProviderID, DayOf(current.Start, loc), newDay)
		if err := tx.LockSlots(ctx, keys); err != nil {
			return err
		}
		orig, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !orig.Status.CanTransitionTo(StatusCancelled) {
			return &TransitionError{From: orig.Status, To: StatusCancelled}
		}
		holders, err := tx.ListHolding(ctx, orig.OrgID, orig.ProviderID, window)
		if err != nil {
			return err
		}
		if overlapsAny(requested, holders, orig.ID) {
			return &ConflictError{
				Requested:    requested,
				Alternatives: Alternatives(window, requested, holders, s.now(), s.settings.MaxAlternatives, orig.ID),
			}
		}

		now := s.now().UTC()
		wasConfirmed := orig.Status == StatusConfirmed
		if err := markCancelled(orig, "rescheduled to "+newStart.UTC().Format(time.RFC3339), now); err != nil {
			return err
		}
		if err := tx.Update(ctx, orig); err != nil {
			return err
		}
		next := &Booking{
			ID:              uuid.NewString(),
			OrgID:           orig.OrgID,
			ProviderID:      orig.ProviderID,
			Patient:         orig.Patient,
			Start:           newStart.UTC(),
			End:             newEnd.UTC(),
			Status:          StatusPending,
			RescheduledFrom: orig.ID,
			Notes:           orig.Notes,
			CreatedBy:       orig.CreatedBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if wasConfirmed {
			next.Status = StatusConfirmed
			next.ConfirmedAt = &now
		} else {
			expires := now.Add(s.settings.ConfirmationTTL)
			next.ConfirmationToken = token
			next.TokenHash = HashToken(token)
			next.TokenExpiresAt = &expires
		}
		if err := tx.Insert(ctx, next); err != nil {
			return err
		}
		result = &RescheduleResult{Previous: orig, Booking: next}
		return tx.Publish(ctx, next.OrgID, EventBookingRescheduled, lifecycleEvent(next, now))
	})
	if err != nil {
		s.logFailure(span, "reschedule", orgID, id, err)
		return nil, err
	}
	s.logger.Info("booking rescheduled", "org_id", result.Booking.OrgID, "booking_id", result.Booking.ID,
		"previous_id", result.Previous.ID, "start", result.Booking.Start)
	return result, nil
}

// GetBooking loads a booking scoped to orgID.
func (s *Service) GetBooking(ctx context.Context, orgID, id string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orgID != "" && b.OrgID != orgID {
		return nil, ErrNotFound
	}
	return b, nil
}

// FindByCreator returns the most recent booking created by ref.
func (s *Service) FindByCreator(ctx context.Context, orgID, ref string) (*Booking, error) {
	return s.store.FindByCreator(ctx, orgID, ref)
}

// bookableWindow checks that slot sits inside one day's business hours and
// does not start in the past.
func (s *Service) bookableWindow(ctx context.Context, orgID, providerID string, slot Slot) (Slot, Day, error) {
	loc, err := s.hours.Location(ctx, orgID)
	if err != nil {
		return Slot{}, Day{}, fmt.Errorf("bookings: load timezone: %w", err)
	}
	if slot.Start.Before(s.now()) {
		return Slot{}, Day{}, newValidationError("start", "must be in the future")
	}
	day := DayOf(slot.Start, loc)
	window, open, err := s.hours.OpenWindow(ctx, orgID, providerID, day)
	if err != nil {
		return Slot{}, Day{}, fmt.Errorf("bookings: load hours: %w", err)
	}
	if !open || slot.Start.Before(window.Start) || slot.End.After(window.End) {
		return Slot{}, Day{}, newValidationError("start", "must fall within business hours")
	}
	return window, day, nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx Tx, orgID, id string) (*Booking, error) {
	b, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if orgID != "" && b.OrgID != orgID {
		return nil, ErrNotFound
	}
	return b, nil
}

// inTx bounds the transaction by TxTimeout. A deadline hit while waiting for
// locks surfaces as ErrLockTimeout.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.settings.TxTimeout)
	defer cancel()
	err := s.store.WithTx(txCtx, func(tx Tx) error { return fn(txCtx, tx) })
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}

func (s *Service) observe(op string, started time.Time, errp *error) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	if *errp != nil {
		outcome = KindOf(*errp)
	}
	s.observer.ObserveBookingOp(op, outcome, time.Since(started))
}

func (s *Service) logFailure(span trace.Span, op, orgID, id string, err error) {
	kind := KindOf(err)
	span.SetAttributes(attribute.String("clinic.error_kind", kind))
	if kind == KindInternal {
		span.RecordError(err)
		s.logger.Error("booking operation failed", "op", op, "org_id", orgID, "booking_id", id, "error", err)
		return
	}
	s.logger.Info("booking operation rejected", "op", op, "org_id", orgID, "booking_id", id, "kind", kind)
}

func markCancelled(b *Booking, reason string, now time.Time) error {
	if !b.Status.CanTransitionTo(StatusCancelled) {
		return &TransitionError{From: b.Status, To: StatusCancelled}
	}
	b.Status = StatusCancelled
	b.TokenHash = ""
	b.TokenExpiresAt = nil
	b.CancelledAt = &now
	b.UpdatedAt = now
	if reason = strings.TrimSpace(reason); reason != "" {
		if b.Notes != "" {
			b.Notes += "\n"
		}
		b.Notes += "Cancelled: " + reason
	}
	return nil
}

// HashToken is the stored form of a confirmation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
