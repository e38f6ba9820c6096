package bookings

import (
	"time"
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HoldsSlot reports whether a booking in this status occupies its interval.
func (s Status) HoldsSlot() bool {
	return s == StatusPending || s == StatusConfirmed
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Patient identifies who the appointment is for.
type Patient struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone,omitempty" validate:"omitempty,e164"`
	Email string `json:"email,omitempty" validate:"omitempty,email,max=254"`
}

// Booking is one reserved appointment interval for a provider.
type Booking struct {
	ID                string     `json:"id"`
	OrgID             string     `json:"org_id"`
	ProviderID        string     `json:"provider_id"`
	Patient           Patient    `json:"patient"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	Status            Status     `json:"status"`
	ConfirmationToken string     `json:"confirmation_token,omitempty"`
	TokenHash         string     `json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	CalendarEventID   string     `json:"calendar_event_id,omitempty"`
	RescheduledFrom   string     `json:"rescheduled_from,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Slot is a half-open [Start, End) interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether two half-open intervals intersect. Touching
// intervals (one ends when the other starts) do not overlap.
func (s Slot) Overlaps(o Slot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

func (b *Booking) Slot() Slot {
	return Slot{Start: b.Start, End: b.End}
}

// AvailabilityRequest asks for free slots on one calendar day.
type AvailabilityRequest struct {
	OrgID        string        `json:"org_id" validate:"required"`
	ProviderID   string        `json:"provider_id" validate:"required"`
	Date         string        `json:"date" validate:"required,datetime=2006-01-02"`
	SlotDuration time.Duration `json:"slot_duration"`
}

// BookSlotRequest reserves one interval for a patient.
type BookSlotRequest struct {
	OrgID      string    `json:"org_id" validate:"required,max=100"`
	ProviderID string    `json:"provider_id" validate:"required,max=100"`
	Patient    Patient   `json:"patient"`
	Start      time.Time `json:"start" validate:"required"`
	End        time.Time `json:"end" validate:"required,gtfield=Start"`
	Notes      string    `json:"notes,omitempty" validate:"max=2000"`
	CreatedBy  string    `json:"created_by,omitempty" validate:"max=200"`
}

// RescheduleResult pairs the cancelled original with its replacement.
type RescheduleResult struct {
	Previous *Booking `json:"previous"`
	Booking  *Booking `json:"booking"`
}

// Lifecycle event types published to the outbox.
const (
	EventBookingCreated     = "booking.created"
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingCancelled   = "booking.cancelled"
	EventBookingRescheduled = "booking.rescheduled"
	EventBookingCompleted   = "booking.completed"
)

// LifecycleEvent is the outbox payload for booking changes.
type LifecycleEvent struct {
	BookingID  string    `json:"booking_id"`
	OrgID      string    `json:"org_id"`
	ProviderID string    `json:"provider_id"`
	Status     Status    `json:"status"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	PreviousID string    `json:"previous_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func lifecycleEvent(b *Booking, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		BookingID:  b.ID,
		OrgID:      b.OrgID,
		ProviderID: b.ProviderID,
		Status:     b.Status,
		Start:      b.Start,
		End:        b.End,
		PreviousID: b.RescheduledFrom,
		OccurredAt: at,
	}
}
