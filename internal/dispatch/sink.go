package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
)

// DeadLetterer is satisfied by *events.Pipeline.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, req events.IngestRequest, reason string) error
}

// RetryPayload is the body of a side_effect.retry event.
type RetryPayload struct {
	OrgID     string `json:"org_id"`
	BookingID string `json:"booking_id"`
	Effect    Effect `json:"effect"`
}

// EventSink parks failed side effects as dead-lettered side_effect.retry
// events so operators can list and replay them with the rest of the queue.
type EventSink struct {
	events DeadLetterer
}

func NewEventSink(dl DeadLetterer) *EventSink {
	if dl == nil {
		panic("dispatch: dead letterer required")
	}
	return &EventSink{events: dl}
}

// RetryEventID is stable per booking and effect, so repeated failures of the
// same effect collapse into one dead letter.
func RetryEventID(bookingID string, effect Effect) string {
	return fmt.Sprintf("side_effect:%s:%s", bookingID, effect)
}

func (s *EventSink) RecordFailure(ctx context.Context, f Failure) error {
	payload, err := json.Marshal(RetryPayload{OrgID: f.OrgID, BookingID: f.BookingID, Effect: f.Effect})
	if err != nil {
		return fmt.Errorf("dispatch: marshal retry payload: %w", err)
	}
	reason := f.Reason
	if f.Provider != "" {
		reason = f.Provider + ": " + reason
	}
	return s.events.DeadLetter(ctx, events.IngestRequest{
		EventID: RetryEventID(f.BookingID, f.Effect),
		Type:    events.TypeSideEffectRetry,
		Hint:    tenancy.Hint{OrgID: f.OrgID},
		Payload: payload,
	}, reason)
}
