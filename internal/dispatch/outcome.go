package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the advisory status of one side effect. It never changes the
// booking's own status.
type Outcome string

const (
	// OutcomeSent means the provider accepted the call.
	OutcomeSent Outcome = "sent"
	// OutcomeFailedButBooked means the call was attempted and failed.
	OutcomeFailedButBooked Outcome = "failed_but_booked"
	// OutcomeSkipped means no call was attempted: the circuit was open or the
	// org has no provider configured.
	OutcomeSkipped Outcome = "skipped"
)

// Effect names a side effect kind.
type Effect string

const (
	EffectSMS            Effect = "sms"
	EffectEmail          Effect = "email"
	EffectCalendar       Effect = "calendar"
	EffectCalendarDelete Effect = "calendar_delete"
)

// ParseEffect validates an effect name.
func ParseEffect(raw string) (Effect, error) {
	switch e := Effect(strings.ToLower(strings.TrimSpace(raw))); e {
	case EffectSMS, EffectEmail, EffectCalendar, EffectCalendarDelete:
		return e, nil
	default:
		return "", fmt.Errorf("dispatch: unknown effect %q", raw)
	}
}

// Skip reasons.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonNotConfigured = "not_configured"
)

// Result is the outcome of one side effect for one booking.
type Result struct {
	Effect     Effect        `json:"effect"`
	Outcome    Outcome       `json:"outcome"`
	Provider   string        `json:"provider,omitempty"`
	ExternalID string        `json:"external_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Report collects the results of one dispatch.
type Report struct {
	BookingID string   `json:"booking_id"`
	Results   []Result `json:"results"`
}

// Outcome returns the outcome recorded for effect, or "" when the effect did
// not apply.
func (r Report) Outcome(effect Effect) Outcome {
	for _, res := range r.Results {
		if res.Effect == effect {
			return res.Outcome
		}
	}
	return ""
}

// Summary maps each applied effect to its outcome for API responses.
func (r Report) Summary() map[Effect]Outcome {
	out := make(map[Effect]Outcome, len(r.Results))
	for _, res := range r.Results {
		out[res.Effect] = res.Outcome
	}
	return out
}

// Record is a persisted Result.
type Record struct {
	OrgID       string    `json:"org_id"`
	BookingID   string    `json:"booking_id"`
	Effect      Effect    `json:"effect"`
	Outcome     Outcome   `json:"outcome"`
	Provider    string    `json:"provider,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Failure describes a side effect that needs operator follow-up.
type Failure struct {
	OrgID     string `json:"org_id"`
	BookingID string `json:"booking_id"`
	Effect    Effect `json:"effect"`
	Provider  string `json:"provider,omitempty"`
	Reason    string `json:"reason"`
}
