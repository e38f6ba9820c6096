// Package clinic stores per-org opening hours and serves them to the booking
// engine, falling back to the platform default calendar.
package clinic

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
)

// ErrInvalidSchedule wraps every validation failure.
var ErrInvalidSchedule = errors.New("clinic: invalid schedule")

// DayHours represents the opening hours for a single day.
// Nil means the clinic is closed that day.
type DayHours struct {
	Open  string `json:"open"`  // "09:00" in 24-hour format
	Close string `json:"close"` // "18:00" in 24-hour format
}

// BusinessHours maps day names to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// ForDay returns the hours for a given weekday, nil when closed.
func (b *BusinessHours) ForDay(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Sunday:
		return b.Sunday
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return nil
	}
}

// HasAnyHours returns true if at least one day has business hours configured.
func (b *BusinessHours) HasAnyHours() bool {
	return b.Sunday != nil || b.Monday != nil || b.Tuesday != nil ||
		b.Wednesday != nil || b.Thursday != nil || b.Friday != nil || b.Saturday != nil
}

func (b *BusinessHours) validate(label string) error {
	if !b.HasAnyHours() {
		return fmt.Errorf("%w: %s has no open days", ErrInvalidSchedule, label)
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		h := b.ForDay(wd)
		if h == nil {
			continue
		}
		if _, _, err := h.clocks(); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrInvalidSchedule, label, strings.ToLower(wd.String()), err)
		}
	}
	return nil
}

func (h *DayHours) clocks() (opens, closes bookings.Clock, err error) {
	opens, err = bookings.ParseClock(h.Open)
	if err != nil {
		return opens, closes, err
	}
	closes, err = bookings.ParseClock(h.Close)
	if err != nil {
		return opens, closes, err
	}
	if closes.Hour*60+closes.Minute <= opens.Hour*60+opens.Minute {
		return opens, closes, fmt.Errorf("close %s must be after open %s", h.Close, h.Open)
	}
	return opens, closes, nil
}

// Schedule is one org's booking calendar. Providers overrides the org
// hours for individual practitioners.
type Schedule struct {
	OrgID         string                   `json:"org_id"`
	Timezone      string                   `json:"timezone"`
	BusinessHours BusinessHours            `json:"business_hours"`
	Providers     map[string]BusinessHours `json:"providers,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Validate checks the timezone and every configured day.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.OrgID) == "" {
		return fmt.Errorf("%w: org_id is required", ErrInvalidSchedule)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := s.BusinessHours.validate("business_hours"); err != nil {
		return err
	}
	for provider, hours := range s.Providers {
		if strings.TrimSpace(provider) == "" {
			return fmt.Errorf("%w: empty provider id", ErrInvalidSchedule)
		}
		if err := hours.validate("provider " + provider); err != nil {
			return err
		}
	}
	return nil
}

// Location loads the schedule's timezone.
func (s *Schedule) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return nil, errors.New("timezone is required")
	}
	return time.LoadLocation(s.Timezone)
}

// Window returns the bookable window for providerID on day.
func (s *Schedule) Window(providerID string, day bookings.Day) (bookings.Slot, bool, error) {
	loc, err := s.Location()
	if err != nil {
		return bookings.Slot{}, false, err
	}
	hours := s.BusinessHours
	if override, ok := s.Providers[providerID]; ok {
		hours = override
	}

	weekday := day.At(12, 0, loc).Weekday()
	dh := hours.ForDay(weekday)
	if dh == nil {
		return bookings.Slot{}, false, nil
	}
	opens, closes, err := dh.clocks()
	if err != nil {
		return bookings.Slot{}, false, err
	}
	return bookings.Slot{
		Start: day.At(opens.Hour, opens.Minute, loc),
		End:   day.At(closes.Hour, closes.Minute, loc),
	}, true, nil
}
