package bookings

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Day is a civil date in the clinic's local timezone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("bookings: parse date %q: %w", s, err)
	}
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// DayOf returns the civil date of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// At returns hour:minute on this day in loc.
func (d Day) At(hour, minute int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

// HoursProvider reports when a provider takes appointments.
type HoursProvider interface {
	Location(ctx context.Context, orgID string) (*time.Location, error)
	// OpenWindow returns the bookable window for the day; ok is false when
	// the provider is closed.
	OpenWindow(ctx context.Context, orgID, providerID string, day Day) (window Slot, ok bool, err error)
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses HH:MM.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("bookings: parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

// StaticHours applies the same opening hours to every org and provider.
type StaticHours struct {
	Loc    *time.Location
	Open   Clock
	Close  Clock
	Closed map[time.Weekday]bool
}

// NewStaticHours builds hours from config strings, e.g. ("America/New_York",
// "09:00", "17:00", "saturday,sunday").
func NewStaticHours(tz, open, close, closedDays string) (*StaticHours, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil {
		return nil, fmt.Errorf("bookings: load timezone: %w", err)
	}
	o, err := ParseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := ParseClock(close)
	if err != nil {
		return nil, err
	}
	if c.minutes() <= o.minutes() {
		return nil, fmt.Errorf("bookings: close %s must be after open %s", close, open)
	}
	closed := map[time.Weekday]bool{}
	for _, raw := range strings.Split(closedDays, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		wd, ok := weekdays[name]
		if !ok {
			return nil, fmt.Errorf("bookings: unknown weekday %q", raw)
		}
		closed[wd] = true
	}
	return &StaticHours{Loc: loc, Open: o, Close: c, Closed: closed}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func (h *StaticHours) Location(context.Context, string) (*time.Location, error) {
	return h.Loc, nil
}

func (h *StaticHours) OpenWindow(_ context.Context, _, _ string, day Day) (Slot, bool, error) {
	open := day.At(h.Open.Hour, h.Open.Minute, h.Loc)
	if h.Closed[open.Weekday()] {
		return Slot{}, false, nil
	}
	return Slot{Start: open, End: day.At(h.Close.Hour, h.Close.Minute, h.Loc)}, true, nil
}
