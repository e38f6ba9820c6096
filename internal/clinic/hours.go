package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

type scheduleSource interface {
	Get(ctx context.Context, orgID string) (*Schedule, error)
}

// Hours serves org schedules to the booking engine. Orgs without a schedule
// use the fallback calendar. Store errors are returned rather than masked so
// a Redis outage cannot open slots outside real opening hours.
type Hours struct {
	source   scheduleSource
	fallback bookings.HoursProvider
	logger   *logging.Logger
}

func NewHours(source scheduleSource, fallback bookings.HoursProvider, logger *logging.Logger) *Hours {
	if source == nil || fallback == nil {
		panic("clinic: schedule source and fallback hours required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hours{source: source, fallback: fallback, logger: logger}
}

func (h *Hours) schedule(ctx context.Context, orgID string) (*Schedule, error) {
	sched, err := h.source.Get(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		h.logger.Warn("org schedule lookup failed", "org_id", orgID, "error", err)
		return nil, err
	}
	return sched, nil
}

func (h *Hours) Location(ctx context.Context, orgID string) (*time.Location, error) {
	sched, err := h.schedule(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return h.fallback.Location(ctx, orgID)
	}
	loc, err := sched.Location()
	if err != nil {
		return nil, fmt.Errorf("clinic: org %s timezone: %w", orgID, err)
	}
	return loc, nil
}

func (h *Hours) OpenWindow(ctx context.Context, orgID, providerID string, day bookings.Day) (bookings.Slot, bool, error) {
	sched, err := h.schedule(ctx, orgID)
	if err != nil {
		return bookings.Slot{}, false, err
	}
	if sched == nil {
		return h.fallback.OpenWindow(ctx, orgID, providerID, day)
	}
	return sched.Window(providerID, day)
}
