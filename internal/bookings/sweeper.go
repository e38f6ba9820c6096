package bookings

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// CancellationNotifier is told about bookings the sweeper cancels so their
// side effects (calendar invites) can be withdrawn.
type CancellationNotifier interface {
	BookingCancelled(ctx context.Context, b *Booking)
}

// Sweeper releases pending holds whose confirmation window lapsed and marks
// confirmed bookings completed once they end.
type Sweeper struct {
	svc       *Service
	notifier  CancellationNotifier
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewSweeper(svc *Service, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{svc: svc, logger: logger, interval: time.Minute, batchSize: 100}
}

func (s *Sweeper) WithNotifier(n CancellationNotifier) *Sweeper {
	s.notifier = n
	return s
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and reports how many bookings were expired and
// completed.
func (s *Sweeper) Sweep(ctx context.Context) (expired, completed int) {
	now := s.svc.now()

	stale, err := s.svc.store.ListExpiredPending(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("sweep pending failed", "error", err)
	}
	for i := range stale {
		b, err := s.svc.CancelBooking(ctx, "", stale[i].ID, "confirmation window expired")
		if err != nil {
			if !isRaceLoss(err) {
				s.logger.Error("expire pending booking failed", "booking_id", stale[i].ID, "error", err)
			}
			continue
		}
		expired++
		if s.notifier != nil {
			s.notifier.BookingCancelled(ctx, b)
		}
	}

	elapsed, err := s.svc.store.ListElapsedConfirmed(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("sweep confirmed failed", "error", err)
	}
	for i := range elapsed {
		if _, err := s.svc.CompleteBooking(ctx, "", elapsed[i].ID); err != nil {
			if !isRaceLoss(err) {
				s.logger.Error("complete booking failed", "booking_id", elapsed[i].ID, "error", err)
			}
			continue
		}
		completed++
	}

	if expired > 0 || completed > 0 {
		s.logger.Info("booking sweep finished", "expired", expired, "completed", completed)
	}
	return expired, completed
}

// isRaceLoss reports errors caused by another writer changing the booking
// between listing and updating it.
func isRaceLoss(err error) bool {
	var transition *TransitionError
	return errors.As(err, &transition) || errors.Is(err, ErrNotFound)
}
