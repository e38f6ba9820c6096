package bookings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

const (
	testOrg      = "org-1"
	testProvider = "dr-lee"
)

// 2025-03-10 is a Monday.
func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type opRecorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *opRecorder) ObserveBookingOp(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = map[string]int{}
	}
	r.ops[op+":"+outcome]++
}

func newTestService(t *testing.T, lockTimeout time.Duration) (*Service, *MemoryStore, *testClock) {
	t.Helper()
	hours, err := NewStaticHours("UTC", "09:00", "17:00", "sunday")
	require.NoError(t, err)
	store := NewMemoryStore(lockTimeout)
	clock := &testClock{now: at(8, 0)}
	svc := NewService(store, hours, Settings{
		TxTimeout:       2 * time.Second,
		ConfirmationTTL: time.Hour,
		MaxAlternatives: 3,
	}, logging.Discard()).WithClock(clock.Now)
	return svc, store, clock
}

func bookReq(start, end time.Time) BookSlotRequest {
	return BookSlotRequest{
		OrgID:      testOrg,
		ProviderID: testProvider,
		Patient:    Patient{Name: "Ana Ruiz", Phone: "+15550100001"},
		Start:      start,
		End:        end,
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusConfirmed, StatusCompleted, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusPending, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestBookSlotCreatesPendingBooking(t *testing.T) {
	svc, store, _ := newTestService(t, time.Second)
	obs := &opRecorder{}
	svc.WithObserver(obs)

	b, err := svc.BookSlot(context.Background(), bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.NotEmpty(t, b.ID)
	assert.Len(t, b.ConfirmationToken, 48)
	assert.Equal(t, HashToken(b.ConfirmationToken), b.TokenHash)
	require.NotNil(t, b.TokenExpiresAt)
	assert.Equal(t, at(9, 0), *b.TokenExpiresAt)

	stored, err := store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ConfirmationToken, "plain token must not be persisted")

	published := store.Published()
	require.Len(t, published, 1)
	assert.Equal(t, EventBookingCreated, published[0].Type)
	assert.Equal(t, 1, obs.ops["book_slot:ok"])
}

func TestBookSlotValidation(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	cases := map[string]BookSlotRequest{
		"end before start": bookReq(at(10, 30), at(10, 0)),
		"end equals start": bookReq(at(10, 0), at(10, 0)),
		"outside hours":    bookReq(at(16, 45), at(17, 15)),
		"in the past":      bookReq(at(7, 0), at(7, 30)),
		"sunday":           bookReq(at(10, 0).AddDate(0, 0, 6), at(10, 30).AddDate(0, 0, 6)),
	}
	noContact := bookReq(at(10, 0), at(10, 30))
	noContact.Patient = Patient{Name: "Ana"}
	cases["no contact"] = noContact
	badPhone := bookReq(at(10, 0), at(10, 30))
	badPhone.Patient.Phone = "555-0100"
	cases["bad phone"] = badPhone
	noOrg := bookReq(at(10, 0), at(10, 30))
	noOrg.OrgID = ""
	cases["missing org"] = noOrg

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.BookSlot(ctx, req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.NotEmpty(t, verr.Fields)
		})
	}
}

func TestBookSlotConflictReturnsAlternatives(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	_, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)

	_, err = svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, []Slot{
		{Start: at(10, 30), End: at(11, 0)},
		{Start: at(11, 0), End: at(11, 30)},
		{Start: at(11, 30), End: at(12, 0)},
	}, conflict.Alternatives)
}

func TestBookSlotPartialOverlapConflicts(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	_, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(11, 0)))
	require.NoError(t, err)

	_, err = svc.BookSlot(ctx, bookReq(at(10, 45), at(11, 15)))
	require.Equal(t, KindConflict, KindOf(err))

	// Touching intervals do not overlap.
	_, err = svc.BookSlot(ctx, bookReq(at(11, 0), at(11, 30)))
	require.NoError(t, err)
}

func TestAlternativesSearchBackwardAtEndOfDay(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	_, err := svc.BookSlot(ctx, bookReq(at(16, 30), at(17, 0)))
	require.NoError(t, err)
	_, err = svc.BookSlot(ctx, bookReq(at(15, 30), at(16, 0)))
	require.NoError(t, err)

	_, err = svc.BookSlot(ctx, bookReq(at(16, 30), at(17, 0)))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []Slot{
		{Start: at(16, 0), End: at(16, 30)},
		{Start: at(15, 0), End: at(15, 30)},
		{Start: at(14, 30), End: at(15, 0)},
	}, conflict.Alternatives)
}

func TestConcurrentBookSlotSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t, 2*time.Second)
	ctx := context.Background()

	const attempts = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.BookSlot(ctx, bookReq(at(14, 0), at(14, 30)))
			mu.Lock()
			defer mu.Unlock()
			switch KindOf(err) {
			case "":
				successes++
			case KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
}

func TestBookSlotLockTimeout(t *testing.T) {
	svc, store, _ := newTestService(t, 50*time.Millisecond)
	ctx := context.Background()

	hours, _ := NewStaticHours("UTC", "09:00", "17:00", "sunday")
	loc, _ := hours.Location(ctx, testOrg)
	key := LockKeys(testOrg, testProvider, DayOf(at(10, 0), loc))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.WithTx(ctx, func(tx Tx) error {
			if err := tx.LockSlots(ctx, key); err != nil {
				return err
			}
			close(locked)
			<-release
			return errors.New("rollback")
		})
	}()
	<-locked

	_, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, KindLockTimeout, KindOf(err))

	close(release)
	<-done
	_, err = svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
}

func TestCheckAvailability(t *testing.T) {
	svc, _, clock := newTestService(t, time.Second)
	ctx := context.Background()

	_, err := svc.BookSlot(ctx, bookReq(at(9, 0), at(10, 0)))
	require.NoError(t, err)
	cancelled, err := svc.BookSlot(ctx, bookReq(at(12, 0), at(12, 30)))
	require.NoError(t, err)
	_, err = svc.CancelBooking(ctx, testOrg, cancelled.ID, "patient request")
	require.NoError(t, err)

	slots, err := svc.CheckAvailability(ctx, AvailabilityRequest{
		OrgID: testOrg, ProviderID: testProvider, Date: "2025-03-10", SlotDuration: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, slots, 7)
	assert.Equal(t, at(10, 0), slots[0].Start)
	assert.Equal(t, at(12, 0), slots[2].Start, "cancelled booking frees its slot")
	assert.Equal(t, at(17, 0), slots[6].End)

	clock.Set(at(13, 10))
	slots, err = svc.CheckAvailability(ctx, AvailabilityRequest{
		OrgID: testOrg, ProviderID: testProvider, Date: "2025-03-10", SlotDuration: time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, at(14, 0), slots[0].Start, "past slots are not offered")

	slots, err = svc.CheckAvailability(ctx, AvailabilityRequest{
		OrgID: testOrg, ProviderID: testProvider, Date: "2025-03-16",
	})
	require.NoError(t, err)
	assert.Empty(t, slots, "closed on sundays")

	_, err = svc.CheckAvailability(ctx, AvailabilityRequest{OrgID: testOrg, ProviderID: testProvider, Date: "03/10/2025"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestConfirmBooking(t *testing.T) {
	svc, store, clock := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)

	confirmed, err := svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Empty(t, confirmed.TokenHash)

	_, err = svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.ErrorIs(t, err, ErrTokenExpired, "token is single use")

	late, err := svc.BookSlot(ctx, bookReq(at(11, 0), at(11, 30)))
	require.NoError(t, err)
	clock.Set(at(9, 0))
	_, err = svc.ConfirmBooking(ctx, late.ConfirmationToken)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, KindTokenExpired, KindOf(err))

	_, err = svc.ConfirmBooking(ctx, "unknown-token")
	require.ErrorIs(t, err, ErrTokenExpired)

	types := []string{}
	for _, ev := range store.Published() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventBookingCreated, EventBookingConfirmed, EventBookingCreated}, types)
}

func TestCancelBooking(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)

	_, err = svc.CancelBooking(ctx, "other-org", b.ID, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	cancelled, err := svc.CancelBooking(ctx, testOrg, b.ID, "patient called")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "Cancelled: patient called")
	require.NotNil(t, cancelled.CancelledAt)

	_, err = svc.CancelBooking(ctx, testOrg, b.ID, "again")
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, StatusCancelled, transition.From)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	_, err = svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	_, err = svc.CancelBooking(ctx, testOrg, "missing", "")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err, "slot is free again")
}

func TestRescheduleBooking(t *testing.T) {
	svc, store, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	_, err = svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.NoError(t, err)

	res, err := svc.RescheduleBooking(ctx, testOrg, b.ID, at(10, 15), at(10, 45))
	require.NoError(t, err, "may overlap its own previous interval")
	assert.Equal(t, StatusCancelled, res.Previous.Status)
	assert.Equal(t, StatusConfirmed, res.Booking.Status)
	assert.Equal(t, b.ID, res.Booking.RescheduledFrom)
	assert.Empty(t, res.Booking.ConfirmationToken)

	prev, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, prev.Status)

	published := store.Published()
	assert.Equal(t, EventBookingRescheduled, published[len(published)-1].Type)
}

func TestRescheduleConflictLeavesOriginal(t *testing.T) {
	svc, store, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	_, err = svc.BookSlot(ctx, bookReq(at(13, 0), at(13, 30)))
	require.NoError(t, err)

	_, err = svc.RescheduleBooking(ctx, testOrg, b.ID, at(13, 0), at(13, 30))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.NotEmpty(t, conflict.Alternatives)

	orig, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, orig.Status)
}

func TestReschedulePendingIssuesNewToken(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)

	res, err := svc.RescheduleBooking(ctx, testOrg, b.ID, at(10, 0).AddDate(0, 0, 1), at(10, 30).AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Booking.Status)
	require.NotEmpty(t, res.Booking.ConfirmationToken)
	assert.NotEqual(t, b.ConfirmationToken, res.Booking.ConfirmationToken)

	_, err = svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.ErrorIs(t, err, ErrTokenExpired)
	_, err = svc.ConfirmBooking(ctx, res.Booking.ConfirmationToken)
	require.NoError(t, err)
}

func TestRescheduleTerminalBooking(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	_, err = svc.CancelBooking(ctx, testOrg, b.ID, "")
	require.NoError(t, err)

	_, err = svc.RescheduleBooking(ctx, testOrg, b.ID, at(11, 0), at(11, 30))
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestCompleteBooking(t *testing.T) {
	svc, _, _ := newTestService(t, time.Second)
	ctx := context.Background()

	b, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)

	_, err = svc.CompleteBooking(ctx, testOrg, b.ID)
	assert.Equal(t, KindInvalidTransition, KindOf(err), "pending bookings cannot complete")

	_, err = svc.ConfirmBooking(ctx, b.ConfirmationToken)
	require.NoError(t, err)
	done, err := svc.CompleteBooking(ctx, testOrg, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = svc.CancelBooking(ctx, testOrg, b.ID, "late")
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

type recordingNotifier struct{ cancelled []string }

func (r *recordingNotifier) BookingCancelled(_ context.Context, b *Booking) {
	r.cancelled = append(r.cancelled, b.ID)
}

func TestSweeperExpiresAndCompletes(t *testing.T) {
	svc, _, clock := newTestService(t, time.Second)
	ctx := context.Background()

	stale, err := svc.BookSlot(ctx, bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	kept, err := svc.BookSlot(ctx, bookReq(at(11, 0), at(11, 30)))
	require.NoError(t, err)
	_, err = svc.ConfirmBooking(ctx, kept.ConfirmationToken)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	sweeper := NewSweeper(svc, logging.Discard()).WithNotifier(notifier)

	clock.Set(at(9, 30))
	expired, completed := sweeper.Sweep(ctx)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, completed)
	assert.Equal(t, []string{stale.ID}, notifier.cancelled)

	got, err := svc.GetBooking(ctx, testOrg, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	clock.Set(at(11, 45))
	expired, completed = sweeper.Sweep(ctx)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, completed)

	got, err = svc.GetBooking(ctx, testOrg, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindLockTimeout, KindOf(errors.Join(errors.New("ctx"), ErrLockTimeout)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
