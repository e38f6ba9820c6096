package bookings

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var bookingColumnNames = []string{
	"id", "org_id", "provider_id", "patient_name", "patient_phone", "patient_email",
	"start_at", "end_at", "status", "confirmation_token_hash", "token_expires_at",
	"calendar_event_id", "rescheduled_from", "notes", "created_by", "created_at", "updated_at",
	"confirmed_at", "cancelled_at", "completed_at",
}

func newPostgresTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	hours, err := NewStaticHours("UTC", "09:00", "17:00", "sunday")
	require.NoError(t, err)
	store := newPostgresStoreWithConn(mock, 250*time.Millisecond)
	svc := NewService(store, hours, Settings{TxTimeout: time.Second}, logging.Discard()).
		WithClock(func() time.Time { return at(8, 0) })
	return svc, mock
}

func TestPostgresBookSlotFlow(t *testing.T) {
	svc, mock := newPostgresTestService(t)
	key := LockKey(testOrg, testProvider, Day{Year: 2025, Month: time.March, Day: 10})

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WithArgs("250ms").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(key).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM bookings").
		WithArgs(testOrg, testProvider, at(9, 0), at(17, 0)).
		WillReturnRows(pgxmock.NewRows(bookingColumnNames))
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), testOrg, EventBookingCreated, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	b, err := svc.BookSlot(context.Background(), bookReq(at(10, 0), at(10, 30)))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBookSlotConflict(t *testing.T) {
	svc, mock := newPostgresTestService(t)
	created := at(7, 0)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM bookings").WillReturnRows(pgxmock.NewRows(bookingColumnNames).AddRow(
		"b-1", testOrg, testProvider, "Ana", "+15550100001", "",
		at(10, 0), at(10, 30), "confirmed", "", (*time.Time)(nil),
		"", "", "", "", created, created,
		&created, (*time.Time)(nil), (*time.Time)(nil),
	))
	mock.ExpectRollback()

	_, err := svc.BookSlot(context.Background(), bookReq(at(10, 0), at(10, 30)))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Alternatives, 3)
	assert.Equal(t, at(10, 30), conflict.Alternatives[0].Start)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockTimeout(t *testing.T) {
	svc, mock := newPostgresTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnError(&pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	_, err := svc.BookSlot(context.Background(), bookReq(at(10, 0), at(10, 30)))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConfirmUnknownToken(t *testing.T) {
	svc, mock := newPostgresTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("WHERE confirmation_token_hash").WithArgs(HashToken("nope")).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.ConfirmBooking(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTokenExpired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := newPostgresStoreWithConn(mock, 0)

	expires := at(9, 0)
	created := at(8, 0)
	mock.ExpectQuery("FROM bookings WHERE id").WithArgs("b-1").WillReturnRows(
		pgxmock.NewRows(bookingColumnNames).AddRow(
			"b-1", testOrg, testProvider, "Ana", "+15550100001", "ana@example.com",
			at(10, 0), at(10, 30), "pending", "hash", &expires,
			"evt-1", "", "first visit", "event:abc", created, created,
			(*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
		))
	b, err := store.Get(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, "hash", b.TokenHash)
	require.NotNil(t, b.TokenExpiresAt)
	assert.Equal(t, expires, *b.TokenExpiresAt)
	assert.Equal(t, "evt-1", b.CalendarEventID)
	assert.Nil(t, b.ConfirmedAt)

	mock.ExpectQuery("FROM bookings WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec("UPDATE bookings SET calendar_event_id").WithArgs("missing", "evt-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.SetCalendarEventID(context.Background(), "missing", "evt-2"), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
