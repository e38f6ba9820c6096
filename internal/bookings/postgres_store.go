package bookings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
)

// pgLockNotAvailable is raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

const bookingColumns = `id, org_id, provider_id, patient_name, patient_phone, patient_email,
	start_at, end_at, status, COALESCE(confirmation_token_hash, ''), token_expires_at,
	calendar_event_id, rescheduled_from, notes, created_by, created_at, updated_at,
	confirmed_at, cancelled_at, completed_at`

type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps bookings in Postgres and serializes slot writes with
// transaction-scoped advisory locks.
type PostgresStore struct {
	pool        pgxConn
	lockTimeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return newPostgresStoreWithConn(pool, lockTimeout)
}

func newPostgresStoreWithConn(conn pgxConn, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 250 * time.Millisecond
	}
	return &PostgresStore{pool: conn, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, wrapRowErr("get", err)
	}
	return b, nil
}

func (s *PostgresStore) FindByCreator(ctx context.Context, orgID, createdBy string) (*Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1 AND created_by = $2
		ORDER BY created_at DESC LIMIT 1`, orgID, createdBy))
	if err != nil {
		return nil, wrapRowErr("find by creator", err)
	}
	return b, nil
}

func (s *PostgresStore) ListHolding(ctx context.Context, orgID, providerID string, window Slot) ([]Booking, error) {
	return listHolding(ctx, s.pool, orgID, providerID, window)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Booking, error) {
	return queryBookings(ctx, s.pool, "list expired pending", `SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'pending' AND token_expires_at <= $1
		ORDER BY token_expires_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListElapsedConfirmed(ctx context.Context, now time.Time, limit int) ([]Booking, error) {
	return queryBookings(ctx, s.pool, "list elapsed confirmed", `SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'confirmed' AND end_at <= $1
		ORDER BY end_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE bookings SET calendar_event_id = $2, updated_at = now() WHERE id = $1`, id, eventID)
	if err != nil {
		return fmt.Errorf("bookings: set calendar event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bookings: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)+"ms"); err != nil {
		return fmt.Errorf("bookings: set lock timeout: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bookings: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSlots(ctx context.Context, keys []int64) error {
	for _, key := range keys {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			if isLockTimeout(ctx, err) {
				return ErrLockTimeout
			}
			return fmt.Errorf("bookings: advisory lock: %w", err)
		}
	}
	return nil
}

func (t *pgTx) ListHolding(ctx context.Context, orgID, providerID string, window Slot) ([]Booking, error) {
	return listHolding(ctx, t.tx, orgID, providerID, window)
}

func (t *pgTx) GetForUpdate(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isLockTimeout(ctx, err) {
			return nil, ErrLockTimeout
		}
		return nil, wrapRowErr("get for update", err)
	}
	return b, nil
}

func (t *pgTx) GetByTokenForUpdate(ctx context.Context, tokenHash string) (*Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE confirmation_token_hash = $1 FOR UPDATE`, tokenHash))
	if err != nil {
		if isLockTimeout(ctx, err) {
			return nil, ErrLockTimeout
		}
		return nil, wrapRowErr("get by token", err)
	}
	return b, nil
}

func (t *pgTx) Insert(ctx context.Context, b *Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (id, org_id, provider_id, patient_name, patient_phone, patient_email,
			start_at, end_at, status, confirmation_token_hash, token_expires_at, calendar_event_id,
			rescheduled_from, notes, created_by, created_at, updated_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17, $18)
	`, b.ID, b.OrgID, b.ProviderID, b.Patient.Name, b.Patient.Phone, b.Patient.Email,
		b.Start, b.End, string(b.Status), b.TokenHash, b.TokenExpiresAt, b.CalendarEventID,
		b.RescheduledFrom, b.Notes, b.CreatedBy, b.CreatedAt, b.UpdatedAt, b.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("bookings: insert: %w", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, b *Booking) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, confirmation_token_hash = NULLIF($3, ''), token_expires_at = $4,
			notes = $5, updated_at = $6, confirmed_at = $7, cancelled_at = $8, completed_at = $9
		WHERE id = $1
	`, b.ID, string(b.Status), b.TokenHash, b.TokenExpiresAt, b.Notes, b.UpdatedAt,
		b.ConfirmedAt, b.CancelledAt, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("bookings: update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Publish(ctx context.Context, orgID, eventType string, payload any) error {
	if _, err := events.InsertOutbox(ctx, t.tx, orgID, eventType, payload); err != nil {
		return err
	}
	return nil
}

func listHolding(ctx context.Context, q queryer, orgID, providerID string, window Slot) ([]Booking, error) {
	return queryBookings(ctx, q, "list holding", `SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1 AND provider_id = $2
		  AND status IN ('pending', 'confirmed')
		  AND start_at < $4 AND end_at > $3
		ORDER BY start_at`, orgID, providerID, window.Start, window.End)
}

func queryBookings(ctx context.Context, q queryer, op, sql string, args ...any) ([]Booking, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("bookings: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: %s: scan: %w", op, err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookings: %s: %w", op, err)
	}
	return out, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b      Booking
		status string
	)
	if err := row.Scan(&b.ID, &b.OrgID, &b.ProviderID, &b.Patient.Name, &b.Patient.Phone, &b.Patient.Email,
		&b.Start, &b.End, &status, &b.TokenHash, &b.TokenExpiresAt,
		&b.CalendarEventID, &b.RescheduledFrom, &b.Notes, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
		&b.ConfirmedAt, &b.CancelledAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	b.Status = Status(status)
	return &b, nil
}

func wrapRowErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("bookings: %s: %w", op, err)
}

func isLockTimeout(ctx context.Context, err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
