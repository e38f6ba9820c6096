package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, org_id, assistant_id, phone_number, type, payload, status,
	attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at, completed_at`

// PostgresStore keeps inbound events in the webhook_events table.
type PostgresStore struct {
	pool rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &PostgresStore{pool: exec}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) (bool, error) {
	query := `
		INSERT INTO webhook_events (id, org_id, assistant_id, phone_number, type, payload, status,
			attempts, max_attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, e.ID, e.OrgID, e.Hint.AssistantID, e.Hint.PhoneNumber, e.Type,
		[]byte(e.Payload), string(e.Status), e.Attempts, e.MaxAttempts, e.NextAttemptAt, e.LastError,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("events: insert event: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("events: get event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (*Event, error) {
	query := `
		UPDATE webhook_events
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'failed') AND next_attempt_at <= $2
		RETURNING ` + eventColumns
	e, err := scanEvent(s.pool.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("events: claim event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]Event, error) {
	query := `
		UPDATE webhook_events
		SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE next_attempt_at <= $1
			  AND (status = 'failed' OR (status = 'pending' AND created_at < $2))
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns
	return s.queryEvents(ctx, "claim due", query, now, pendingBefore, limit)
}

func (s *PostgresStore) Complete(ctx context.Context, claim ClaimToken, orgID string, now time.Time) error {
	return s.settle(ctx, "complete event", `
		UPDATE webhook_events
		SET status = 'completed', org_id = $3, last_error = '', completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND updated_at = $2
	`, claim.ID, claim.ClaimedAt, orgID, now)
}

func (s *PostgresStore) Fail(ctx context.Context, claim ClaimToken, orgID string, attempts int, next time.Time, lastErr string, now time.Time) error {
	return s.settle(ctx, "fail event", `
		UPDATE webhook_events
		SET status = 'failed', org_id = COALESCE(NULLIF($3, ''), org_id), attempts = $4,
			next_attempt_at = $5, last_error = $6, updated_at = $7
		WHERE id = $1 AND status = 'processing' AND updated_at = $2
	`, claim.ID, claim.ClaimedAt, orgID, attempts, next, lastErr, now)
}

func (s *PostgresStore) DeadLetter(ctx context.Context, claim ClaimToken, orgID string, attempts int, lastErr string, now time.Time) error {
	return s.settle(ctx, "dead-letter event", `
		UPDATE webhook_events
		SET status = 'dead_letter', org_id = COALESCE(NULLIF($3, ''), org_id), attempts = $4,
			last_error = $5, updated_at = $6
		WHERE id = $1 AND status = 'processing' AND updated_at = $2
	`, claim.ID, claim.ClaimedAt, orgID, attempts, lastErr, now)
}

func (s *PostgresStore) RetryNow(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("events: retry now: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, orgID string, limit int) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE status = 'dead_letter' AND ($1 = '' OR org_id = $1)
		ORDER BY updated_at DESC
		LIMIT $2`
	return s.queryEvents(ctx, "list dead letters", query, orgID, limit)
}

func (s *PostgresStore) Replay(ctx context.Context, id string, now time.Time) (*Event, error) {
	query := `
		UPDATE webhook_events
		SET status = 'pending', attempts = 0, next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING ` + eventColumns
	e, err := scanEvent(s.pool.QueryRow(ctx, query, id, now))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("events: replay: %w", err)
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotDeadLettered
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead_letter' ELSE 'failed' END,
			last_error = 'processing claim expired',
			next_attempt_at = $2, updated_at = $2
		WHERE status = 'processing' AND updated_at < $1
	`, staleBefore, now)
	if err != nil {
		return 0, fmt.Errorf("events: reclaim stale: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE status IN ('completed', 'dead_letter') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`
	return s.queryEvents(ctx, "list terminal", query, before, limit)
}

func (s *PostgresStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("events: delete events: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// settle runs a claim-fenced status update. No matching row means the claim
// was reclaimed or the event already settled.
func (s *PostgresStore) settle(ctx context.Context, op, query string, args ...any) error {
	ct, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("events: %s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("events: %s: scan: %w", op, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e       Event
		status  string
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.OrgID, &e.Hint.AssistantID, &e.Hint.PhoneNumber, &e.Type, &payload,
		&status, &e.Attempts, &e.MaxAttempts, &e.NextAttemptAt, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Payload = append([]byte(nil), payload...)
	e.Hint.OrgID = e.OrgID
	return &e, nil
}
