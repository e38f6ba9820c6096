package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRecorder appends outcomes to booking_side_effects. Every attempt is
// a new row so retries keep their history.
type PostgresRecorder struct {
	pool rowQuerier
}

func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	if pool == nil {
		panic("dispatch: pgx pool required")
	}
	return &PostgresRecorder{pool: pool}
}

func newPostgresRecorderWithExec(exec rowQuerier) *PostgresRecorder {
	if exec == nil {
		panic("dispatch: exec required")
	}
	return &PostgresRecorder{pool: exec}
}

func (r *PostgresRecorder) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO booking_side_effects (org_id, booking_id, effect, outcome, provider, external_id, reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := r.pool.Exec(ctx, query, rec.OrgID, rec.BookingID, string(rec.Effect), string(rec.Outcome),
		rec.Provider, rec.ExternalID, rec.Reason, rec.AttemptedAt); err != nil {
		return fmt.Errorf("dispatch: record side effect: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) List(ctx context.Context, orgID, bookingID string) ([]Record, error) {
	query := `
		SELECT org_id, booking_id, effect, outcome, provider, external_id, reason, attempted_at
		FROM booking_side_effects
		WHERE org_id = $1 AND booking_id = $2
		ORDER BY attempted_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, orgID, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list side effects: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var effect, outcome string
		if err := rows.Scan(&rec.OrgID, &rec.BookingID, &effect, &outcome, &rec.Provider,
			&rec.ExternalID, &rec.Reason, &rec.AttemptedAt); err != nil {
			return nil, fmt.Errorf("dispatch: scan side effect: %w", err)
		}
		rec.Effect = Effect(effect)
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: iterate side effects: %w", err)
	}
	return out, nil
}

// MemoryRecorder keeps outcomes in process for tests and local runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryRecorder) List(_ context.Context, orgID, bookingID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.OrgID == orgID && rec.BookingID == bookingID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out, nil
}
