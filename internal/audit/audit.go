// Package audit records operator actions that change pipeline state outside
// the normal booking flow.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names an audited operator action.
type Action string

const (
	ActionBreakerReset     Action = "breaker.reset"
	ActionDeadLetterReplay Action = "dead_letter.replay"
	ActionCredentialsSaved Action = "credentials.sealed"
	ActionScheduleChanged  Action = "schedule.changed"
)

// Entry is an immutable audit record. Details never carries secret values.
type Entry struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Actor     string          `json:"actor"`
	OrgID     string          `json:"org_id,omitempty"`
	Target    string          `json:"target"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recorder is satisfied by *Log.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Log persists entries to the operator_audit_events table.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// Record inserts entry, filling ID and CreatedAt when unset.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = "unknown"
	}
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}

	const query = `
		INSERT INTO operator_audit_events (id, action, actor, org_id, target, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := l.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Action),
		entry.Actor,
		nullString(entry.OrgID),
		entry.Target,
		[]byte(entry.Details),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", entry.Action, err)
	}
	return nil
}

// Filter narrows Query. OrgID empty means every org.
type Filter struct {
	OrgID     string
	Action    Action
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT id, action, actor, org_id, target, details, created_at
		FROM operator_audit_events
		WHERE 1=1
	`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrgID != "" {
		query += " AND org_id = " + arg(filter.OrgID)
	}
	if filter.Action != "" {
		query += " AND action = " + arg(string(filter.Action))
	}
	if !filter.StartTime.IsZero() {
		query += " AND created_at >= " + arg(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += " AND created_at <= " + arg(filter.EndTime)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			orgID   sql.NullString
			details []byte
		)
		if err := rows.Scan(&e.ID, &action, &e.Actor, &orgID, &e.Target, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Action = Action(action)
		e.OrgID = orgID.String
		e.Details = details
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

// Details marshals v for Entry.Details, falling back to an empty object.
func Details(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
