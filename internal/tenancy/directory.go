package tenancy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// SQLDirectory reads tenant mappings from Postgres.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) OrgByAssistant(ctx context.Context, assistantID string) (string, error) {
	var orgID string
	err := d.db.QueryRowContext(ctx,
		`SELECT org_id FROM org_assistants WHERE assistant_id = $1`, assistantID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrgNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tenancy: org by assistant: %w", err)
	}
	return orgID, nil
}

func (d *SQLDirectory) OrgByPhone(ctx context.Context, variants []string) (string, error) {
	var orgID string
	err := d.db.QueryRowContext(ctx,
		`SELECT org_id FROM org_phone_numbers WHERE phone_number = ANY($1) ORDER BY created_at LIMIT 1`,
		pq.Array(variants)).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrgNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tenancy: org by phone: %w", err)
	}
	return orgID, nil
}

// StaticDirectory maps assistants and phone numbers from configuration.
type StaticDirectory struct {
	assistants map[string]string
	phones     map[string]string
}

// StaticMapping is the STATIC_TENANT_MAP_JSON document.
type StaticMapping struct {
	Assistants map[string]string `json:"assistants"`
	Phones     map[string]string `json:"phones"`
}

func NewStaticDirectory(mapping StaticMapping) *StaticDirectory {
	d := &StaticDirectory{
		assistants: make(map[string]string, len(mapping.Assistants)),
		phones:     make(map[string]string, len(mapping.Phones)),
	}
	for id, org := range mapping.Assistants {
		if id = strings.TrimSpace(id); id != "" && org != "" {
			d.assistants[id] = org
		}
	}
	for raw, org := range mapping.Phones {
		if clean := NormalizeE164(raw); clean != "" && org != "" {
			d.phones[clean] = org
		}
	}
	return d
}

// ParseStaticDirectory builds a directory from JSON; empty input yields an
// empty directory.
func ParseStaticDirectory(raw string) (*StaticDirectory, error) {
	var mapping StaticMapping
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			return nil, fmt.Errorf("tenancy: parse static map: %w", err)
		}
	}
	return NewStaticDirectory(mapping), nil
}

func (d *StaticDirectory) OrgByAssistant(_ context.Context, assistantID string) (string, error) {
	if org, ok := d.assistants[assistantID]; ok {
		return org, nil
	}
	return "", ErrOrgNotFound
}

func (d *StaticDirectory) OrgByPhone(_ context.Context, variants []string) (string, error) {
	for _, v := range variants {
		if org, ok := d.phones[NormalizeE164(v)]; ok {
			return org, nil
		}
	}
	return "", ErrOrgNotFound
}
