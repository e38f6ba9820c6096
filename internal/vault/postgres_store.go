package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps sealed credentials in org_credentials.
type PostgresStore struct {
	pool rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("vault: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	return &PostgresStore{pool: exec}
}

func (s *PostgresStore) LoadCiphertext(ctx context.Context, orgID string, providerType ProviderType) (string, error) {
	var ciphertext string
	err := s.pool.QueryRow(ctx,
		`SELECT ciphertext FROM org_credentials WHERE org_id = $1 AND provider_type = $2`,
		orgID, string(providerType)).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("vault: load credential: %w", err)
	}
	return ciphertext, nil
}

func (s *PostgresStore) SaveCiphertext(ctx context.Context, orgID string, providerType ProviderType, ciphertext string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO org_credentials (org_id, provider_type, ciphertext, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (org_id, provider_type)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()
	`, orgID, string(providerType), ciphertext)
	if err != nil {
		return fmt.Errorf("vault: save credential: %w", err)
	}
	return nil
}
