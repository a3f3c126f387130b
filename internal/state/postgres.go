package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend stores snapshots in the auth_state table. The database
// handle is expected to use the pgx stdlib driver.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT value
		FROM auth_state
		WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query auth state: %w", err)
	}

	return value, nil
}

func (p *PostgresBackend) Save(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert auth state: %w", err)
	}

	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM auth_state
		WHERE key = $1
	`, key)
	if err != nil {
		return fmt.Errorf("delete auth state: %w", err)
	}

	return nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
