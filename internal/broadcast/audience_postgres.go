package broadcast

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAudienceStore implements AudienceStore against the same pool
// the Campaign Store uses.
type PostgresAudienceStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAudienceStore creates a new Postgres-backed audience store.
func NewPostgresAudienceStore(pool *pgxpool.Pool) *PostgresAudienceStore {
	return &PostgresAudienceStore{pool: pool}
}

// Upsert records a chat id as known, bumping last_seen_at if present.
func (s *PostgresAudienceStore) Upsert(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audience_users (chat_id, first_seen_at, last_seen_at, is_blocked)
		VALUES ($1, NOW(), NOW(), FALSE)
		ON CONFLICT (chat_id) DO UPDATE SET last_seen_at = NOW()
	`, chatID)
	if err != nil {
		return fmt.Errorf("audience upsert: %w", err)
	}
	return nil
}

// MarkBlocked flags a chat id as permanently unreachable.
func (s *PostgresAudienceStore) MarkBlocked(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE audience_users SET is_blocked = TRUE WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("audience mark blocked: %w", err)
	}
	return nil
}

// Count returns the number of non-blocked known chat ids.
func (s *PostgresAudienceStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audience_users WHERE is_blocked = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audience count: %w", err)
	}
	return count, nil
}
