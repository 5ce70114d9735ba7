package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// HeartbeatStore implements domain.HeartbeatStore using PostgreSQL.
type HeartbeatStore struct {
	pool *pgxpool.Pool
}

var _ domain.HeartbeatStore = (*HeartbeatStore)(nil)

// NewHeartbeatStore creates a new HeartbeatStore backed by the given
// connection pool.
func NewHeartbeatStore(pool *pgxpool.Pool) *HeartbeatStore {
	return &HeartbeatStore{pool: pool}
}

// Beat records liveness for a named worker.
func (s *HeartbeatStore) Beat(ctx context.Context, worker, note string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker, note, beat_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker) DO UPDATE SET
			note    = EXCLUDED.note,
			beat_at = NOW()`, worker, note)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat %s: %w", worker, err)
	}
	return nil
}
