package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// RiskStateStore implements domain.RiskStateStore using PostgreSQL.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

var _ domain.RiskStateStore = (*RiskStateStore)(nil)

// NewRiskStateStore creates a new RiskStateStore backed by the given
// connection pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

const riskSelectCols = `strategy, market_id, peak_equity, last_equity,
	banned, banned_until, banned_reason, updated_at`

func scanRiskRow(row pgx.Row) (domain.MarketRiskState, error) {
	var st domain.MarketRiskState
	err := row.Scan(
		&st.Strategy, &st.MarketID, &st.PeakEquity, &st.LastEquity,
		&st.Banned, &st.BannedUntil, &st.BannedReason, &st.UpdatedAt,
	)
	if err != nil {
		return domain.MarketRiskState{}, err
	}
	return st, nil
}

// Get retrieves the risk state row for one (strategy, market).
func (s *RiskStateStore) Get(ctx context.Context, strategy, marketID string) (domain.MarketRiskState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+riskSelectCols+` FROM market_risk_state
		 WHERE strategy = $1 AND market_id = $2`, strategy, marketID)

	st, err := scanRiskRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MarketRiskState{}, domain.ErrNotFound
		}
		return domain.MarketRiskState{}, fmt.Errorf("postgres: get risk state %s: %w", marketID, err)
	}
	return st, nil
}

// Upsert writes the full risk state row for one (strategy, market).
func (s *RiskStateStore) Upsert(ctx context.Context, st domain.MarketRiskState) error {
	const query = `
		INSERT INTO market_risk_state (
			strategy, market_id, peak_equity, last_equity,
			banned, banned_until, banned_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (strategy, market_id) DO UPDATE SET
			peak_equity   = EXCLUDED.peak_equity,
			last_equity   = EXCLUDED.last_equity,
			banned        = EXCLUDED.banned,
			banned_until  = EXCLUDED.banned_until,
			banned_reason = EXCLUDED.banned_reason,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.Strategy, st.MarketID, st.PeakEquity, st.LastEquity,
		st.Banned, st.BannedUntil, st.BannedReason)
	if err != nil {
		return fmt.Errorf("postgres: upsert risk state %s: %w", st.MarketID, err)
	}
	return nil
}

// ListBanned returns all currently banned markets for the strategy.
func (s *RiskStateStore) ListBanned(ctx context.Context, strategy string) ([]domain.MarketRiskState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+riskSelectCols+` FROM market_risk_state
		 WHERE strategy = $1 AND banned = TRUE
		 ORDER BY market_id`, strategy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list banned markets: %w", err)
	}
	defer rows.Close()

	var states []domain.MarketRiskState
	for rows.Next() {
		st, err := scanRiskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan risk state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
