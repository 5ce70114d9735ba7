package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy, market_id, outcome, side,
	entry_price, entry_ts, size, avg_price, dislocation,
	status, paper, exit_reason, exit_signal_price, exit_price, exit_ts,
	realized_pnl, buy_order_id`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var exitReason *string

	err := row.Scan(
		&p.ID, &p.Strategy, &p.MarketID, &p.Outcome, &p.Side,
		&p.EntryPrice, &p.EntryAt, &p.Size, &p.AvgPrice, &p.Dislocation,
		&status, &p.Paper, &exitReason, &p.ExitSignalPrice, &p.ExitPrice, &p.ExitAt,
		&p.RealizedPnL, &p.BuyOrderID,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if exitReason != nil {
		p.ExitReason = *exitReason
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position and returns its id.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) (int64, error) {
	const query = `
		INSERT INTO positions (
			strategy, market_id, outcome, side,
			entry_price, entry_ts, size, avg_price, dislocation,
			status, paper, buy_order_id, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, NOW()
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.Strategy, p.MarketID, p.Outcome, p.Side,
		p.EntryPrice, p.EntryAt, p.Size, p.AvgPrice, p.Dislocation,
		string(p.Status), p.Paper, p.BuyOrderID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create position %s/%d: %w", p.MarketID, p.Outcome, err)
	}
	return id, nil
}

// GetByID retrieves a single position by its id.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all open positions for the strategy.
func (s *PositionStore) ListOpen(ctx context.Context, strategy string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE strategy = $1 AND status = 'open'
		 ORDER BY entry_ts ASC`, strategy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListOpenUnflagged returns open positions with no exit signal yet.
func (s *PositionStore) ListOpenUnflagged(ctx context.Context, strategy string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE strategy = $1 AND status = 'open' AND exit_reason IS NULL
		 ORDER BY entry_ts ASC`, strategy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unflagged positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unflagged positions: %w", err)
	}
	return positions, nil
}

// ListOpenOrClosing returns every position still live for the strategy.
func (s *PositionStore) ListOpenOrClosing(ctx context.Context, strategy string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE strategy = $1 AND status IN ('open', 'closing')
		 ORDER BY entry_ts ASC`, strategy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list live positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan live positions: %w", err)
	}
	return positions, nil
}

// ListExitFlagged returns positions carrying an exit signal that have no
// active sell order yet, oldest signal first.
func (s *PositionStore) ListExitFlagged(ctx context.Context, strategy string, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions p
		 WHERE p.strategy = $1
		   AND p.status IN ('open', 'closing')
		   AND p.exit_reason IS NOT NULL
		   AND NOT EXISTS (
			SELECT 1 FROM strategy_orders o
			WHERE o.position_id = p.id
			  AND o.side = 'sell'
			  AND o.status IN ('submitted', 'live', 'matched')
		   )
		 ORDER BY p.updated_at ASC
		 LIMIT $2`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit-flagged positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exit-flagged positions: %w", err)
	}
	return positions, nil
}

// CountOpen returns the number of open positions for the strategy.
func (s *PositionStore) CountOpen(ctx context.Context, strategy string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE strategy = $1 AND status = 'open'`,
		strategy).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}

// CountOpenForPair returns the number of open positions for one (market, outcome).
func (s *PositionStore) CountOpenForPair(ctx context.Context, strategy string, pair domain.Pair) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions
		 WHERE strategy = $1 AND market_id = $2 AND outcome = $3 AND status = 'open'`,
		strategy, pair.MarketID, pair.Outcome).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions for pair: %w", err)
	}
	return n, nil
}

// FlagExit records an exit signal on an open, still-unflagged position.
func (s *PositionStore) FlagExit(ctx context.Context, id int64, reason string, signalPrice float64) error {
	const query = `
		UPDATE positions SET
			exit_reason       = $2,
			exit_signal_price = $3,
			updated_at        = NOW()
		WHERE id = $1 AND status = 'open' AND exit_reason IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, reason, signalPrice)
	if err != nil {
		return fmt.Errorf("postgres: flag exit on position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkClosing advances an open position to closing.
func (s *PositionStore) MarkClosing(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'closing', updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark position %d closing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClosePosition closes an open or closing position with full exit fields.
// Returns false when a concurrent writer already closed it.
func (s *PositionStore) ClosePosition(ctx context.Context, id int64, exitPrice float64, exitAt time.Time, reason string, pnl float64) (bool, error) {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			exit_price   = $2,
			exit_ts      = $3,
			exit_reason  = $4,
			realized_pnl = $5,
			updated_at   = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, exitAt, reason, pnl)
	if err != nil {
		return false, fmt.Errorf("postgres: close position %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CloseMissing closes a position that disappeared from the venue. Only the
// timestamp and reason are recorded.
func (s *PositionStore) CloseMissing(ctx context.Context, id int64, reason string) error {
	const query = `
		UPDATE positions SET
			status      = 'closed',
			exit_reason = $2,
			exit_ts     = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: close missing position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SettleFromOrder closes the position and marks the sell order settled in one
// transaction. When the position was already closed the order is still
// settled, and false is returned.
func (s *PositionStore) SettleFromOrder(ctx context.Context, positionID, orderID int64, exitPrice float64, exitAt time.Time, pnl float64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin settle tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE positions SET
			status       = 'closed',
			exit_price   = $2,
			exit_ts      = $3,
			realized_pnl = $4,
			updated_at   = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`,
		positionID, exitPrice, exitAt, pnl)
	if err != nil {
		return false, fmt.Errorf("postgres: settle position %d: %w", positionID, err)
	}
	closed := tag.RowsAffected() > 0

	if _, err := tx.Exec(ctx,
		`UPDATE strategy_orders SET status = 'settled' WHERE id = $1 AND status = 'matched'`,
		orderID); err != nil {
		return false, fmt.Errorf("postgres: settle order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit settle tx: %w", err)
	}
	return closed, nil
}

// UpdateSize overwrites the recorded size of a live position.
func (s *PositionStore) UpdateSize(ctx context.Context, id int64, size float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET size = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('open', 'closing')`, id, size)
	if err != nil {
		return fmt.Errorf("postgres: update size of position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RealizedPnLByMarket sums realized P&L over closed positions in one market.
func (s *PositionStore) RealizedPnLByMarket(ctx context.Context, strategy, marketID string) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE strategy = $1 AND market_id = $2 AND status = 'closed'`,
		strategy, marketID).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("postgres: realized pnl for market %s: %w", marketID, err)
	}
	return pnl, nil
}

// RealizedPnLSince sums realized P&L over positions closed at or after since.
func (s *PositionStore) RealizedPnLSince(ctx context.Context, strategy string, since time.Time) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE strategy = $1 AND status = 'closed' AND exit_ts >= $2`,
		strategy, since).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("postgres: realized pnl since %s: %w", since.Format(time.RFC3339), err)
	}
	return pnl, nil
}

// ConsecutiveLosses counts the run of most-recent closed positions for the
// pair with negative realized P&L.
func (s *PositionStore) ConsecutiveLosses(ctx context.Context, strategy string, pair domain.Pair) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(realized_pnl, 0) FROM positions
		 WHERE strategy = $1 AND market_id = $2 AND outcome = $3 AND status = 'closed'
		 ORDER BY exit_ts DESC
		 LIMIT 50`, strategy, pair.MarketID, pair.Outcome)
	if err != nil {
		return 0, fmt.Errorf("postgres: consecutive losses for %s/%d: %w", pair.MarketID, pair.Outcome, err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, err
		}
		if pnl >= 0 {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// LastCloseAt returns the most recent close time for the pair, or the zero
// time when it has never closed.
func (s *PositionStore) LastCloseAt(ctx context.Context, strategy string, pair domain.Pair) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(exit_ts) FROM positions
		 WHERE strategy = $1 AND market_id = $2 AND outcome = $3 AND status = 'closed'`,
		strategy, pair.MarketID, pair.Outcome).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last close for %s/%d: %w", pair.MarketID, pair.Outcome, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Summarize aggregates lifetime stats for the strategy.
func (s *PositionStore) Summarize(ctx context.Context, strategy string) (domain.PositionSummary, error) {
	var sum domain.PositionSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open' AND exit_reason IS NULL),
			COUNT(*) FILTER (WHERE status = 'open' AND exit_reason IS NOT NULL),
			COUNT(*) FILTER (WHERE status = 'closing'),
			COUNT(*) FILTER (WHERE status = 'closed'),
			COUNT(*) FILTER (WHERE status = 'closed' AND realized_pnl >= 0),
			COALESCE(SUM(realized_pnl) FILTER (WHERE status = 'closed'), 0)
		FROM positions WHERE strategy = $1`, strategy).Scan(
		&sum.OpenMonitoring, &sum.PendingSell, &sum.Closing, &sum.Closed, &sum.Winners, &sum.TotalPnL)
	if err != nil {
		return domain.PositionSummary{}, fmt.Errorf("postgres: summarize positions: %w", err)
	}
	return sum, nil
}
