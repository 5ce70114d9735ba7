package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, strategy, market_id, outcome, side, qty, limit_price,
	status, paper, intent_id, position_id, metadata, created_at`

// activeStatuses renders domain.ActiveOrderStatuses for an = ANY() clause.
func activeStatuses() []string {
	out := make([]string, len(domain.ActiveOrderStatuses))
	for i, st := range domain.ActiveOrderStatuses {
		out[i] = string(st)
	}
	return out
}

func scanOrderRow(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, status string
	var metaJSON []byte

	err := row.Scan(
		&o.ID, &o.Strategy, &o.MarketID, &o.Outcome, &side, &o.Quantity, &o.LimitPrice,
		&status, &o.Paper, &o.IntentID, &o.PositionID, &metaJSON, &o.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &o.Metadata); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal order %d metadata: %w", o.ID, err)
		}
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by id.
func (s *OrderStore) GetByID(ctx context.Context, id int64) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM strategy_orders WHERE id = $1`, id)

	o, err := scanOrderRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %d: %w", id, err)
	}
	return o, nil
}

// Insert creates an order under the one-order-per-intent constraint.
func (s *OrderStore) Insert(ctx context.Context, o domain.Order) (int64, bool, error) {
	return insertOrderTx(ctx, s.pool, o)
}

// NextSubmittable returns the oldest live-mode submitted order not blocked by
// the one-active-order-per-market guard or the per-market post cooldown.
func (s *OrderStore) NextSubmittable(ctx context.Context, cooldown time.Duration, onePerMarket bool) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderSelectCols+` FROM strategy_orders so
		WHERE so.paper = FALSE
		  AND so.status = 'submitted'
		  AND (
			$1 = FALSE OR NOT EXISTS (
				SELECT 1 FROM strategy_orders so2
				WHERE so2.paper = FALSE
				  AND so2.market_id = so.market_id
				  AND so2.side = so.side
				  AND so2.status = 'live'
			)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM strategy_orders so3
			WHERE so3.paper = FALSE
			  AND so3.market_id = so.market_id
			  AND so3.side = so.side
			  AND so3.status = 'live'
			  AND (so3.metadata ? 'post_ts')
			  AND (EXTRACT(EPOCH FROM NOW()) - (so3.metadata->>'post_ts')::double precision) < $2
		  )
		ORDER BY so.created_at ASC
		LIMIT 1`, onePerMarket, cooldown.Seconds())

	o, err := scanOrderRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: next submittable order: %w", err)
	}
	return o, nil
}

// ListByStatus returns orders in the given status, oldest first.
func (s *OrderStore) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM strategy_orders
		 WHERE status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s orders: %w", status, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s orders: %w", status, err)
	}
	return orders, nil
}

// ListMatchedSells returns matched sell orders linked to a position, oldest
// first. These are the settler's work queue.
func (s *OrderStore) ListMatchedSells(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM strategy_orders
		 WHERE side = 'sell' AND status = 'matched' AND position_id IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matched sells: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan matched sells: %w", err)
	}
	return orders, nil
}

// UpdateStatus changes the status of an order.
func (s *OrderStore) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_orders SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update order %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStatusMeta updates the status and merges the patch into the order's
// jsonb metadata in one statement.
func (s *OrderStore) SetStatusMeta(ctx context.Context, id int64, status domain.OrderStatus, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata patch: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_orders
		 SET status = $2, metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
		 WHERE id = $1`, id, string(status), patchJSON)
	if err != nil {
		return fmt.Errorf("postgres: set order %d status/meta: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MergeMetadata merges the patch into the order's jsonb metadata.
func (s *OrderStore) MergeMetadata(ctx context.Context, id int64, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata patch: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_orders
		 SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		 WHERE id = $1`, id, patchJSON)
	if err != nil {
		return fmt.Errorf("postgres: merge order %d metadata: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertFill records one fill against an order.
func (s *OrderStore) InsertFill(ctx context.Context, f domain.Fill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_fills (order_id, qty, price, paper, ts)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.OrderID, f.Qty, f.Price, f.Paper, f.At)
	if err != nil {
		return fmt.Errorf("postgres: insert fill for order %d: %w", f.OrderID, err)
	}
	return nil
}

// AggregateFills returns total quantity, VWAP, and last fill time for an order.
func (s *OrderStore) AggregateFills(ctx context.Context, orderID int64) (domain.FillAggregate, error) {
	var agg domain.FillAggregate
	var vwap *float64
	var lastAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(qty), 0),
			CASE WHEN COALESCE(SUM(qty), 0) > 0
			     THEN SUM(qty * price) / SUM(qty)
			END,
			MAX(ts)
		FROM order_fills WHERE order_id = $1`, orderID).Scan(&agg.Qty, &vwap, &lastAt)
	if err != nil {
		return domain.FillAggregate{}, fmt.Errorf("postgres: aggregate fills for order %d: %w", orderID, err)
	}
	if vwap != nil {
		agg.VWAP = *vwap
	}
	if lastAt != nil {
		agg.LastAt = *lastAt
	}
	return agg, nil
}

// FilledQtyForPosition sums buy fills explicitly linked to the position and
// reports the linked buy order id when one exists.
func (s *OrderStore) FilledQtyForPosition(ctx context.Context, strategy string, positionID int64) (float64, *int64, error) {
	var qty float64
	var orderID *int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(f.qty), 0), MAX(o.id)
		FROM strategy_orders o
		JOIN order_fills f ON f.order_id = o.id
		WHERE o.strategy = $1 AND o.position_id = $2
		  AND o.side = 'buy' AND o.status IN ('matched', 'settled')`,
		strategy, positionID).Scan(&qty, &orderID)
	if err != nil {
		return 0, nil, fmt.Errorf("postgres: filled qty for position %d: %w", positionID, err)
	}
	return qty, orderID, nil
}

// NearestMatchedBuy finds the matched buy order for the pair closest in time
// to around, within the window. Used when a position's order link is missing.
func (s *OrderStore) NearestMatchedBuy(ctx context.Context, strategy string, pair domain.Pair, around time.Time, window time.Duration) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderSelectCols+` FROM strategy_orders
		WHERE strategy = $1 AND market_id = $2 AND outcome = $3
		  AND side = 'buy' AND status = 'matched'
		  AND created_at BETWEEN $4::timestamptz - $5::interval AND $4::timestamptz + $5::interval
		ORDER BY ABS(EXTRACT(EPOCH FROM (created_at - $4::timestamptz))) ASC
		LIMIT 1`,
		strategy, pair.MarketID, pair.Outcome, around, window)

	o, err := scanOrderRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: nearest matched buy for %s/%d: %w", pair.MarketID, pair.Outcome, err)
	}
	return o, nil
}

// ListMatchedBuysWithoutPosition returns matched buy orders created since the
// cutoff that no position references yet.
func (s *OrderStore) ListMatchedBuysWithoutPosition(ctx context.Context, strategy string, since time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderSelectCols+` FROM strategy_orders o
		WHERE o.strategy = $1 AND o.side = 'buy' AND o.status = 'matched'
		  AND o.created_at >= $2
		  AND NOT EXISTS (
			SELECT 1 FROM positions p WHERE p.buy_order_id = o.id
		  )
		ORDER BY o.created_at ASC`, strategy, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unpositioned matched buys: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unpositioned matched buys: %w", err)
	}
	return orders, nil
}

// HasActiveSellForPosition reports whether a submitted/live/matched sell
// order already targets the position.
func (s *OrderStore) HasActiveSellForPosition(ctx context.Context, strategy string, positionID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM strategy_orders
			WHERE strategy = $1 AND position_id = $2
			  AND side = 'sell'
			  AND status = ANY($3)
		)`, strategy, positionID, activeStatuses()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check active sell for position %d: %w", positionID, err)
	}
	return exists, nil
}
