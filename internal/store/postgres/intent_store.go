package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// IntentStore implements domain.IntentStore using PostgreSQL.
type IntentStore struct {
	pool *pgxpool.Pool
}

var _ domain.IntentStore = (*IntentStore)(nil)

// NewIntentStore creates a new IntentStore backed by the given connection pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentSelectCols = `id, strategy, market_id, outcome, side, limit_price,
	size_usd, dislocation, avg_price, source, note, status, order_id, created_at`

func scanIntentRows(rows pgx.Rows) ([]domain.TradeIntent, error) {
	var intents []domain.TradeIntent
	for rows.Next() {
		var it domain.TradeIntent
		var status string
		if err := rows.Scan(
			&it.ID, &it.Strategy, &it.MarketID, &it.Outcome, &it.Side,
			&it.LimitPrice, &it.SizeUSD, &it.Dislocation, &it.AvgPrice,
			&it.Source, &it.Note, &status, &it.OrderID, &it.CreatedAt,
		); err != nil {
			return nil, err
		}
		it.Status = domain.IntentStatus(status)
		intents = append(intents, it)
	}
	return intents, rows.Err()
}

// Upsert inserts the intent, or requeues the existing row when the same
// economic action was already recorded. Returns the intent id.
func (s *IntentStore) Upsert(ctx context.Context, it domain.TradeIntent) (int64, error) {
	const query = `
		INSERT INTO trade_intents (
			strategy, market_id, outcome, side, limit_price,
			size_usd, dislocation, avg_price, source, note, status
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		ON CONFLICT ON CONSTRAINT uq_trade_intents_action
		DO UPDATE SET status = EXCLUDED.status, note = EXCLUDED.note
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		it.Strategy, it.MarketID, it.Outcome, it.Side, it.LimitPrice,
		it.SizeUSD, it.Dislocation, it.AvgPrice, it.Source, it.Note,
		string(it.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: upsert intent %s/%d %s: %w", it.MarketID, it.Outcome, it.Side, err)
	}
	return id, nil
}

// ClaimBatch locks up to limit new intents for the source with
// FOR UPDATE SKIP LOCKED and runs fn inside the claiming transaction.
// Concurrent claimers see disjoint batches; the one-order-per-intent
// constraint catches anything that slips past the row locks.
func (s *IntentStore) ClaimBatch(ctx context.Context, source string, limit int, fn func(ctx context.Context, ops domain.IntentClaimOps, intents []domain.TradeIntent) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+intentSelectCols+` FROM trade_intents
		 WHERE source = $1 AND status = 'new'
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, source, limit)
	if err != nil {
		return fmt.Errorf("postgres: claim intents: %w", err)
	}
	intents, err := scanIntentRows(rows)
	rows.Close()
	if err != nil {
		return fmt.Errorf("postgres: scan claimed intents: %w", err)
	}
	if len(intents) == 0 {
		return tx.Commit(ctx)
	}

	if err := fn(ctx, claimOps{tx: tx}, intents); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit claim tx: %w", err)
	}
	return nil
}

// claimOps is the transaction-scoped implementation of domain.IntentClaimOps.
type claimOps struct {
	tx pgx.Tx
}

var _ domain.IntentClaimOps = claimOps{}

func (c claimOps) MarkIntent(ctx context.Context, id int64, status domain.IntentStatus, note string) error {
	_, err := c.tx.Exec(ctx,
		`UPDATE trade_intents SET status = $2, note = $3 WHERE id = $1`,
		id, string(status), note)
	if err != nil {
		return fmt.Errorf("postgres: mark intent %d %s: %w", id, status, err)
	}
	return nil
}

func (c claimOps) HasActiveBuyOrder(ctx context.Context, strategy string, pair domain.Pair, paper bool) (bool, error) {
	var exists bool
	err := c.tx.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM strategy_orders
			WHERE strategy = $1 AND market_id = $2 AND outcome = $3
			  AND side = 'buy' AND paper = $4
			  AND status = ANY($5)
		)`, strategy, pair.MarketID, pair.Outcome, paper, activeStatuses()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check active buy order: %w", err)
	}
	return exists, nil
}

func (c claimOps) InsertOrder(ctx context.Context, o domain.Order) (int64, bool, error) {
	return insertOrderTx(ctx, c.tx, o)
}

func (c claimOps) LinkOrder(ctx context.Context, intentID, orderID int64) error {
	_, err := c.tx.Exec(ctx,
		`UPDATE trade_intents SET status = 'queued', order_id = $2 WHERE id = $1`,
		intentID, orderID)
	if err != nil {
		return fmt.Errorf("postgres: link intent %d to order %d: %w", intentID, orderID, err)
	}
	return nil
}

// insertOrderTx inserts an order under the one-order-per-intent constraint
// using any pgx query executor. When the constraint fires, the winning row's
// id is looked up and returned with created=false.
func insertOrderTx(ctx context.Context, q querier, o domain.Order) (int64, bool, error) {
	meta := o.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: marshal order metadata: %w", err)
	}

	const query = `
		INSERT INTO strategy_orders (
			strategy, market_id, outcome, side, qty, limit_price,
			status, paper, intent_id, position_id, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)
		ON CONFLICT ON CONSTRAINT uq_strategy_orders_intent_id DO NOTHING
		RETURNING id`

	var id int64
	err = q.QueryRow(ctx, query,
		o.Strategy, o.MarketID, o.Outcome, string(o.Side), o.Quantity, o.LimitPrice,
		string(o.Status), o.Paper, o.IntentID, o.PositionID, metaJSON,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return 0, false, fmt.Errorf("postgres: insert order for intent %d: %w", o.IntentID, err)
	}

	// Conflict: another claimer created the order. Link to the winner.
	err = q.QueryRow(ctx,
		`SELECT id FROM strategy_orders WHERE intent_id = $1`, o.IntentID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, fmt.Errorf("postgres: lookup order for intent %d: %w", o.IntentID, err)
	}
	return id, false, nil
}

// querier is the subset of pgx.Tx / pgxpool.Pool used by shared helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
