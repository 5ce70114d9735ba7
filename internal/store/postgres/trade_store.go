package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, market_id, outcome, price, qty, value_usd, trade_id, ts`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.MarketID, &t.Outcome, &t.Price, &t.Qty,
			&t.ValueUSD, &t.TradeID, &t.At,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch inserts multiple trades efficiently using pgx Batch. Duplicate
// venue trade ids are silently skipped via ON CONFLICT DO NOTHING.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trades (market_id, outcome, price, qty, value_usd, trade_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ON CONSTRAINT uq_trades_trade_id DO NOTHING`

	for _, t := range trades {
		batch.Queue(query,
			t.MarketID, t.Outcome, t.Price, t.Qty, t.ValueUSD, t.TradeID, t.At)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// LastTradeAt returns the most recent trade timestamp, or the zero time if no
// trades exist.
func (s *TradeStore) LastTradeAt(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, "SELECT MAX(ts) FROM trades").Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last trade timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// TopMarketsByVolume returns market ids ordered by traded USD volume within
// the window, at or above the floor, capped at limit.
func (s *TradeStore) TopMarketsByVolume(ctx context.Context, window time.Duration, minVolumeUSD float64, limit int) ([]domain.MarketVolume, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, SUM(value_usd) AS vol
		FROM trades
		WHERE ts >= NOW() - $1::interval
		GROUP BY market_id
		HAVING SUM(value_usd) >= $2
		ORDER BY vol DESC
		LIMIT $3`, window, minVolumeUSD, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: top markets by volume: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketVolume
	for rows.Next() {
		var mv domain.MarketVolume
		if err := rows.Scan(&mv.MarketID, &mv.VolumeUSD); err != nil {
			return nil, fmt.Errorf("postgres: scan market volume: %w", err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

// LatestPrices returns the most recent trade price and timestamp for each
// pair in one batched read. Pairs with no trades are absent from the result.
func (s *TradeStore) LatestPrices(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]domain.PricePoint, error) {
	if len(pairs) == 0 {
		return map[domain.Pair]domain.PricePoint{}, nil
	}

	marketIDs := make([]string, len(pairs))
	outcomes := make([]int, len(pairs))
	for i, p := range pairs {
		marketIDs[i] = p.MarketID
		outcomes[i] = p.Outcome
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (t.market_id, t.outcome)
			t.market_id, t.outcome, t.price, t.ts
		FROM trades t
		JOIN UNNEST($1::text[], $2::smallint[]) AS want(market_id, outcome)
		  ON t.market_id = want.market_id AND t.outcome = want.outcome
		ORDER BY t.market_id, t.outcome, t.ts DESC`, marketIDs, outcomes)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest prices: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Pair]domain.PricePoint, len(pairs))
	for rows.Next() {
		var pair domain.Pair
		var pp domain.PricePoint
		if err := rows.Scan(&pair.MarketID, &pair.Outcome, &pp.Price, &pp.At); err != nil {
			return nil, fmt.Errorf("postgres: scan latest price: %w", err)
		}
		out[pair] = pp
	}
	return out, rows.Err()
}

// RollingAverage returns the mean trade price for the pair over the window
// ending now, or ErrNotFound when the window holds no trades.
func (s *TradeStore) RollingAverage(ctx context.Context, pair domain.Pair, window time.Duration) (float64, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(price) FROM trades
		WHERE market_id = $1 AND outcome = $2 AND ts >= NOW() - $3::interval`,
		pair.MarketID, pair.Outcome, window).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("postgres: rolling average for %s/%d: %w", pair.MarketID, pair.Outcome, err)
	}
	if avg == nil {
		return 0, domain.ErrNotFound
	}
	return *avg, nil
}

// ListBefore returns trades with timestamp strictly before cutoff, oldest
// first, capped at limit (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE ts < $1 ORDER BY ts ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore deletes trades with timestamp before cutoff. Returns the
// number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
