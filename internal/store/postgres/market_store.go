package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmquant/polyrev/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, question, slug, tags, token_ids, volume_24h, active, resolve_at, updated_at`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	err := row.Scan(
		&m.ID, &m.Question, &m.Slug, &m.Tags, &m.TokenIDs,
		&m.Volume24h, &m.Active, &m.ResolveAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// UpsertBatch inserts or refreshes market metadata rows using pgx Batch.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO markets (id, question, slug, tags, token_ids, volume_24h, active, resolve_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			question   = EXCLUDED.question,
			slug       = EXCLUDED.slug,
			tags       = EXCLUDED.tags,
			token_ids  = EXCLUDED.token_ids,
			volume_24h = EXCLUDED.volume_24h,
			active     = EXCLUDED.active,
			resolve_at = EXCLUDED.resolve_at,
			updated_at = NOW()`

	for _, m := range markets {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		tokens := m.TokenIDs
		if tokens == nil {
			tokens = []string{}
		}
		batch.Queue(query, m.ID, m.Question, m.Slug, tags, tokens, m.Volume24h, m.Active, m.ResolveAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetByID retrieves a single market by its condition id.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)

	m, err := scanMarketRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByIDs returns the markets for the given ids, keyed by id. Unknown ids
// are simply absent from the result.
func (s *MarketStore) ListByIDs(ctx context.Context, ids []string) (map[string]domain.Market, error) {
	if len(ids) == 0 {
		return map[string]domain.Market{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Market, len(ids))
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// Count returns the number of known markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}
