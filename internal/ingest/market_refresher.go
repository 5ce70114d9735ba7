package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmquant/polyrev/internal/domain"
)

// MarketSource pages market metadata out of the venue.
// *polymarket.GammaClient satisfies it.
type MarketSource interface {
	GetMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error)
}

// RefresherParams bound one refresh pass.
type RefresherParams struct {
	PageSize int
	MaxPages int
}

// MarketRefresher keeps the markets table in sync with the venue's metadata:
// question text, tags, token ids, 24h volume, and resolution times.
type MarketRefresher struct {
	params  RefresherParams
	source  MarketSource
	markets domain.MarketStore
	logger  *slog.Logger
}

// NewMarketRefresher creates a MarketRefresher.
func NewMarketRefresher(params RefresherParams, source MarketSource, markets domain.MarketStore, logger *slog.Logger) *MarketRefresher {
	if params.PageSize <= 0 {
		params.PageSize = 100
	}
	if params.MaxPages <= 0 {
		params.MaxPages = 20
	}
	return &MarketRefresher{
		params:  params,
		source:  source,
		markets: markets,
		logger:  logger.With(slog.String("component", "market_refresher")),
	}
}

// RunPass pages through active markets and upserts them.
func (r *MarketRefresher) RunPass(ctx context.Context) error {
	total := 0
	for page := 0; page < r.params.MaxPages; page++ {
		batch, err := r.source.GetMarkets(ctx, r.params.PageSize, page*r.params.PageSize)
		if err != nil {
			return fmt.Errorf("ingest: fetch markets page %d: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := r.markets.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("ingest: upsert markets: %w", err)
		}
		total += len(batch)
		if len(batch) < r.params.PageSize {
			break
		}
	}

	r.logger.InfoContext(ctx, "markets refreshed", slog.Int("count", total))
	return nil
}
