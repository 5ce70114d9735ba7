// Package ingest keeps the local data the strategy runs on fresh: the
// append-only trade log fed from the live websocket, and market metadata
// refreshed from the venue's metadata API.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// TradeStream is the live trade source. *polymarket.TradeStream satisfies it.
type TradeStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	OnTrade(func(domain.Trade))
	Close() error
}

// TradeFeedParams bound the feed's batching behavior.
type TradeFeedParams struct {
	// BatchSize flushes when this many trades are buffered.
	BatchSize int
	// FlushEvery flushes whatever is buffered at this interval, so a quiet
	// stream still lands rows promptly.
	FlushEvery time.Duration
}

// TradeFeed drains the websocket trade stream into the trades table and the
// price cache. Inserts are batched; the venue trade id dedupes replays.
type TradeFeed struct {
	params TradeFeedParams
	stream TradeStream
	trades domain.TradeStore
	cache  domain.PriceCache
	logger *slog.Logger

	incoming chan domain.Trade
}

// NewTradeFeed creates a TradeFeed. cache may be nil.
func NewTradeFeed(params TradeFeedParams, stream TradeStream, trades domain.TradeStore, cache domain.PriceCache, logger *slog.Logger) *TradeFeed {
	if params.BatchSize <= 0 {
		params.BatchSize = 100
	}
	if params.FlushEvery <= 0 {
		params.FlushEvery = 2 * time.Second
	}
	return &TradeFeed{
		params:   params,
		stream:   stream,
		trades:   trades,
		cache:    cache,
		logger:   logger.With(slog.String("component", "trade_feed")),
		incoming: make(chan domain.Trade, 4*params.BatchSize),
	}
}

// Run connects, subscribes, and pumps trades until ctx ends. The stream
// client reconnects on its own; Run only returns on shutdown or a connect
// failure.
func (f *TradeFeed) Run(ctx context.Context) error {
	if err := f.stream.Connect(ctx); err != nil {
		return fmt.Errorf("ingest: connect trade stream: %w", err)
	}
	defer f.stream.Close()

	f.stream.OnTrade(func(t domain.Trade) {
		select {
		case f.incoming <- t:
		default:
			// Buffer full: drop rather than block the websocket read loop.
		}
	})
	if err := f.stream.Subscribe(ctx); err != nil {
		return fmt.Errorf("ingest: subscribe trade stream: %w", err)
	}

	ticker := time.NewTicker(f.params.FlushEvery)
	defer ticker.Stop()

	batch := make([]domain.Trade, 0, f.params.BatchSize)
	for {
		select {
		case <-ctx.Done():
			f.flush(context.WithoutCancel(ctx), batch)
			return ctx.Err()
		case t := <-f.incoming:
			batch = append(batch, t)
			if len(batch) >= f.params.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush lands one batch in the trade log and refreshes the price cache with
// the newest price per pair. Errors are logged; the feed keeps running.
func (f *TradeFeed) flush(ctx context.Context, batch []domain.Trade) {
	if len(batch) == 0 {
		return
	}
	if err := f.trades.InsertBatch(ctx, batch); err != nil {
		f.logger.ErrorContext(ctx, "trade batch insert failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}

	if f.cache != nil {
		latest := make(map[domain.Pair]domain.PricePoint, len(batch))
		for _, t := range batch {
			pair := domain.Pair{MarketID: t.MarketID, Outcome: t.Outcome}
			if cur, ok := latest[pair]; !ok || t.At.After(cur.At) {
				latest[pair] = domain.PricePoint{Price: t.Price, At: t.At}
			}
		}
		if err := f.cache.SetPrices(ctx, latest); err != nil {
			f.logger.WarnContext(ctx, "price cache update failed",
				slog.String("error", err.Error()),
			)
		}
	}

	f.logger.DebugContext(ctx, "trade batch flushed", slog.Int("count", len(batch)))
}
