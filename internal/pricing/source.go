// Package pricing serves price snapshots for scan and monitor passes. Reads
// go through the Redis cache first and fall back to the trade log, writing
// misses back so the next pass stays on the fast path.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// Source resolves latest prices and rolling averages for (market, outcome)
// pairs.
type Source struct {
	trades domain.TradeStore
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewSource creates a Source. cache may be nil, in which case every read goes
// to the trade log.
func NewSource(trades domain.TradeStore, cache domain.PriceCache, logger *slog.Logger) *Source {
	return &Source{
		trades: trades,
		cache:  cache,
		logger: logger.With(slog.String("component", "pricing")),
	}
}

// Latest returns the most recent trade price and timestamp for each pair in
// one batched read. Pairs with no trades at all are absent from the result.
func (s *Source) Latest(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]domain.PricePoint, error) {
	if len(pairs) == 0 {
		return map[domain.Pair]domain.PricePoint{}, nil
	}

	out := make(map[domain.Pair]domain.PricePoint, len(pairs))
	missing := pairs

	if s.cache != nil {
		cached, err := s.cache.GetPrices(ctx, pairs)
		if err != nil {
			// Cache trouble is not fatal; the trade log is authoritative.
			s.logger.Warn("price cache read failed", slog.String("error", err.Error()))
		} else {
			missing = missing[:0:0]
			for _, p := range pairs {
				if pp, ok := cached[p]; ok {
					out[p] = pp
				} else {
					missing = append(missing, p)
				}
			}
		}
	}

	if len(missing) > 0 {
		fromLog, err := s.trades.LatestPrices(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("pricing: latest prices: %w", err)
		}
		for p, pp := range fromLog {
			out[p] = pp
		}
		if s.cache != nil && len(fromLog) > 0 {
			if err := s.cache.SetPrices(ctx, fromLog); err != nil {
				s.logger.Warn("price cache write failed", slog.String("error", err.Error()))
			}
		}
	}

	return out, nil
}

// RollingAverage returns the mean trade price over window, falling back to
// the wider fallbackWindow for thin markets. domain.ErrNotFound when neither
// window holds trades.
func (s *Source) RollingAverage(ctx context.Context, pair domain.Pair, window, fallbackWindow time.Duration) (float64, error) {
	avg, err := s.trades.RollingAverage(ctx, pair, window)
	if err == nil && avg > 0 {
		return avg, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("pricing: rolling average: %w", err)
	}

	if fallbackWindow > window {
		avg, err = s.trades.RollingAverage(ctx, pair, fallbackWindow)
		if err == nil && avg > 0 {
			return avg, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("pricing: fallback rolling average: %w", err)
		}
	}

	return 0, domain.ErrNotFound
}
