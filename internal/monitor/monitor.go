// Package monitor watches open positions and flags them for exit. Flagging is
// the only side effect; actually selling (or closing, in paper mode) is the
// pipeline's job.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/pricing"
)

// Params are the exit-side strategy knobs. Fractions are of entry price, so
// TakeProfit 0.15 flags at +15%.
type Params struct {
	Strategy string

	TakeProfit      float64
	StopLoss        float64
	HardStop        float64 // absolute floor, checked before everything else
	MaxHold         time.Duration
	Slippage        float64
	PriceStaleAfter time.Duration
}

// Monitor runs one exit pass at a time over open unflagged positions.
type Monitor struct {
	params    Params
	positions domain.PositionStore
	prices    *pricing.Source
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Monitor.
func New(params Params, positions domain.PositionStore, prices *pricing.Source, logger *slog.Logger) *Monitor {
	return &Monitor{
		params:    params,
		positions: positions,
		prices:    prices,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
	}
}

// RunPass checks every open unflagged position against the exit rules and
// flags the ones that trip. Positions without a fresh price are skipped
// entirely.
func (m *Monitor) RunPass(ctx context.Context) error {
	open, err := m.positions.ListOpenUnflagged(ctx, m.params.Strategy)
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	pairs := make([]domain.Pair, 0, len(open))
	for _, p := range open {
		pairs = append(pairs, domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome})
	}
	snapshot, err := m.prices.Latest(ctx, pairs)
	if err != nil {
		return fmt.Errorf("monitor: price snapshot: %w", err)
	}

	now := m.now()
	flagged := 0
	for _, p := range open {
		pp, fresh := snapshot[domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}]
		fresh = fresh && pp.Age(now) <= m.params.PriceStaleAfter

		reason, signalPrice := m.decide(p, pp.Price, fresh, now)
		if reason == "" {
			continue
		}
		if err := m.positions.FlagExit(ctx, p.ID, reason, signalPrice); err != nil {
			return fmt.Errorf("monitor: flag position %d: %w", p.ID, err)
		}
		flagged++
		m.logger.InfoContext(ctx, "exit flagged",
			slog.Int64("position", p.ID),
			slog.String("market", p.MarketID),
			slog.Int("outcome", p.Outcome),
			slog.String("reason", reason),
			slog.Float64("signal_price", signalPrice),
		)
	}

	if flagged > 0 {
		m.logger.InfoContext(ctx, "exit pass complete",
			slog.Int("checked", len(open)),
			slog.Int("flagged", flagged),
		)
	}
	return nil
}

// decide returns the exit reason for a position, or "" to keep holding.
// Every exit needs a fresh quote; without one the position is skipped until
// the next pass. Take-profit, stop-loss, and the time limit are judged on the
// raw mark-to-market move; only the hard stop uses the slippage-adjusted
// price, since it bounds the worst realized loss. Priority when several trip
// at once: hard stop, take profit, stop loss, time.
func (m *Monitor) decide(p domain.Position, price float64, fresh bool, now time.Time) (string, float64) {
	if !fresh {
		return "", 0
	}

	pnlPct := (price - p.EntryPrice) / p.EntryPrice
	realizedPct := (price*(1-m.params.Slippage) - p.EntryPrice) / p.EntryPrice

	switch {
	case realizedPct <= -m.params.HardStop:
		return domain.ExitReasonHardStop, price
	case pnlPct >= m.params.TakeProfit:
		return domain.ExitReasonTakeProfit, price
	case pnlPct <= -m.params.StopLoss:
		return domain.ExitReasonStopLoss, price
	}

	if m.params.MaxHold > 0 && now.Sub(p.EntryAt) >= m.params.MaxHold {
		return domain.ExitReasonTimeLimit, price
	}
	return "", 0
}
