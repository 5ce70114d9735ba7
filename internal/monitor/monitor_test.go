package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/pricing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() Params {
	return Params{
		Strategy:        "test",
		TakeProfit:      0.15,
		StopLoss:        0.15,
		HardStop:        0.30,
		MaxHold:         12 * time.Hour,
		Slippage:        0.01,
		PriceStaleAfter: time.Hour,
	}
}

type flagCall struct {
	reason      string
	signalPrice float64
}

type stubPositions struct {
	domain.PositionStore
	open  []domain.Position
	flags map[int64]flagCall
}

func (s *stubPositions) ListOpenUnflagged(ctx context.Context, strategy string) ([]domain.Position, error) {
	return s.open, nil
}

func (s *stubPositions) FlagExit(ctx context.Context, id int64, reason string, signalPrice float64) error {
	if s.flags == nil {
		s.flags = make(map[int64]flagCall)
	}
	s.flags[id] = flagCall{reason: reason, signalPrice: signalPrice}
	return nil
}

type stubTrades struct {
	domain.TradeStore
	latest map[domain.Pair]domain.PricePoint
}

func (s *stubTrades) LatestPrices(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]domain.PricePoint, error) {
	out := make(map[domain.Pair]domain.PricePoint)
	for _, p := range pairs {
		if pp, ok := s.latest[p]; ok {
			out[p] = pp
		}
	}
	return out, nil
}

func TestDecide(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	position := func(entry float64, heldFor time.Duration) domain.Position {
		return domain.Position{
			ID:         1,
			EntryPrice: entry,
			EntryAt:    now.Add(-heldFor),
			Size:       250,
		}
	}

	tests := []struct {
		name       string
		p          domain.Position
		price      float64
		fresh      bool
		wantReason string
		wantSignal float64
	}{
		{"hold", position(0.40, time.Hour), 0.40, true, "", 0},
		{"take profit", position(0.40, time.Hour), 0.48, true, domain.ExitReasonTakeProfit, 0.48},
		{"stop loss", position(0.40, time.Hour), 0.34, true, domain.ExitReasonStopLoss, 0.34},
		{"hard stop", position(0.40, time.Hour), 0.27, true, domain.ExitReasonHardStop, 0.27},
		{"hard stop beats stop loss", position(0.40, time.Hour), 0.25, true, domain.ExitReasonHardStop, 0.25},
		{"time limit fresh", position(0.40, 13*time.Hour), 0.40, true, domain.ExitReasonTimeLimit, 0.40},
		{"stale price skips time exit", position(0.40, 13*time.Hour), 0, false, "", 0},
		{"stale price no exit", position(0.40, time.Hour), 0, false, "", 0},
		// Thresholds run on the raw move, not the slippage-adjusted one:
		// 0.46 is exactly +15% and takes profit even though the net-of-
		// slippage figure would fall short.
		{"take profit at exact threshold", position(0.40, time.Hour), 0.46, true, domain.ExitReasonTakeProfit, 0.46},
		// 0.342 is -14.5% raw; slippage must not push a shallow drawdown
		// over the stop-loss line.
		{"slippage does not trip stop loss", position(0.40, time.Hour), 0.342, true, "", 0},
		// 0.2808 is -29.8% raw but -30.5% net of slippage; the hard stop
		// bounds the realized loss, so it fires on the adjusted figure.
		{"slippage trips hard stop", position(0.40, time.Hour), 0.2808, true, domain.ExitReasonHardStop, 0.2808},
	}

	m := New(testParams(), &stubPositions{}, nil, testLogger())

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reason, signal := m.decide(tt.p, tt.price, tt.fresh, now)
			assert.Equal(t, tt.wantReason, reason)
			if tt.wantReason != "" {
				assert.InDelta(t, tt.wantSignal, signal, 1e-12)
			}
		})
	}
}

func TestRunPass_FlagsOnlyTrippedPositions(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	positions := &stubPositions{
		open: []domain.Position{
			{ID: 1, MarketID: "m1", Outcome: 0, EntryPrice: 0.40, EntryAt: now.Add(-time.Hour)},
			{ID: 2, MarketID: "m2", Outcome: 1, EntryPrice: 0.50, EntryAt: now.Add(-time.Hour)},
		},
	}
	trades := &stubTrades{latest: map[domain.Pair]domain.PricePoint{
		{MarketID: "m1", Outcome: 0}: {Price: 0.48, At: now.Add(-time.Minute)},
		{MarketID: "m2", Outcome: 1}: {Price: 0.50, At: now.Add(-time.Minute)},
	}}

	m := New(testParams(), positions, pricing.NewSource(trades, nil, testLogger()), testLogger())
	m.now = func() time.Time { return now }

	require.NoError(t, m.RunPass(context.Background()))

	require.Len(t, positions.flags, 1)
	assert.Equal(t, domain.ExitReasonTakeProfit, positions.flags[1].reason)
	assert.InDelta(t, 0.48, positions.flags[1].signalPrice, 1e-12)
}

func TestRunPass_StalePriceSkipsPriceExits(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	positions := &stubPositions{
		open: []domain.Position{
			{ID: 1, MarketID: "m1", Outcome: 0, EntryPrice: 0.40, EntryAt: now.Add(-time.Hour)},
		},
	}
	// Last trade is two hours old, past the one-hour staleness cutoff.
	trades := &stubTrades{latest: map[domain.Pair]domain.PricePoint{
		{MarketID: "m1", Outcome: 0}: {Price: 0.60, At: now.Add(-2 * time.Hour)},
	}}

	m := New(testParams(), positions, pricing.NewSource(trades, nil, testLogger()), testLogger())
	m.now = func() time.Time { return now }

	require.NoError(t, m.RunPass(context.Background()))
	assert.Empty(t, positions.flags)
}
