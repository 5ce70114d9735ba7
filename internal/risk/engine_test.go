package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngineParams() Params {
	return Params{
		Strategy:         "test",
		BasePositionUSD:  100,
		DrawdownFraction: 0.75,
		HardStopFraction: 0.20,
		Slippage:         0,
		StaleBanFor:      30 * time.Minute,
		PriceStaleAfter:  time.Hour,
	}
}

type stubStates struct {
	domain.RiskStateStore
	states  map[string]domain.MarketRiskState
	upserts int
}

func newStubStates() *stubStates {
	return &stubStates{states: make(map[string]domain.MarketRiskState)}
}

func (s *stubStates) Get(ctx context.Context, strategy, marketID string) (domain.MarketRiskState, error) {
	st, ok := s.states[marketID]
	if !ok {
		return domain.MarketRiskState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *stubStates) Upsert(ctx context.Context, st domain.MarketRiskState) error {
	s.states[st.MarketID] = st
	s.upserts++
	return nil
}

func (s *stubStates) ListBanned(ctx context.Context, strategy string) ([]domain.MarketRiskState, error) {
	var out []domain.MarketRiskState
	for _, st := range s.states {
		if st.Banned {
			out = append(out, st)
		}
	}
	return out, nil
}

type closeCall struct {
	exitPrice float64
	reason    string
	pnl       float64
}

type stubPositions struct {
	domain.PositionStore
	realized map[string]float64
	open     []domain.Position
	closes   map[int64]closeCall
}

func (s *stubPositions) RealizedPnLByMarket(ctx context.Context, strategy, marketID string) (float64, error) {
	return s.realized[marketID], nil
}

func (s *stubPositions) ListOpen(ctx context.Context, strategy string) ([]domain.Position, error) {
	return s.open, nil
}

func (s *stubPositions) ListOpenOrClosing(ctx context.Context, strategy string) ([]domain.Position, error) {
	return s.open, nil
}

func (s *stubPositions) ClosePosition(ctx context.Context, id int64, exitPrice float64, exitAt time.Time, reason string, pnl float64) (bool, error) {
	if s.closes == nil {
		s.closes = make(map[int64]closeCall)
	}
	s.closes[id] = closeCall{exitPrice: exitPrice, reason: reason, pnl: pnl}
	return true, nil
}

type stubBus struct {
	published [][]byte
}

func (b *stubBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.published = append(b.published, payload)
	return nil
}

func (b *stubBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func newTestEngine(states *stubStates, positions *stubPositions, bus *stubBus, now time.Time) *Engine {
	var pub *Publisher
	if bus != nil {
		pub = NewPublisher(bus, testLogger())
	}
	e := NewEngine(testEngineParams(), positions, states, pub, testLogger())
	e.now = func() time.Time { return now }
	return e
}

func TestAllowed_UnknownMarket(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newStubStates(), &stubPositions{}, nil, time.Now())
	ok, err := e.Allowed(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowed_TemporaryBanExpires(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	states := newStubStates()
	states.states["m1"] = domain.MarketRiskState{
		Strategy:     "test",
		MarketID:     "m1",
		Banned:       true,
		BannedUntil:  &expired,
		BannedReason: domain.BanReasonStalePrice,
	}

	e := newTestEngine(states, &stubPositions{}, nil, now)
	ok, err := e.Allowed(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	st := states.states["m1"]
	assert.False(t, st.Banned)
	assert.Nil(t, st.BannedUntil)
	assert.Empty(t, st.BannedReason)
}

func TestAllowed_ActiveBans(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	states := newStubStates()
	states.states["temp"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "temp",
		Banned: true, BannedUntil: &future, BannedReason: domain.BanReasonStalePrice,
	}
	states.states["perm"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "perm",
		Banned: true, BannedReason: domain.BanReasonDrawdown,
	}

	e := newTestEngine(states, &stubPositions{}, nil, now)
	for _, market := range []string{"temp", "perm"} {
		ok, err := e.Allowed(context.Background(), market)
		require.NoError(t, err)
		assert.False(t, ok, market)
	}
}

func TestBanTemporary_IdempotentWhileInForce(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	states := newStubStates()
	e := newTestEngine(states, &stubPositions{}, nil, now)

	require.NoError(t, e.BanTemporary(context.Background(), "m1", domain.BanReasonStalePrice))
	require.Equal(t, 1, states.upserts)

	st := states.states["m1"]
	require.True(t, st.Banned)
	require.NotNil(t, st.BannedUntil)
	assert.Equal(t, now.Add(30*time.Minute), *st.BannedUntil)

	// Same reason while the ban is still in force: no extra write.
	require.NoError(t, e.BanTemporary(context.Background(), "m1", domain.BanReasonStalePrice))
	assert.Equal(t, 1, states.upserts)
}

func TestBanTemporary_NeverDowngradesPermanentBan(t *testing.T) {
	t.Parallel()

	states := newStubStates()
	states.states["m1"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "m1",
		Banned: true, BannedReason: domain.BanReasonDrawdown,
	}

	e := newTestEngine(states, &stubPositions{}, nil, time.Now())
	require.NoError(t, e.BanTemporary(context.Background(), "m1", domain.BanReasonStalePrice))

	st := states.states["m1"]
	assert.True(t, st.PermanentlyBanned())
	assert.Equal(t, domain.BanReasonDrawdown, st.BannedReason)
	assert.Zero(t, states.upserts)
}

func TestEvaluateMarket_DrawdownThreshold(t *testing.T) {
	t.Parallel()

	// drawdown_fraction 0.75 of a 100 USD base position bans at 75 USD below
	// the peak.
	tests := []struct {
		name     string
		realized float64
		wantBan  bool
	}{
		{"below threshold stays open", -24, false},
		{"at threshold bans", -25, true},
		{"past threshold bans", -26, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			states := newStubStates()
			states.states["m1"] = domain.MarketRiskState{
				Strategy: "test", MarketID: "m1", PeakEquity: 50,
			}
			positions := &stubPositions{realized: map[string]float64{"m1": tt.realized}}

			e := newTestEngine(states, positions, nil, now)
			st, err := e.EvaluateMarket(context.Background(), "m1", nil, nil)
			require.NoError(t, err)

			assert.InDelta(t, tt.realized, st.LastEquity, 1e-9)
			assert.InDelta(t, 50, st.PeakEquity, 1e-9)
			assert.Equal(t, tt.wantBan, st.Banned)
			if tt.wantBan {
				assert.True(t, st.PermanentlyBanned())
				assert.Equal(t, domain.BanReasonDrawdown, st.BannedReason)
			}
		})
	}
}

func TestEvaluateMarket_PeakAdvances(t *testing.T) {
	t.Parallel()

	states := newStubStates()
	positions := &stubPositions{realized: map[string]float64{"m1": 40}}

	e := newTestEngine(states, positions, nil, time.Now())
	st, err := e.EvaluateMarket(context.Background(), "m1", nil, nil)
	require.NoError(t, err)

	assert.InDelta(t, 40, st.PeakEquity, 1e-9)
	assert.InDelta(t, 40, st.LastEquity, 1e-9)
	assert.False(t, st.Banned)
}

func TestEvaluateMarket_BanEventFiresOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	states := newStubStates()
	states.states["m1"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "m1", PeakEquity: 100,
	}
	positions := &stubPositions{realized: map[string]float64{"m1": -10}}
	bus := &stubBus{}

	e := newTestEngine(states, positions, bus, now)

	_, err := e.EvaluateMarket(context.Background(), "m1", nil, nil)
	require.NoError(t, err)
	require.Len(t, bus.published, 1)

	// Re-evaluating an already banned market publishes nothing new.
	_, err = e.EvaluateMarket(context.Background(), "m1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, bus.published, 1)
}

func TestComputeEquity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	params := testEngineParams()
	open := []domain.Position{
		{ID: 1, MarketID: "m1", Outcome: 0, EntryPrice: 0.40, Size: 250},
	}

	t.Run("fresh price marks to market", func(t *testing.T) {
		t.Parallel()
		prices := map[domain.Pair]domain.PricePoint{
			{MarketID: "m1", Outcome: 0}: {Price: 0.46, At: now.Add(-time.Minute)},
		}
		equity := ComputeEquity(params, 0, open, prices, now)
		assert.InDelta(t, 15.00, equity, 1e-9)
	})

	t.Run("stale price uses conservative fallback", func(t *testing.T) {
		t.Parallel()
		prices := map[domain.Pair]domain.PricePoint{
			{MarketID: "m1", Outcome: 0}: {Price: 0.46, At: now.Add(-2 * time.Hour)},
		}
		// Fallback marks at entry*(1-hard_stop): 0.32, a 20 USD loss.
		equity := ComputeEquity(params, 0, open, prices, now)
		assert.InDelta(t, -20.00, equity, 1e-9)
	})

	t.Run("realized pnl carries through", func(t *testing.T) {
		t.Parallel()
		prices := map[domain.Pair]domain.PricePoint{
			{MarketID: "m1", Outcome: 0}: {Price: 0.40, At: now.Add(-time.Minute)},
		}
		equity := ComputeEquity(params, -12.5, open, prices, now)
		assert.InDelta(t, -12.5, equity, 1e-9)
	})
}

func TestForceLiquidate_ClosesOnlyBannedMarkets(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	states := newStubStates()
	states.states["banned"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "banned",
		Banned: true, BannedReason: domain.BanReasonDrawdown,
	}
	until := now.Add(time.Hour)
	states.states["cooling"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "cooling",
		Banned: true, BannedUntil: &until, BannedReason: domain.BanReasonStalePrice,
	}

	positions := &stubPositions{open: []domain.Position{
		{ID: 1, MarketID: "banned", Outcome: 0, EntryPrice: 0.40, Size: 250},
		{ID: 2, MarketID: "cooling", Outcome: 0, EntryPrice: 0.40, Size: 250},
		{ID: 3, MarketID: "healthy", Outcome: 0, EntryPrice: 0.40, Size: 250},
	}}

	prices := map[domain.Pair]domain.PricePoint{
		{MarketID: "banned", Outcome: 0}: {Price: 0.46, At: now.Add(-time.Minute)},
	}

	e := newTestEngine(states, positions, nil, now)
	closed, err := e.ForceLiquidate(context.Background(), prices)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	require.Len(t, positions.closes, 1)
	call := positions.closes[1]
	assert.Equal(t, domain.ExitReasonMarketKill, call.reason)
	assert.InDelta(t, 0.46, call.exitPrice, 1e-9)
	assert.InDelta(t, 15.00, call.pnl, 1e-9)
}

func TestForceLiquidate_MissingPriceUsesFallback(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	states := newStubStates()
	states.states["banned"] = domain.MarketRiskState{
		Strategy: "test", MarketID: "banned",
		Banned: true, BannedReason: domain.BanReasonDrawdown,
	}
	positions := &stubPositions{open: []domain.Position{
		{ID: 1, MarketID: "banned", Outcome: 0, EntryPrice: 0.40, Size: 250},
	}}

	e := newTestEngine(states, positions, nil, now)
	closed, err := e.ForceLiquidate(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	call := positions.closes[1]
	assert.InDelta(t, 0.32, call.exitPrice, 1e-9)
	assert.InDelta(t, -20.00, call.pnl, 1e-9)
}
