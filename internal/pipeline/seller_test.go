package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/pricing"
)

func testSellerParams() SellerParams {
	return SellerParams{
		Strategy:         "test",
		BatchSize:        50,
		StopMargin:       0.01,
		EntryMatchWindow: time.Hour,
		PriceStaleAfter:  time.Hour,
		Paper:            true,
	}
}

type sellerFixture struct {
	positions *stubPositions
	orders    *stubOrders
	intents   *stubIntents
	trades    *sellerTrades
	seller    *Seller
	now       time.Time
}

// sellerTrades serves the price lookup the stop-exit limit calculation does.
type sellerTrades struct {
	domain.TradeStore
	latest map[domain.Pair]domain.PricePoint
}

func (s *sellerTrades) LatestPrices(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]domain.PricePoint, error) {
	out := make(map[domain.Pair]domain.PricePoint)
	for _, p := range pairs {
		if pp, ok := s.latest[p]; ok {
			out[p] = pp
		}
	}
	return out, nil
}

func newSellerFixture(t *testing.T) *sellerFixture {
	t.Helper()
	f := &sellerFixture{
		positions: newStubPositions(),
		orders:    newStubOrders(),
		intents:   &stubIntents{},
		trades:    &sellerTrades{latest: map[domain.Pair]domain.PricePoint{}},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.seller = NewSeller(testSellerParams(), f.positions, f.orders, f.intents,
		pricing.NewSource(f.trades, nil, testLogger()), testLogger())
	f.seller.now = func() time.Time { return f.now }
	return f
}

func flaggedPosition(reason string, signal float64) domain.Position {
	return domain.Position{
		ID:              1,
		Strategy:        "test",
		MarketID:        "m1",
		Outcome:         0,
		EntryPrice:      0.40,
		EntryAt:         time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Size:            250,
		Status:          domain.PositionStatusOpen,
		ExitReason:      reason,
		ExitSignalPrice: &signal,
	}
}

func TestSeller_TakeProfitSellsAtSignalPrice(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonTakeProfit, 0.48)}

	require.NoError(t, f.seller.RunPass(context.Background()))

	require.Len(t, f.intents.upserted, 1)
	it := f.intents.upserted[0]
	assert.Equal(t, "exit_1", it.Side)
	assert.Equal(t, domain.IntentSourcePositionExit, it.Source)
	assert.Equal(t, domain.IntentStatusQueued, it.Status)
	assert.Equal(t, domain.ExitReasonTakeProfit, it.Note)
	assert.InDelta(t, 0.48, it.LimitPrice, 1e-9)

	require.Len(t, f.orders.inserted, 1)
	o := f.orders.inserted[0]
	assert.Equal(t, domain.OrderSideSell, o.Side)
	assert.Equal(t, domain.OrderStatusSubmitted, o.Status)
	require.NotNil(t, o.PositionID)
	assert.Equal(t, int64(1), *o.PositionID)
	assert.InDelta(t, 250, o.Quantity, 1e-9)
	assert.InDelta(t, 0.48, o.LimitPrice, 1e-9)
	assert.Equal(t, domain.ExitReasonTakeProfit, o.Metadata["exit_reason"])

	assert.Equal(t, []int64{1}, f.positions.closing)
}

func TestSeller_StopExitPricesOffFreshQuote(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonStopLoss, 0.34)}
	f.trades.latest[domain.Pair{MarketID: "m1", Outcome: 0}] = domain.PricePoint{
		Price: 0.33, At: f.now.Add(-time.Minute),
	}

	require.NoError(t, f.seller.RunPass(context.Background()))

	require.Len(t, f.orders.inserted, 1)
	// Fresh quote shaved by the stop margin so the sell crosses the book.
	assert.InDelta(t, 0.33*0.99, f.orders.inserted[0].LimitPrice, 1e-9)
}

func TestSeller_StopExitFallsBackToSignalWhenStale(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonStopLoss, 0.34)}
	f.trades.latest[domain.Pair{MarketID: "m1", Outcome: 0}] = domain.PricePoint{
		Price: 0.33, At: f.now.Add(-2 * time.Hour),
	}

	require.NoError(t, f.seller.RunPass(context.Background()))

	require.Len(t, f.orders.inserted, 1)
	assert.InDelta(t, 0.34*0.99, f.orders.inserted[0].LimitPrice, 1e-9)
}

func TestSeller_QuantityPrefersLinkedFills(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonTakeProfit, 0.48)}
	f.orders.filledQty[1] = 123.5

	require.NoError(t, f.seller.RunPass(context.Background()))

	require.Len(t, f.orders.inserted, 1)
	assert.InDelta(t, 123.5, f.orders.inserted[0].Quantity, 1e-9)
}

func TestSeller_QuantityFallsBackToNearestMatchedBuy(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonTakeProfit, 0.48)}
	f.orders.nearestBuy = &domain.Order{ID: 42}
	f.orders.aggs[42] = domain.FillAggregate{Qty: 240, VWAP: 0.41, LastAt: f.now.Add(-2 * time.Hour)}

	require.NoError(t, f.seller.RunPass(context.Background()))

	require.Len(t, f.orders.inserted, 1)
	assert.InDelta(t, 240, f.orders.inserted[0].Quantity, 1e-9)
}

func TestSeller_ActiveSellRaceGuard(t *testing.T) {
	t.Parallel()

	f := newSellerFixture(t)
	f.positions.flagged = []domain.Position{flaggedPosition(domain.ExitReasonTakeProfit, 0.48)}
	f.orders.activeSell[1] = true

	require.NoError(t, f.seller.RunPass(context.Background()))

	assert.Empty(t, f.intents.upserted)
	assert.Empty(t, f.orders.inserted)
	assert.Empty(t, f.positions.closing)
}
