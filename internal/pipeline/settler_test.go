package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/risk"
)

func matchedSell(positionID int64) domain.Order {
	return domain.Order{
		ID:         9,
		Strategy:   "test",
		MarketID:   "m1",
		Outcome:    0,
		Side:       domain.OrderSideSell,
		Status:     domain.OrderStatusMatched,
		PositionID: &positionID,
	}
}

func TestSettler_SettlesAtFillVWAP(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	positions.positions[1] = domain.Position{
		ID:         1,
		Strategy:   "test",
		MarketID:   "m1",
		EntryPrice: 0.40,
		Size:       250,
		Status:     domain.PositionStatusClosing,
		ExitReason: domain.ExitReasonTakeProfit,
	}
	orders := newStubOrders()
	orders.matchedSells = []domain.Order{matchedSell(1)}
	lastAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	orders.aggs[9] = domain.FillAggregate{Qty: 250, VWAP: 0.46, LastAt: lastAt}
	bus := &stubBus{}

	s := NewSettler(SettlerParams{Strategy: "test", BatchSize: 50},
		positions, orders, risk.NewPublisher(bus, testLogger()), testLogger())

	require.NoError(t, s.RunPass(context.Background()))

	call, ok := positions.settles[1]
	require.True(t, ok)
	assert.Equal(t, int64(9), call.orderID)
	assert.InDelta(t, 0.46, call.exitPrice, 1e-9)
	assert.InDelta(t, 15.0, call.pnl, 1e-9)

	require.Len(t, bus.published, 1)
	var ev risk.Event
	require.NoError(t, json.Unmarshal(bus.published[0], &ev))
	assert.Equal(t, risk.EventPositionClosed, ev.Type)
	assert.Equal(t, "m1", ev.MarketID)
	assert.Equal(t, domain.ExitReasonTakeProfit, ev.Detail["reason"])
}

func TestSettler_WaitsForFills(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	orders := newStubOrders()
	orders.matchedSells = []domain.Order{matchedSell(1)}
	bus := &stubBus{}

	s := NewSettler(SettlerParams{Strategy: "test", BatchSize: 50},
		positions, orders, risk.NewPublisher(bus, testLogger()), testLogger())

	require.NoError(t, s.RunPass(context.Background()))

	assert.Empty(t, positions.settles)
	assert.Empty(t, bus.published)
}

func TestSettler_AlreadyClosedPublishesNothing(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	positions.settleOK = false
	positions.positions[1] = domain.Position{ID: 1, MarketID: "m1", EntryPrice: 0.40}
	orders := newStubOrders()
	orders.matchedSells = []domain.Order{matchedSell(1)}
	orders.aggs[9] = domain.FillAggregate{Qty: 250, VWAP: 0.46, LastAt: time.Now()}
	bus := &stubBus{}

	s := NewSettler(SettlerParams{Strategy: "test", BatchSize: 50},
		positions, orders, risk.NewPublisher(bus, testLogger()), testLogger())

	require.NoError(t, s.RunPass(context.Background()))

	assert.Len(t, positions.settles, 1)
	assert.Empty(t, bus.published)
}

func TestSettler_MissingPositionLinkSkips(t *testing.T) {
	t.Parallel()

	positions := newStubPositions()
	orders := newStubOrders()
	orders.matchedSells = []domain.Order{{ID: 9, Status: domain.OrderStatusMatched}}

	s := NewSettler(SettlerParams{Strategy: "test", BatchSize: 50},
		positions, orders, nil, testLogger())

	// The broken row is logged and skipped, not escalated.
	require.NoError(t, s.RunPass(context.Background()))
	assert.Empty(t, positions.settles)
}
