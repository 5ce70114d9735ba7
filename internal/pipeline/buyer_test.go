package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

func testBuyerParams() BuyerParams {
	return BuyerParams{
		Strategy:    "test",
		BatchSize:   25,
		MaxOrderUSD: 200,
		Paper:       true,
	}
}

func buyIntent(id int64) domain.TradeIntent {
	return domain.TradeIntent{
		ID:         id,
		Strategy:   "test",
		MarketID:   "m1",
		Outcome:    0,
		Side:       "buy",
		LimitPrice: 0.40,
		SizeUSD:    100,
		Source:     domain.IntentSourceScanner,
		Status:     domain.IntentStatusNew,
	}
}

func TestBuyer_CreatesAndLinksOrder(t *testing.T) {
	t.Parallel()

	intents := &stubIntents{pending: []domain.TradeIntent{buyIntent(7)}}
	b := NewBuyer(testBuyerParams(), intents, testLogger())

	require.NoError(t, b.RunPass(context.Background()))

	require.Len(t, intents.ops.inserted, 1)
	o := intents.ops.inserted[0]
	assert.Equal(t, domain.OrderSideBuy, o.Side)
	assert.Equal(t, domain.OrderStatusSubmitted, o.Status)
	assert.True(t, o.Paper)
	assert.Equal(t, int64(7), o.IntentID)
	// Quantity converts the USD size at the limit price.
	assert.InDelta(t, 250, o.Quantity, 1e-9)
	assert.InDelta(t, 0.40, o.LimitPrice, 1e-9)

	assert.Equal(t, int64(1), intents.ops.linked[7])
	assert.Empty(t, intents.ops.marks)
}

func TestBuyer_ClampsOversizedIntentToCap(t *testing.T) {
	t.Parallel()

	it := buyIntent(7)
	it.SizeUSD = 500
	intents := &stubIntents{pending: []domain.TradeIntent{it}}
	b := NewBuyer(testBuyerParams(), intents, testLogger())

	require.NoError(t, b.RunPass(context.Background()))

	require.Len(t, intents.ops.inserted, 1)
	// 500 USD requested, capped at 200, 200/0.40 shares.
	assert.InDelta(t, 500, intents.ops.inserted[0].Quantity, 1e-9)
	assert.Equal(t, int64(1), intents.ops.linked[7])
	assert.Empty(t, intents.ops.marks)
}

func TestBuyer_AdoptsOrderFromConcurrentClaimer(t *testing.T) {
	t.Parallel()

	intents := &stubIntents{
		pending: []domain.TradeIntent{buyIntent(7)},
		ops:     newStubClaimOps(),
	}
	// Another claimer already inserted the order for this intent key; the
	// insert reports created=false and hands back the existing id.
	intents.ops.existingOrderID = 42

	b := NewBuyer(testBuyerParams(), intents, testLogger())
	require.NoError(t, b.RunPass(context.Background()))

	assert.Empty(t, intents.ops.inserted)
	assert.Equal(t, int64(42), intents.ops.linked[7])
	assert.Empty(t, intents.ops.marks)
}

func TestBuyer_SkipsAndErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		params     BuyerParams
		mutate     func(it *domain.TradeIntent)
		setup      func(ops *stubClaimOps)
		wantStatus domain.IntentStatus
		wantNote   string
	}{
		{
			name:       "exit intents are not buys",
			params:     testBuyerParams(),
			mutate:     func(it *domain.TradeIntent) { it.Side = "exit_9" },
			wantStatus: domain.IntentStatusSkipped,
			wantNote:   "not_a_buy",
		},
		{
			name:       "neither live nor paper",
			params:     BuyerParams{Strategy: "test", BatchSize: 25, MaxOrderUSD: 200},
			wantStatus: domain.IntentStatusSkipped,
			wantNote:   "live_disabled",
		},
		{
			name:       "non-positive size",
			params:     testBuyerParams(),
			mutate:     func(it *domain.TradeIntent) { it.SizeUSD = 0 },
			wantStatus: domain.IntentStatusSkipped,
			wantNote:   "non_positive_size",
		},
		{
			name:       "nonsense limit price",
			params:     testBuyerParams(),
			mutate:     func(it *domain.TradeIntent) { it.LimitPrice = 0 },
			wantStatus: domain.IntentStatusError,
			wantNote:   "bad_limit_price",
		},
		{
			name:       "active order for pair dedupes",
			params:     testBuyerParams(),
			setup:      func(ops *stubClaimOps) { ops.activeBuy = true },
			wantStatus: domain.IntentStatusSkipped,
			wantNote:   "dedupe_existing_order",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			it := buyIntent(1)
			if tt.mutate != nil {
				tt.mutate(&it)
			}
			intents := &stubIntents{pending: []domain.TradeIntent{it}, ops: newStubClaimOps()}
			if tt.setup != nil {
				tt.setup(intents.ops)
			}

			b := NewBuyer(tt.params, intents, testLogger())
			require.NoError(t, b.RunPass(context.Background()))

			assert.Empty(t, intents.ops.inserted)
			mark, ok := intents.ops.marks[1]
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, mark.status)
			assert.Equal(t, tt.wantNote, mark.note)
		})
	}
}
