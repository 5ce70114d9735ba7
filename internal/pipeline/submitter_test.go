package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

func testSubmitterParams() SubmitterParams {
	return SubmitterParams{
		MaxOrderUSD:    200,
		MinNotionalUSD: 5,
		SubmitCooldown: time.Minute,
		OnePerMarket:   true,
	}
}

func submittableOrder() domain.Order {
	return domain.Order{
		ID:         1,
		Strategy:   "test",
		MarketID:   "m1",
		Outcome:    0,
		Side:       domain.OrderSideBuy,
		Quantity:   250,
		LimitPrice: 0.40,
		Status:     domain.OrderStatusSubmitted,
	}
}

func orderableMarkets() *stubMarkets {
	return &stubMarkets{markets: map[string]domain.Market{
		"m1": {ID: "m1", TokenIDs: []string{"tok0", "tok1"}, Active: true},
	}}
}

func TestSubmitter_PostsOrderAndGoesLive(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	o := submittableOrder()
	orders.next = &o
	venue := &stubVenue{postID: "v-1", orderable: true}

	s := NewSubmitter(testSubmitterParams(), orders, orderableMarkets(), venue, testLogger())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RunPass(context.Background()))

	require.Len(t, venue.posted, 1)
	req := venue.posted[0]
	assert.Equal(t, "tok0", req.TokenID)
	assert.Equal(t, domain.OrderSideBuy, req.Side)
	assert.InDelta(t, 0.40, req.Price, 1e-9)
	assert.InDelta(t, 250, req.Size, 1e-9)

	assert.Equal(t, domain.OrderStatusLive, orders.statuses[1])
	assert.Equal(t, "v-1", orders.metas[1]["venue_order_id"])
	assert.Equal(t, now.Unix(), orders.metas[1]["post_ts"])
	assert.InDelta(t, 100.0, orders.metas[1]["notional"].(float64), 1e-9)
}

func TestSubmitter_SkipReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(o *domain.Order, markets *stubMarkets, venue *stubVenue)
		reason string
	}{
		{
			name: "below min notional",
			mutate: func(o *domain.Order, _ *stubMarkets, _ *stubVenue) {
				o.Quantity = 10
			},
			reason: "below_min_notional_5.00",
		},
		{
			name: "above order cap",
			mutate: func(o *domain.Order, _ *stubMarkets, _ *stubVenue) {
				o.Quantity = 600
			},
			reason: "above_order_cap_200.00",
		},
		{
			name: "unknown market",
			mutate: func(_ *domain.Order, markets *stubMarkets, _ *stubVenue) {
				delete(markets.markets, "m1")
			},
			reason: "unknown_market",
		},
		{
			name: "no token id",
			mutate: func(_ *domain.Order, markets *stubMarkets, _ *stubVenue) {
				m := markets.markets["m1"]
				m.TokenIDs = nil
				markets.markets["m1"] = m
			},
			reason: "no_token_id",
		},
		{
			name: "market not orderable",
			mutate: func(_ *domain.Order, _ *stubMarkets, venue *stubVenue) {
				venue.orderable = false
			},
			reason: "market_not_orderable",
		},
		{
			name: "venue rejection is terminal",
			mutate: func(_ *domain.Order, _ *stubMarkets, venue *stubVenue) {
				venue.postErr = errors.New("order rejected: price out of band")
			},
			reason: "venue_rejected: order rejected: price out of band",
		},
		{
			name: "invalid order is terminal",
			mutate: func(_ *domain.Order, _ *stubMarkets, venue *stubVenue) {
				venue.postErr = domain.ErrInvalidOrder
			},
			reason: "venue_rejected: " + domain.ErrInvalidOrder.Error(),
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			orders := newStubOrders()
			o := submittableOrder()
			markets := orderableMarkets()
			venue := &stubVenue{postID: "v-1", orderable: true}
			tc.mutate(&o, markets, venue)
			orders.next = &o

			s := NewSubmitter(testSubmitterParams(), orders, markets, venue, testLogger())
			require.NoError(t, s.RunPass(context.Background()))

			assert.Equal(t, domain.OrderStatusSkipped, orders.statuses[1])
			assert.Equal(t, tc.reason, orders.metas[1]["skip_reason"])
		})
	}
}

func TestSubmitter_TransientPostErrorRetriesNextPass(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	o := submittableOrder()
	orders.next = &o
	venue := &stubVenue{orderable: true, postErr: errors.New("connection reset")}

	s := NewSubmitter(testSubmitterParams(), orders, orderableMarkets(), venue, testLogger())
	err := s.RunPass(context.Background())
	require.Error(t, err)
	// Status untouched so the next pass picks the order up again.
	assert.Empty(t, orders.statuses)
}

func TestSubmitter_NothingSubmittable(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	venue := &stubVenue{}

	s := NewSubmitter(testSubmitterParams(), orders, orderableMarkets(), venue, testLogger())
	require.NoError(t, s.RunPass(context.Background()))
	assert.Empty(t, venue.posted)
}
