package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

func TestCanceler_NeverPostedOrderCancelsLocally(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	orders.byStatus[domain.OrderStatusCancelRequested] = []domain.Order{
		{ID: 1, Status: domain.OrderStatusCancelRequested},
	}
	venue := &stubVenue{}

	c := NewCanceler(CancelerParams{BatchSize: 50}, orders, venue, testLogger())
	require.NoError(t, c.RunPass(context.Background()))

	assert.Equal(t, domain.OrderStatusCanceled, orders.statuses[1])
	assert.Equal(t, "never_posted", orders.metas[1]["cancel_note"])
	assert.Empty(t, venue.canceled)
}

func TestCanceler_CancelsAtVenue(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	orders.byStatus[domain.OrderStatusCancelRequested] = []domain.Order{
		{ID: 1, Status: domain.OrderStatusCancelRequested, Metadata: map[string]any{"venue_order_id": "v-1"}},
	}
	venue := &stubVenue{}

	c := NewCanceler(CancelerParams{BatchSize: 50}, orders, venue, testLogger())
	require.NoError(t, c.RunPass(context.Background()))

	assert.Equal(t, []string{"v-1"}, venue.canceled)
	assert.Equal(t, domain.OrderStatusCanceled, orders.statuses[1])
}

func TestCanceler_RecordsVenueFailure(t *testing.T) {
	t.Parallel()

	orders := newStubOrders()
	orders.byStatus[domain.OrderStatusCancelRequested] = []domain.Order{
		{ID: 1, Status: domain.OrderStatusCancelRequested, Metadata: map[string]any{"venue_order_id": "v-1"}},
	}
	venue := &stubVenue{cancelErr: errors.New("order already filled")}

	c := NewCanceler(CancelerParams{BatchSize: 50}, orders, venue, testLogger())
	// Per-order failures are logged; the pass itself succeeds.
	require.NoError(t, c.RunPass(context.Background()))

	assert.Equal(t, domain.OrderStatusCancelFailed, orders.statuses[1])
	assert.Equal(t, "order already filled", orders.metas[1]["cancel_error"])
}
