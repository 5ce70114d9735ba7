package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmquant/polyrev/internal/domain"
)

// CancelerParams bound the cancel worker.
type CancelerParams struct {
	BatchSize int
}

// Canceler processes cancel-requested orders against the venue.
type Canceler struct {
	params CancelerParams
	orders domain.OrderStore
	venue  Venue
	logger *slog.Logger
}

// NewCanceler creates a Canceler.
func NewCanceler(params CancelerParams, orders domain.OrderStore, venue Venue, logger *slog.Logger) *Canceler {
	return &Canceler{
		params: params,
		orders: orders,
		venue:  venue,
		logger: logger.With(slog.String("component", "canceler")),
	}
}

// RunPass cancels one batch of cancel-requested orders. Failures are recorded
// on the order, not retried blindly.
func (c *Canceler) RunPass(ctx context.Context) error {
	pending, err := c.orders.ListByStatus(ctx, domain.OrderStatusCancelRequested, c.params.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: list cancel-requested: %w", err)
	}
	for _, o := range pending {
		if err := c.cancel(ctx, o); err != nil {
			c.logger.ErrorContext(ctx, "cancel failed",
				slog.Int64("order", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (c *Canceler) cancel(ctx context.Context, o domain.Order) error {
	venueID := o.VenueOrderID()
	if venueID == "" {
		// Never reached the venue; nothing to cancel there.
		return c.orders.SetStatusMeta(ctx, o.ID, domain.OrderStatusCanceled, map[string]any{
			"cancel_note": "never_posted",
		})
	}

	if err := c.venue.CancelOrder(ctx, venueID); err != nil {
		if metaErr := c.orders.SetStatusMeta(ctx, o.ID, domain.OrderStatusCancelFailed, map[string]any{
			"cancel_error": err.Error(),
		}); metaErr != nil {
			return metaErr
		}
		return err
	}

	if err := c.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCanceled); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "order canceled",
		slog.Int64("order", o.ID),
		slog.String("venue_order_id", venueID),
	)
	return nil
}
