package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// FillCheckerParams bound the fill checker.
type FillCheckerParams struct {
	BatchSize int
	Paper     bool
}

// FillChecker advances live orders by polling the venue for fills and status,
// and in paper mode fills submitted paper orders instantly at their limit.
type FillChecker struct {
	params FillCheckerParams
	orders domain.OrderStore
	venue  Venue
	logger *slog.Logger
	now    func() time.Time
}

// NewFillChecker creates a FillChecker. venue may be nil in paper mode.
func NewFillChecker(params FillCheckerParams, orders domain.OrderStore, venue Venue, logger *slog.Logger) *FillChecker {
	return &FillChecker{
		params: params,
		orders: orders,
		venue:  venue,
		logger: logger.With(slog.String("component", "fillchecker")),
		now:    time.Now,
	}
}

// RunPass checks one batch of live orders, and fills paper orders when paper
// mode is on.
func (f *FillChecker) RunPass(ctx context.Context) error {
	if f.params.Paper {
		if err := f.fillPaper(ctx); err != nil {
			return err
		}
	}
	if f.venue == nil {
		return nil
	}

	live, err := f.orders.ListByStatus(ctx, domain.OrderStatusLive, f.params.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: list live orders: %w", err)
	}
	for _, o := range live {
		if err := f.check(ctx, o); err != nil {
			f.logger.ErrorContext(ctx, "fill check failed",
				slog.Int64("order", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// check pulls the venue fills for one order and records the unrecorded
// remainder as a delta fill, then advances terminal statuses.
func (f *FillChecker) check(ctx context.Context, o domain.Order) error {
	venueID := o.VenueOrderID()
	if venueID == "" {
		return fmt.Errorf("live order %d has no venue order id", o.ID)
	}

	fills, err := f.venue.Fills(ctx, venueID)
	if err != nil {
		return err
	}

	var venueQty, venueNotional float64
	lastAt := time.Time{}
	for _, fill := range fills {
		venueQty += fill.Qty
		venueNotional += fill.Qty * fill.Price
		if fill.At.After(lastAt) {
			lastAt = fill.At
		}
	}

	local, err := f.orders.AggregateFills(ctx, o.ID)
	if err != nil {
		return err
	}

	const eps = 1e-9
	if delta := venueQty - local.Qty; delta > eps && venueQty > 0 {
		// Record the unseen quantity as one fill at the venue's overall VWAP.
		if lastAt.IsZero() {
			lastAt = f.now().UTC()
		}
		if err := f.orders.InsertFill(ctx, domain.Fill{
			OrderID: o.ID,
			Qty:     delta,
			Price:   venueNotional / venueQty,
			Paper:   false,
			At:      lastAt,
		}); err != nil {
			return err
		}
		// Surface partial-fill progress on the order row for SQL inspection.
		if err := f.orders.MergeMetadata(ctx, o.ID, map[string]any{
			"venue_matched_qty": venueQty,
		}); err != nil {
			return err
		}
		f.logger.InfoContext(ctx, "fill recorded",
			slog.Int64("order", o.ID),
			slog.Float64("qty", delta),
			slog.Float64("total_qty", venueQty),
		)
	}

	status, err := f.venue.OrderStatus(ctx, venueID)
	if err != nil {
		return err
	}
	switch strings.ToUpper(status) {
	case "MATCHED":
		return f.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusMatched)
	case "CANCELED", "CANCELLED":
		if venueQty > eps {
			// Partially filled before cancel still settles on what filled.
			return f.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusMatched)
		}
		return f.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCanceled)
	}
	return nil
}

// fillPaper instantly fills submitted paper orders at their limit price.
func (f *FillChecker) fillPaper(ctx context.Context) error {
	submitted, err := f.orders.ListByStatus(ctx, domain.OrderStatusSubmitted, f.params.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: list submitted orders: %w", err)
	}
	for _, o := range submitted {
		if !o.Paper {
			continue
		}
		if err := f.orders.InsertFill(ctx, domain.Fill{
			OrderID: o.ID,
			Qty:     o.Quantity,
			Price:   o.LimitPrice,
			Paper:   true,
			At:      f.now().UTC(),
		}); err != nil {
			return err
		}
		if err := f.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusMatched); err != nil {
			return err
		}
		f.logger.InfoContext(ctx, "paper order filled",
			slog.Int64("order", o.ID),
			slog.Float64("qty", o.Quantity),
			slog.Float64("price", o.LimitPrice),
		)
	}
	return nil
}
