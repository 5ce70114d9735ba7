package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// OpenerParams bound the live position opener.
type OpenerParams struct {
	Strategy string

	// Lookback bounds how old a matched buy may be and still spawn a
	// position. Orders older than this are assumed handled or abandoned.
	Lookback time.Duration
}

// Opener creates positions from matched buy orders that no position
// references yet. In live mode the order fills, not the scanner, are the
// source of truth for entry price and size.
type Opener struct {
	params    OpenerParams
	positions domain.PositionStore
	orders    domain.OrderStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewOpener creates an Opener.
func NewOpener(params OpenerParams, positions domain.PositionStore, orders domain.OrderStore, logger *slog.Logger) *Opener {
	return &Opener{
		params:    params,
		positions: positions,
		orders:    orders,
		logger:    logger.With(slog.String("component", "opener")),
		now:       time.Now,
	}
}

// RunPass opens a position for every recent matched buy without one.
func (o *Opener) RunPass(ctx context.Context) error {
	since := o.now().Add(-o.params.Lookback)
	buys, err := o.orders.ListMatchedBuysWithoutPosition(ctx, o.params.Strategy, since)
	if err != nil {
		return fmt.Errorf("pipeline: list matched buys: %w", err)
	}
	for _, buy := range buys {
		if err := o.open(ctx, buy); err != nil {
			o.logger.ErrorContext(ctx, "open from matched buy failed",
				slog.Int64("order", buy.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (o *Opener) open(ctx context.Context, buy domain.Order) error {
	agg, err := o.orders.AggregateFills(ctx, buy.ID)
	if err != nil {
		return err
	}
	if agg.Empty() {
		return nil
	}

	buyID := buy.ID
	id, err := o.positions.Create(ctx, domain.Position{
		Strategy:   buy.Strategy,
		MarketID:   buy.MarketID,
		Outcome:    buy.Outcome,
		Side:       domain.SideLong,
		EntryPrice: agg.VWAP,
		EntryAt:    agg.LastAt,
		Size:       agg.Qty,
		Status:     domain.PositionStatusOpen,
		Paper:      buy.Paper,
		BuyOrderID: &buyID,
	})
	if err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "position opened from fills",
		slog.Int64("position", id),
		slog.Int64("order", buy.ID),
		slog.String("market", buy.MarketID),
		slog.Int("outcome", buy.Outcome),
		slog.Float64("entry_vwap", agg.VWAP),
		slog.Float64("qty", agg.Qty),
	)
	return nil
}
