package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/risk"
)

// SettlerParams bound the settlement pass.
type SettlerParams struct {
	Strategy  string
	BatchSize int
}

// Settler folds matched sell orders into closed positions. Realized P&L is
// computed from the fills' volume-weighted price, never from the limit price.
type Settler struct {
	params    SettlerParams
	positions domain.PositionStore
	orders    domain.OrderStore
	events    *risk.Publisher
	logger    *slog.Logger
}

// NewSettler creates a Settler. events may be nil.
func NewSettler(params SettlerParams, positions domain.PositionStore, orders domain.OrderStore, events *risk.Publisher, logger *slog.Logger) *Settler {
	return &Settler{
		params:    params,
		positions: positions,
		orders:    orders,
		events:    events,
		logger:    logger.With(slog.String("component", "settler")),
	}
}

// RunPass settles one batch of matched sell orders.
func (s *Settler) RunPass(ctx context.Context) error {
	sells, err := s.orders.ListMatchedSells(ctx, s.params.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: list matched sells: %w", err)
	}
	for _, o := range sells {
		if err := s.settle(ctx, o); err != nil {
			s.logger.ErrorContext(ctx, "settlement failed",
				slog.Int64("order", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Settler) settle(ctx context.Context, o domain.Order) error {
	if o.PositionID == nil {
		return fmt.Errorf("matched sell %d has no position link", o.ID)
	}

	agg, err := s.orders.AggregateFills(ctx, o.ID)
	if err != nil {
		return err
	}
	if agg.Empty() {
		// Matched but fills not recorded yet; the fill checker will catch up.
		return nil
	}

	p, err := s.positions.GetByID(ctx, *o.PositionID)
	if err != nil {
		return err
	}

	pnl := (agg.VWAP - p.EntryPrice) * agg.Qty
	closed, err := s.positions.SettleFromOrder(ctx, p.ID, o.ID, agg.VWAP, agg.LastAt, pnl)
	if err != nil {
		return err
	}
	if !closed {
		// Already closed by a concurrent settler or a force-liquidation; the
		// order was still marked settled.
		return nil
	}

	s.logger.InfoContext(ctx, "position settled",
		slog.Int64("position", p.ID),
		slog.Int64("order", o.ID),
		slog.String("market", p.MarketID),
		slog.Float64("exit_vwap", agg.VWAP),
		slog.Float64("qty", agg.Qty),
		slog.Float64("pnl", pnl),
	)
	s.events.Publish(ctx, risk.Event{
		Type:     risk.EventPositionClosed,
		Strategy: s.params.Strategy,
		MarketID: p.MarketID,
		Detail: map[string]any{
			"position_id": p.ID,
			"reason":      p.ExitReason,
			"pnl":         pnl,
		},
	})
	return nil
}
