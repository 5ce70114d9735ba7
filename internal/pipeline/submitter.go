package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/platform/polymarket"
)

// Venue is the slice of the exchange client the pipeline workers need.
// *polymarket.ClobClient satisfies it.
type Venue interface {
	PostOrder(ctx context.Context, req polymarket.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	Orderable(ctx context.Context, marketID string) (bool, error)
	Fills(ctx context.Context, venueOrderID string) ([]polymarket.VenueFill, error)
	OrderStatus(ctx context.Context, venueOrderID string) (string, error)
}

// SubmitterParams bound the venue submit worker.
type SubmitterParams struct {
	MaxOrderUSD    float64
	MinNotionalUSD float64
	SubmitCooldown time.Duration
	OnePerMarket   bool
}

// Submitter posts submitted live orders to the venue one at a time. The
// per-market cooldown and one-active-order guard are enforced in the work
// query, so a pass never picks a blocked order.
type Submitter struct {
	params  SubmitterParams
	orders  domain.OrderStore
	markets domain.MarketStore
	venue   Venue
	logger  *slog.Logger
	now     func() time.Time
}

// NewSubmitter creates a Submitter.
func NewSubmitter(params SubmitterParams, orders domain.OrderStore, markets domain.MarketStore, venue Venue, logger *slog.Logger) *Submitter {
	return &Submitter{
		params:  params,
		orders:  orders,
		markets: markets,
		venue:   venue,
		logger:  logger.With(slog.String("component", "submitter")),
		now:     time.Now,
	}
}

// RunPass posts at most one eligible order. Posting one per pass keeps the
// cooldown meaningful and the venue rate limits comfortable.
func (s *Submitter) RunPass(ctx context.Context) error {
	o, err := s.orders.NextSubmittable(ctx, s.params.SubmitCooldown, s.params.OnePerMarket)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("pipeline: next submittable: %w", err)
	}
	return s.submit(ctx, o)
}

func (s *Submitter) submit(ctx context.Context, o domain.Order) error {
	notional := o.Quantity * o.LimitPrice
	if notional < s.params.MinNotionalUSD {
		return s.skip(ctx, o, fmt.Sprintf("below_min_notional_%.2f", s.params.MinNotionalUSD))
	}
	if s.params.MaxOrderUSD > 0 && notional > s.params.MaxOrderUSD {
		return s.skip(ctx, o, fmt.Sprintf("above_order_cap_%.2f", s.params.MaxOrderUSD))
	}

	m, err := s.markets.GetByID(ctx, o.MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.skip(ctx, o, "unknown_market")
		}
		return err
	}
	tokenID := m.TokenID(o.Outcome)
	if tokenID == "" {
		return s.skip(ctx, o, "no_token_id")
	}

	orderable, err := s.venue.Orderable(ctx, o.MarketID)
	if err != nil {
		return fmt.Errorf("pipeline: orderability check for order %d: %w", o.ID, err)
	}
	if !orderable {
		return s.skip(ctx, o, "market_not_orderable")
	}

	venueID, err := s.venue.PostOrder(ctx, polymarket.OrderRequest{
		TokenID: tokenID,
		Side:    o.Side,
		Price:   o.LimitPrice,
		Size:    o.Quantity,
	})
	if err != nil {
		// Rejections are terminal; anything else retries next pass.
		if strings.Contains(err.Error(), "rejected") || errors.Is(err, domain.ErrInvalidOrder) {
			return s.skip(ctx, o, "venue_rejected: "+err.Error())
		}
		return fmt.Errorf("pipeline: post order %d: %w", o.ID, err)
	}

	if err := s.orders.SetStatusMeta(ctx, o.ID, domain.OrderStatusLive, map[string]any{
		"venue_order_id": venueID,
		"post_ts":        s.now().Unix(),
		"notional":       notional,
	}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "order posted",
		slog.Int64("order", o.ID),
		slog.String("venue_order_id", venueID),
		slog.String("market", o.MarketID),
		slog.String("side", string(o.Side)),
		slog.Float64("limit_price", o.LimitPrice),
		slog.Float64("qty", o.Quantity),
	)
	return nil
}

func (s *Submitter) skip(ctx context.Context, o domain.Order, reason string) error {
	s.logger.WarnContext(ctx, "order skipped",
		slog.Int64("order", o.ID),
		slog.String("market", o.MarketID),
		slog.String("reason", reason),
	)
	return s.orders.SetStatusMeta(ctx, o.ID, domain.OrderStatusSkipped, map[string]any{
		"skip_reason": reason,
	})
}
