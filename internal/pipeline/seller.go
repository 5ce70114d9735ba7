package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/pricing"
)

// SellerParams bound the sell side of the pipeline.
type SellerParams struct {
	Strategy  string
	BatchSize int

	// StopMargin is shaved off the reference price for stop and time exits so
	// the sell crosses the book instead of resting above it.
	StopMargin float64

	// EntryMatchWindow bounds how far from the position's entry time the
	// seller will look for its matched buy order when the link is missing.
	EntryMatchWindow time.Duration

	PriceStaleAfter time.Duration
	Paper           bool
}

// Seller turns exit-flagged positions into sell orders. The exit intent is
// recorded first so a crash between intent and order leaves a resumable row
// rather than a lost exit.
type Seller struct {
	params    SellerParams
	positions domain.PositionStore
	orders    domain.OrderStore
	intents   domain.IntentStore
	prices    *pricing.Source
	logger    *slog.Logger
	now       func() time.Time
}

// NewSeller creates a Seller.
func NewSeller(params SellerParams, positions domain.PositionStore, orders domain.OrderStore, intents domain.IntentStore, prices *pricing.Source, logger *slog.Logger) *Seller {
	return &Seller{
		params:    params,
		positions: positions,
		orders:    orders,
		intents:   intents,
		prices:    prices,
		logger:    logger.With(slog.String("component", "seller")),
		now:       time.Now,
	}
}

// RunPass processes one batch of exit-flagged positions.
func (s *Seller) RunPass(ctx context.Context) error {
	flagged, err := s.positions.ListExitFlagged(ctx, s.params.Strategy, s.params.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: list exit-flagged: %w", err)
	}
	for _, p := range flagged {
		if err := s.process(ctx, p); err != nil {
			s.logger.ErrorContext(ctx, "sell processing failed",
				slog.Int64("position", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Seller) process(ctx context.Context, p domain.Position) error {
	// Listing excludes positions with active sells, but a concurrent seller
	// may have raced us between the list and here.
	active, err := s.orders.HasActiveSellForPosition(ctx, s.params.Strategy, p.ID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	qty, err := s.exitQuantity(ctx, p)
	if err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("no sellable quantity for position %d", p.ID)
	}

	limit, err := s.exitPrice(ctx, p)
	if err != nil {
		return err
	}

	intentID, err := s.intents.Upsert(ctx, domain.TradeIntent{
		Strategy:   p.Strategy,
		MarketID:   p.MarketID,
		Outcome:    p.Outcome,
		Side:       fmt.Sprintf("exit_%d", p.ID),
		LimitPrice: limit,
		SizeUSD:    qty * limit,
		Source:     domain.IntentSourcePositionExit,
		Note:       p.ExitReason,
		Status:     domain.IntentStatusQueued,
	})
	if err != nil {
		return fmt.Errorf("record exit intent: %w", err)
	}

	positionID := p.ID
	orderID, created, err := s.orders.Insert(ctx, domain.Order{
		Strategy:   p.Strategy,
		MarketID:   p.MarketID,
		Outcome:    p.Outcome,
		Side:       domain.OrderSideSell,
		Quantity:   qty,
		LimitPrice: limit,
		Status:     domain.OrderStatusSubmitted,
		Paper:      s.params.Paper,
		IntentID:   intentID,
		PositionID: &positionID,
		Metadata:   map[string]any{"exit_reason": p.ExitReason},
	})
	if err != nil {
		return fmt.Errorf("insert sell order: %w", err)
	}
	if err := s.positions.MarkClosing(ctx, p.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "sell order created",
		slog.Int64("position", p.ID),
		slog.Int64("order", orderID),
		slog.Bool("adopted", !created),
		slog.String("reason", p.ExitReason),
		slog.Float64("qty", qty),
		slog.Float64("limit_price", limit),
	)
	return nil
}

// exitQuantity resolves how much to sell. Source priority: fills explicitly
// linked to the position, then fills of the nearest matched buy around entry
// time, then the recorded position size.
func (s *Seller) exitQuantity(ctx context.Context, p domain.Position) (float64, error) {
	qty, _, err := s.orders.FilledQtyForPosition(ctx, p.Strategy, p.ID)
	if err != nil {
		return 0, err
	}
	if qty > 0 {
		return qty, nil
	}

	pair := domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}
	buy, err := s.orders.NearestMatchedBuy(ctx, p.Strategy, pair, p.EntryAt, s.params.EntryMatchWindow)
	if err == nil {
		agg, err := s.orders.AggregateFills(ctx, buy.ID)
		if err != nil {
			return 0, err
		}
		if !agg.Empty() {
			return agg.Qty, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}

	return p.Size, nil
}

// exitPrice resolves the sell limit. Take-profit exits sell at the signal
// price; stop and time exits price off the freshest trade, shaved by the stop
// margin, so they fill. With no fresh quote the signal price is the fallback.
func (s *Seller) exitPrice(ctx context.Context, p domain.Position) (float64, error) {
	signal := p.EntryPrice
	if p.ExitSignalPrice != nil && *p.ExitSignalPrice > 0 {
		signal = *p.ExitSignalPrice
	}
	if p.ExitReason == domain.ExitReasonTakeProfit {
		return signal, nil
	}

	pair := domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}
	snapshot, err := s.prices.Latest(ctx, []domain.Pair{pair})
	if err != nil {
		return 0, err
	}
	if pp, ok := snapshot[pair]; ok && pp.Age(s.now()) <= s.params.PriceStaleAfter {
		return pp.Price * (1 - s.params.StopMargin), nil
	}
	return signal * (1 - s.params.StopMargin), nil
}
