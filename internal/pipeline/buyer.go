// Package pipeline turns trade intents into exchange orders and folds order
// fills back into positions. Each worker here owns one hop of the order
// lifecycle and runs as an independent poll loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmquant/polyrev/internal/domain"
)

// BuyerParams bound the buy-side claimer.
type BuyerParams struct {
	Strategy    string
	BatchSize   int
	MaxOrderUSD float64
	Live        bool
	Paper       bool
}

// Buyer claims new buy intents in lock-skip batches and materializes them as
// orders. All decisions for a batch commit atomically with the claim.
type Buyer struct {
	params  BuyerParams
	intents domain.IntentStore
	logger  *slog.Logger
}

// NewBuyer creates a Buyer.
func NewBuyer(params BuyerParams, intents domain.IntentStore, logger *slog.Logger) *Buyer {
	return &Buyer{
		params:  params,
		intents: intents,
		logger:  logger.With(slog.String("component", "buyer")),
	}
}

// RunPass claims one batch of scanner intents and processes it. Concurrent
// claimers skip each other's locked rows, so running several buyers is safe.
func (b *Buyer) RunPass(ctx context.Context) error {
	return b.intents.ClaimBatch(ctx, domain.IntentSourceScanner, b.params.BatchSize,
		func(ctx context.Context, ops domain.IntentClaimOps, intents []domain.TradeIntent) error {
			for _, it := range intents {
				if err := b.process(ctx, ops, it); err != nil {
					return fmt.Errorf("pipeline: intent %d: %w", it.ID, err)
				}
			}
			return nil
		})
}

// process handles one claimed intent: gate checks mark it skipped, the dedupe
// guard marks it skipped, otherwise an order is created (or adopted from a
// concurrent claimer) and linked.
func (b *Buyer) process(ctx context.Context, ops domain.IntentClaimOps, it domain.TradeIntent) error {
	if it.Side != string(domain.OrderSideBuy) {
		return ops.MarkIntent(ctx, it.ID, domain.IntentStatusSkipped, "not_a_buy")
	}
	if !b.params.Live && !b.params.Paper {
		return ops.MarkIntent(ctx, it.ID, domain.IntentStatusSkipped, "live_disabled")
	}
	if it.SizeUSD <= 0 {
		return ops.MarkIntent(ctx, it.ID, domain.IntentStatusSkipped, "non_positive_size")
	}
	if it.LimitPrice <= 0 {
		return ops.MarkIntent(ctx, it.ID, domain.IntentStatusError, "bad_limit_price")
	}

	// Oversized intents are clamped to the per-order cap, not dropped.
	notional := it.SizeUSD
	if b.params.MaxOrderUSD > 0 && notional > b.params.MaxOrderUSD {
		notional = b.params.MaxOrderUSD
	}

	pair := domain.Pair{MarketID: it.MarketID, Outcome: it.Outcome}
	active, err := ops.HasActiveBuyOrder(ctx, it.Strategy, pair, b.params.Paper)
	if err != nil {
		return err
	}
	if active {
		return ops.MarkIntent(ctx, it.ID, domain.IntentStatusSkipped, "dedupe_existing_order")
	}

	orderID, created, err := ops.InsertOrder(ctx, domain.Order{
		Strategy:   it.Strategy,
		MarketID:   it.MarketID,
		Outcome:    it.Outcome,
		Side:       domain.OrderSideBuy,
		Quantity:   notional / it.LimitPrice,
		LimitPrice: it.LimitPrice,
		Status:     domain.OrderStatusSubmitted,
		Paper:      b.params.Paper,
		IntentID:   it.ID,
	})
	if err != nil {
		return err
	}
	if err := ops.LinkOrder(ctx, it.ID, orderID); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "buy order created",
		slog.Int64("intent", it.ID),
		slog.Int64("order", orderID),
		slog.Bool("adopted", !created),
		slog.String("market", it.MarketID),
		slog.Int("outcome", it.Outcome),
		slog.Float64("limit_price", it.LimitPrice),
		slog.Float64("size_usd", notional),
	)
	return nil
}
