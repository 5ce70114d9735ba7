package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// Breaker is the daily loss circuit breaker. When today's realized losses
// reach the limit, new entries stop; exits keep running so the book can still
// be unwound. The loss figure is recomputed from closed positions, so a
// process restart cannot reset it.
type Breaker struct {
	strategy  string
	limitUSD  float64
	positions domain.PositionStore
	events    *Publisher
	logger    *slog.Logger
	now       func() time.Time

	tripped bool // last observed state, for edge-triggered logging
}

// NewBreaker creates a Breaker. A non-positive limit disables it.
func NewBreaker(strategy string, limitUSD float64, positions domain.PositionStore, events *Publisher, logger *slog.Logger) *Breaker {
	return &Breaker{
		strategy:  strategy,
		limitUSD:  limitUSD,
		positions: positions,
		events:    events,
		logger:    logger.With(slog.String("component", "breaker")),
		now:       time.Now,
	}
}

// Tripped reports whether today's realized losses have reached the limit.
func (b *Breaker) Tripped(ctx context.Context) (bool, error) {
	if b.limitUSD <= 0 {
		return false, nil
	}

	now := b.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	pnl, err := b.positions.RealizedPnLSince(ctx, b.strategy, midnight)
	if err != nil {
		return false, fmt.Errorf("risk: daily pnl: %w", err)
	}

	tripped := -pnl >= b.limitUSD
	if tripped && !b.tripped {
		b.logger.ErrorContext(ctx, "daily loss limit reached, entries halted",
			slog.Float64("pnl", pnl),
			slog.Float64("limit", b.limitUSD),
		)
		if b.events != nil {
			b.events.Publish(ctx, Event{
				Type:     EventDailyBreaker,
				Strategy: b.strategy,
				Detail:   map[string]any{"pnl": pnl, "limit": b.limitUSD},
			})
		}
	}
	b.tripped = tripped
	return tripped, nil
}
