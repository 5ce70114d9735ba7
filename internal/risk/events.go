package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// Channel is the Pub/Sub channel risk and lifecycle events are published on.
const Channel = "polyrev:events"

// Event types.
const (
	EventMarketBanned   = "market_banned"
	EventMarketKill     = "market_kill"
	EventDailyBreaker   = "daily_breaker"
	EventPositionClosed = "position_closed"
	EventError          = "error"
)

// Event is the JSON payload published on the event channel.
type Event struct {
	Type     string         `json:"type"`
	Strategy string         `json:"strategy"`
	MarketID string         `json:"market_id,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher serializes events onto the shared bus. Publish failures are
// logged, never propagated: notifications must not block trading decisions.
type Publisher struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewPublisher creates a Publisher over the given bus.
func NewPublisher(bus domain.EventBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "events")),
	}
}

// Publish sends one event, stamping At when unset.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, Channel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
