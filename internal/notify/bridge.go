package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/risk"
)

// Bridge subscribes to the shared event channel and forwards events through
// the Notifier. It decouples alert delivery from the workers that publish.
type Bridge struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run consumes events until ctx ends. Malformed payloads are dropped.
func (b *Bridge) Run(ctx context.Context) error {
	events, err := b.bus.Subscribe(ctx, risk.Channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return nil
			}
			b.handle(ctx, payload)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, payload []byte) {
	var ev risk.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.WarnContext(ctx, "bad event payload", slog.String("error", err.Error()))
		return
	}

	title, message := format(ev)
	if err := b.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		b.logger.WarnContext(ctx, "notification failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func format(ev risk.Event) (title, message string) {
	switch ev.Type {
	case risk.EventMarketBanned:
		title = "Market banned"
		message = fmt.Sprintf("market %s banned: %v", ev.MarketID, ev.Detail["reason"])
	case risk.EventMarketKill:
		title = "Force liquidation"
		message = fmt.Sprintf("position %v on %s force-liquidated at %v: pnl %v",
			ev.Detail["position"], ev.MarketID, ev.Detail["exit_price"], ev.Detail["pnl"])
	case risk.EventDailyBreaker:
		title = "Daily loss limit reached"
		message = fmt.Sprintf("entries halted: pnl %v against limit %v", ev.Detail["pnl"], ev.Detail["limit"])
	case risk.EventPositionClosed:
		title = "Position closed"
		message = fmt.Sprintf("position %v on %s closed (%v): pnl %v",
			ev.Detail["position_id"], ev.MarketID, ev.Detail["reason"], ev.Detail["pnl"])
	default:
		title = ev.Type
		message = fmt.Sprintf("market=%s detail=%v", ev.MarketID, ev.Detail)
	}
	return title, message
}
