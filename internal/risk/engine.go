// Package risk implements the per-market risk state machine: equity
// tracking, drawdown bans, stale-price cooldowns, and force-liquidation of
// banned markets.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// Params are the knobs of the risk state machine.
type Params struct {
	Strategy         string
	BasePositionUSD  float64
	DrawdownFraction float64
	HardStopFraction float64
	Slippage         float64
	StaleBanFor      time.Duration
	PriceStaleAfter  time.Duration
}

// Engine evaluates per-market equity and maintains market_risk_state rows.
// Every mutation is an upsert guarded by the current row, so concurrent
// engines converge rather than fight.
type Engine struct {
	params    Params
	positions domain.PositionStore
	states    domain.RiskStateStore
	events    *Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. events may be nil.
func NewEngine(params Params, positions domain.PositionStore, states domain.RiskStateStore, events *Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		params:    params,
		positions: positions,
		states:    states,
		events:    events,
		logger:    logger.With(slog.String("component", "risk")),
		now:       time.Now,
	}
}

// Allowed reports whether entries into the market are currently permitted.
// An expired temporary ban is cleared here, before any other evaluation.
func (e *Engine) Allowed(ctx context.Context, marketID string) (bool, error) {
	st, err := e.states.Get(ctx, e.params.Strategy, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("risk: load state for %s: %w", marketID, err)
	}
	if !st.Banned {
		return true, nil
	}
	if st.PermanentlyBanned() {
		return false, nil
	}
	if st.BanExpired(e.now()) {
		st.Banned = false
		st.BannedUntil = nil
		st.BannedReason = ""
		if err := e.states.Upsert(ctx, st); err != nil {
			return false, fmt.Errorf("risk: clear expired ban for %s: %w", marketID, err)
		}
		e.logger.InfoContext(ctx, "temporary ban expired", slog.String("market", marketID))
		return true, nil
	}
	return false, nil
}

// BanTemporary sets a cooldown ban on the market, typically for stale prices.
// Re-banning with the same reason while the ban is still in force is a no-op.
func (e *Engine) BanTemporary(ctx context.Context, marketID, reason string) error {
	until := e.now().Add(e.params.StaleBanFor)

	st, err := e.states.Get(ctx, e.params.Strategy, marketID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("risk: load state for %s: %w", marketID, err)
	}
	if err != nil {
		st = domain.MarketRiskState{Strategy: e.params.Strategy, MarketID: marketID}
	}
	if st.PermanentlyBanned() {
		return nil
	}
	if st.SameBan(reason, &until) && !st.BanExpired(e.now()) {
		return nil
	}

	st.Banned = true
	st.BannedUntil = &until
	st.BannedReason = reason
	if err := e.states.Upsert(ctx, st); err != nil {
		return fmt.Errorf("risk: ban %s: %w", marketID, err)
	}

	e.logger.WarnContext(ctx, "market banned temporarily",
		slog.String("market", marketID),
		slog.String("reason", reason),
		slog.Time("until", until),
	)
	e.publish(ctx, EventMarketBanned, marketID, map[string]any{
		"reason": reason,
		"until":  until.Format(time.RFC3339),
	})
	return nil
}

// EvaluateMarket recomputes equity for one market, advances the peak, and
// applies a permanent ban when the drawdown threshold is crossed. It returns
// the updated state.
func (e *Engine) EvaluateMarket(ctx context.Context, marketID string, open []domain.Position, prices map[domain.Pair]domain.PricePoint) (domain.MarketRiskState, error) {
	st, err := e.states.Get(ctx, e.params.Strategy, marketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.MarketRiskState{}, fmt.Errorf("risk: load state for %s: %w", marketID, err)
		}
		st = domain.MarketRiskState{Strategy: e.params.Strategy, MarketID: marketID}
	}

	realized, err := e.positions.RealizedPnLByMarket(ctx, e.params.Strategy, marketID)
	if err != nil {
		return domain.MarketRiskState{}, fmt.Errorf("risk: realized pnl for %s: %w", marketID, err)
	}

	equity := ComputeEquity(e.params, realized, open, prices, e.now())

	st.LastEquity = equity
	if equity > st.PeakEquity {
		st.PeakEquity = equity
	}

	drawdown := st.PeakEquity - equity
	threshold := e.params.DrawdownFraction * e.params.BasePositionUSD
	if drawdown >= threshold {
		// Idempotent: an already-permanent ban with the same reason stays
		// silent, but the equity numbers are still persisted below.
		if !st.SameBan(domain.BanReasonDrawdown, nil) {
			st.Banned = true
			st.BannedUntil = nil
			st.BannedReason = domain.BanReasonDrawdown

			e.logger.ErrorContext(ctx, "market permanently banned",
				slog.String("market", marketID),
				slog.Float64("peak_equity", st.PeakEquity),
				slog.Float64("equity", equity),
				slog.Float64("drawdown", drawdown),
			)
			e.publish(ctx, EventMarketBanned, marketID, map[string]any{
				"reason":   domain.BanReasonDrawdown,
				"peak":     st.PeakEquity,
				"equity":   equity,
				"drawdown": drawdown,
			})
		}
	}

	if err := e.states.Upsert(ctx, st); err != nil {
		return domain.MarketRiskState{}, fmt.Errorf("risk: persist state for %s: %w", marketID, err)
	}
	return st, nil
}

// RunPass evaluates every market that currently has open positions and then
// force-liquidates any market whose ban is permanent. Force-liquidation runs
// again after exits elsewhere in the loop, so a ban set during this same pass
// is caught too.
func (e *Engine) RunPass(ctx context.Context, prices map[domain.Pair]domain.PricePoint) error {
	open, err := e.positions.ListOpen(ctx, e.params.Strategy)
	if err != nil {
		return fmt.Errorf("risk: list open positions: %w", err)
	}

	byMarket := make(map[string][]domain.Position)
	for _, p := range open {
		byMarket[p.MarketID] = append(byMarket[p.MarketID], p)
	}

	for marketID, positions := range byMarket {
		if _, err := e.EvaluateMarket(ctx, marketID, positions, prices); err != nil {
			e.logger.ErrorContext(ctx, "market evaluation failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := e.ForceLiquidate(ctx, prices); err != nil {
		return err
	}
	return nil
}

// ForceLiquidate closes every open position in permanently banned markets at
// the freshest available price, or the conservative fallback when the price
// is stale or missing. Returns the number of positions closed.
func (e *Engine) ForceLiquidate(ctx context.Context, prices map[domain.Pair]domain.PricePoint) (int, error) {
	banned, err := e.states.ListBanned(ctx, e.params.Strategy)
	if err != nil {
		return 0, fmt.Errorf("risk: list banned markets: %w", err)
	}

	permanent := make(map[string]bool, len(banned))
	for _, st := range banned {
		if st.PermanentlyBanned() {
			permanent[st.MarketID] = true
		}
	}
	if len(permanent) == 0 {
		return 0, nil
	}

	open, err := e.positions.ListOpenOrClosing(ctx, e.params.Strategy)
	if err != nil {
		return 0, fmt.Errorf("risk: list open positions: %w", err)
	}

	closed := 0
	now := e.now()
	for _, p := range open {
		if !permanent[p.MarketID] {
			continue
		}

		exitPrice := exitPrice(e.params, p, prices, now)
		pnl := (exitPrice - p.EntryPrice) * p.Size

		ok, err := e.positions.ClosePosition(ctx, p.ID, exitPrice, now, domain.ExitReasonMarketKill, pnl)
		if err != nil {
			e.logger.ErrorContext(ctx, "force close failed",
				slog.Int64("position", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		closed++

		e.logger.WarnContext(ctx, "position force-liquidated",
			slog.Int64("position", p.ID),
			slog.String("market", p.MarketID),
			slog.Float64("exit_price", exitPrice),
			slog.Float64("pnl", pnl),
		)
		e.publish(ctx, EventMarketKill, p.MarketID, map[string]any{
			"position":   p.ID,
			"exit_price": exitPrice,
			"pnl":        pnl,
		})
	}
	return closed, nil
}

func (e *Engine) publish(ctx context.Context, typ, marketID string, detail map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, Event{
		Type:     typ,
		Strategy: e.params.Strategy,
		MarketID: marketID,
		Detail:   detail,
	})
}

// ComputeEquity is the market equity formula: realized P&L of closed
// positions plus the marked value of open ones. An open position marks at the
// live price minus slippage when the quote is fresh, else at the worst-case
// hard-stop price minus slippage, so equity is never overstated on missing
// data.
func ComputeEquity(params Params, realized float64, open []domain.Position, prices map[domain.Pair]domain.PricePoint, now time.Time) float64 {
	equity := realized
	for _, p := range open {
		px := exitPrice(params, p, prices, now)
		equity += (px - p.EntryPrice) * p.Size
	}
	return equity
}

// exitPrice is the marking price for one open position: fresh snapshot minus
// slippage, or the conservative fallback.
func exitPrice(params Params, p domain.Position, prices map[domain.Pair]domain.PricePoint, now time.Time) float64 {
	pair := domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}
	if pp, ok := prices[pair]; ok && pp.Age(now) <= params.PriceStaleAfter {
		return pp.Price - params.Slippage
	}
	return p.EntryPrice*(1-params.HardStopFraction) - params.Slippage
}
