package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/pmquant/polyrev/internal/blob/s3"
	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/ingest"
	"github.com/pmquant/polyrev/internal/monitor"
	"github.com/pmquant/polyrev/internal/notify"
	"github.com/pmquant/polyrev/internal/pipeline"
	"github.com/pmquant/polyrev/internal/pricing"
	"github.com/pmquant/polyrev/internal/reconciler"
	"github.com/pmquant/polyrev/internal/risk"
	"github.com/pmquant/polyrev/internal/scanner"
)

// loop is one ticker-driven worker: pass runs once per interval and its
// errors are logged, never fatal. Long-lived workers (websocket feed, event
// bridge) run as plain runners instead.
type loop struct {
	name     string
	interval time.Duration
	pass     func(context.Context) error
}

type runner func(context.Context) error

// runLoops drives all loops and runners under one errgroup until the context
// is cancelled. A status loop is always included.
func (a *App) runLoops(ctx context.Context, deps *Dependencies, loops []loop, runners ...runner) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range loops {
		l := l
		g.Go(func() error {
			return a.pollLoop(gctx, deps.HeartbeatStore, l.name, l.interval, l.pass)
		})
	}
	for _, r := range runners {
		r := r
		g.Go(func() error { return r(gctx) })
	}
	g.Go(func() error { return a.statusLoop(gctx, deps) })

	return g.Wait()
}

// pollLoop runs pass immediately and then once per interval. Pass errors are
// logged and the loop continues; only context cancellation ends it. Each pass
// records a heartbeat so liveness is visible from SQL.
func (a *App) pollLoop(ctx context.Context, beats domain.HeartbeatStore, name string, interval time.Duration, pass func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := a.logger.With(slog.String("worker", name))
	logger.InfoContext(ctx, "worker started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		note := "ok"
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			note = err.Error()
			logger.ErrorContext(ctx, "pass failed", slog.String("error", err.Error()))
		}
		if err := beats.Beat(ctx, name, note); err != nil && ctx.Err() == nil {
			logger.DebugContext(ctx, "heartbeat failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// statusLoop periodically logs the position book summary.
func (a *App) statusLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Pipeline.HeartbeatInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		summary, err := deps.PositionStore.Summarize(ctx, a.cfg.Strategy.Name)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "status summary failed", slog.String("error", err.Error()))
			}
			continue
		}
		attrs := []any{
			slog.Int64("open_monitoring", summary.OpenMonitoring),
			slog.Int64("pending_sell", summary.PendingSell),
			slog.Int64("closing", summary.Closing),
			slog.Int64("closed", summary.Closed),
			slog.Int64("winners", summary.Winners),
			slog.Float64("win_rate", summary.WinRate()),
			slog.Float64("total_pnl", summary.TotalPnL),
		}
		if lastAt, err := deps.TradeStore.LastTradeAt(ctx); err == nil && !lastAt.IsZero() {
			attrs = append(attrs, slog.Duration("feed_lag", time.Since(lastAt)))
		}
		a.logger.InfoContext(ctx, "position status", attrs...)
	}
}

// buildPricing creates the shared cache-first price source.
func (a *App) buildPricing(deps *Dependencies) *pricing.Source {
	return pricing.NewSource(deps.TradeStore, deps.PriceCache, a.logger)
}

// buildRisk creates the risk engine, daily breaker, and the event publisher
// they and the settler share.
func (a *App) buildRisk(deps *Dependencies) (*risk.Engine, *risk.Breaker, *risk.Publisher) {
	st := a.cfg.Strategy
	pub := risk.NewPublisher(deps.EventBus, a.logger)
	engine := risk.NewEngine(risk.Params{
		Strategy:         st.Name,
		BasePositionUSD:  st.BasePositionUSD,
		DrawdownFraction: a.cfg.Risk.DrawdownFraction,
		HardStopFraction: st.HardStop,
		Slippage:         st.Slippage,
		StaleBanFor:      a.cfg.Risk.StaleBanFor.Duration,
		PriceStaleAfter:  st.PriceStaleAfter.Duration,
	}, deps.PositionStore, deps.RiskStateStore, pub, a.logger)
	breaker := risk.NewBreaker(st.Name, st.DailyLossLimit, deps.PositionStore, pub, a.logger)
	return engine, breaker, pub
}

// riskPass gathers prices for every pair with open exposure and runs one risk
// evaluation over them.
func (a *App) riskPass(ctx context.Context, deps *Dependencies, engine *risk.Engine, prices *pricing.Source) error {
	open, err := deps.PositionStore.ListOpenOrClosing(ctx, a.cfg.Strategy.Name)
	if err != nil {
		return fmt.Errorf("app: list positions for risk pass: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	seen := make(map[domain.Pair]struct{}, len(open))
	pairs := make([]domain.Pair, 0, len(open))
	for _, p := range open {
		pair := domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}

	latest, err := prices.Latest(ctx, pairs)
	if err != nil {
		return fmt.Errorf("app: load prices for risk pass: %w", err)
	}
	return engine.RunPass(ctx, latest)
}

// scanLoops builds the signal-side workers: entry scanner, exit monitor, and
// the risk engine pass.
func (a *App) scanLoops(deps *Dependencies) []loop {
	st := a.cfg.Strategy
	prices := a.buildPricing(deps)
	engine, breaker, _ := a.buildRisk(deps)

	sc := scanner.New(scanner.Params{
		Strategy:             st.Name,
		DislocationThreshold: st.DislocationThreshold,
		MaxDislocation:       st.MaxDislocation,
		MinPrice:             st.MinPrice,
		MaxPrice:             st.MaxPrice,
		AvgWindow:            st.AvgWindow.Duration,
		AvgFallbackWindow:    st.AvgFallbackWindow.Duration,
		PriceStaleAfter:      st.PriceStaleAfter.Duration,
		BasePositionUSD:      st.BasePositionUSD,
		Slippage:             st.Slippage,
		MaxOpenPositions:     st.MaxOpenPositions,
		MaxPerPair:           st.MaxPerPair,
		MarketCooldown:       st.MarketCooldown.Duration,
		MaxLossStreak:        st.MaxLossStreak,
		TopMarkets:           st.TopMarkets,
		MinVolumeUSD:         st.MinVolume24hUSD,
		VolumeWindow:         st.VolumeWindow.Duration,
		ExcludedTags:         st.ExcludedTags,
		ExcludedKeywords:     st.ExcludedKeywords,
		RequireQuestion:      st.RequireQuestion,
		MinTimeToResolve:     st.MinTimeToResolve.Duration,
		Live:                 a.cfg.Trading.LiveEnabled,
	}, deps.TradeStore, deps.MarketStore, deps.PositionStore, deps.IntentStore, prices, engine, breaker, a.logger)

	mon := a.buildMonitor(deps, prices)

	pl := a.cfg.Pipeline
	return []loop{
		{name: "scanner", interval: pl.ScanInterval.Duration, pass: sc.RunPass},
		{name: "monitor", interval: pl.MonitorInterval.Duration, pass: mon.RunPass},
		{name: "risk", interval: pl.RiskInterval.Duration, pass: func(ctx context.Context) error {
			return a.riskPass(ctx, deps, engine, prices)
		}},
	}
}

func (a *App) buildMonitor(deps *Dependencies, prices *pricing.Source) *monitor.Monitor {
	st := a.cfg.Strategy
	return monitor.New(monitor.Params{
		Strategy:        st.Name,
		TakeProfit:      st.TakeProfit,
		StopLoss:        st.StopLoss,
		HardStop:        st.HardStop,
		MaxHold:         st.MaxHold.Duration,
		Slippage:        st.Slippage,
		PriceStaleAfter: st.PriceStaleAfter.Duration,
	}, deps.PositionStore, prices, a.logger)
}

// monitorLoops builds the exit monitor plus the risk pass, for deployments
// that split signal generation from exit watching.
func (a *App) monitorLoops(deps *Dependencies) []loop {
	prices := a.buildPricing(deps)
	engine, _, _ := a.buildRisk(deps)
	mon := a.buildMonitor(deps, prices)

	pl := a.cfg.Pipeline
	return []loop{
		{name: "monitor", interval: pl.MonitorInterval.Duration, pass: mon.RunPass},
		{name: "risk", interval: pl.RiskInterval.Duration, pass: func(ctx context.Context) error {
			return a.riskPass(ctx, deps, engine, prices)
		}},
	}
}

// pipelineLoops builds the order-side workers. Venue-reaching loops only run
// when live trading is enabled and a signed CLOB client exists; otherwise the
// fill checker fills paper orders at their limit and the rest of the lifecycle
// runs unchanged.
func (a *App) pipelineLoops(deps *Dependencies) ([]loop, []runner) {
	st := a.cfg.Strategy
	pl := a.cfg.Pipeline
	tr := a.cfg.Trading

	live := tr.LiveEnabled && deps.Clob != nil
	prices := a.buildPricing(deps)
	_, _, pub := a.buildRisk(deps)

	var venue pipeline.Venue
	if deps.Clob != nil {
		venue = deps.Clob
	}

	buyer := pipeline.NewBuyer(pipeline.BuyerParams{
		Strategy:    st.Name,
		BatchSize:   pl.IntentBatch,
		MaxOrderUSD: tr.MaxOrderUSD,
		Live:        live,
		Paper:       !live,
	}, deps.IntentStore, a.logger)

	seller := pipeline.NewSeller(pipeline.SellerParams{
		Strategy:         st.Name,
		BatchSize:        pl.SellBatch,
		StopMargin:       st.Slippage,
		EntryMatchWindow: pl.EntryMatchWindow.Duration,
		PriceStaleAfter:  st.PriceStaleAfter.Duration,
		Paper:            !live,
	}, deps.PositionStore, deps.OrderStore, deps.IntentStore, prices, a.logger)

	settler := pipeline.NewSettler(pipeline.SettlerParams{
		Strategy:  st.Name,
		BatchSize: pl.SettleBatch,
	}, deps.PositionStore, deps.OrderStore, pub, a.logger)

	opener := pipeline.NewOpener(pipeline.OpenerParams{
		Strategy: st.Name,
		Lookback: pl.EntryMatchWindow.Duration,
	}, deps.PositionStore, deps.OrderStore, a.logger)

	canceler := pipeline.NewCanceler(pipeline.CancelerParams{
		BatchSize: pl.CancelBatch,
	}, deps.OrderStore, venue, a.logger)

	checker := pipeline.NewFillChecker(pipeline.FillCheckerParams{
		BatchSize: pl.IntentBatch,
		Paper:     !live,
	}, deps.OrderStore, venue, a.logger)

	loops := []loop{
		{name: "buyer", interval: pl.IntentInterval.Duration, pass: buyer.RunPass},
		{name: "seller", interval: pl.SellInterval.Duration, pass: seller.RunPass},
		{name: "settler", interval: pl.SettleInterval.Duration, pass: settler.RunPass},
		{name: "opener", interval: pl.OpenerInterval.Duration, pass: opener.RunPass},
		{name: "canceler", interval: pl.CancelInterval.Duration, pass: canceler.RunPass},
		{name: "fill_checker", interval: pl.FillCheckInterval.Duration, pass: checker.RunPass},
	}

	if live {
		submitter := pipeline.NewSubmitter(pipeline.SubmitterParams{
			MaxOrderUSD:    tr.MaxOrderUSD,
			MinNotionalUSD: tr.MinNotionalUSD,
			SubmitCooldown: tr.SubmitCooldown.Duration,
			OnePerMarket:   tr.OneActivePerMarket,
		}, deps.OrderStore, deps.MarketStore, venue, a.logger)
		loops = append(loops, loop{name: "submitter", interval: pl.SubmitInterval.Duration, pass: submitter.RunPass})
	}

	bridge := notify.NewBridge(deps.EventBus, deps.Notifier, a.logger)
	return loops, []runner{bridge.Run}
}

func (a *App) reconcileLoop(deps *Dependencies) loop {
	rec := reconciler.New(reconciler.Params{
		Strategy:     a.cfg.Strategy.Name,
		Wallet:       a.cfg.Wallet.FunderAddress,
		SizeDrift:    a.cfg.Reconcile.SizeDrift,
		LockTTL:      a.cfg.Reconcile.LockTTL.Duration,
		AdoptUnknown: true,
	}, deps.PositionStore, deps.Data, deps.LockManager, a.logger)
	return loop{name: "reconciler", interval: a.cfg.Reconcile.Interval.Duration, pass: rec.RunPass}
}

// ingestWork builds the market refresher loop and the websocket trade feed.
func (a *App) ingestWork(deps *Dependencies) ([]loop, []runner, error) {
	if deps.Stream == nil {
		return nil, nil, fmt.Errorf("app: ingest requires ingest.enabled and a websocket host")
	}

	refresher := ingest.NewMarketRefresher(ingest.RefresherParams{}, deps.Gamma, deps.MarketStore, a.logger)
	feed := ingest.NewTradeFeed(ingest.TradeFeedParams{
		BatchSize:  a.cfg.Ingest.TradeFlushSize,
		FlushEvery: a.cfg.Ingest.TradeFlushInterval.Duration,
	}, deps.Stream, deps.TradeStore, deps.PriceCache, a.logger)

	loops := []loop{
		{name: "market_refresher", interval: a.cfg.Ingest.MarketRefreshInterval.Duration, pass: refresher.RunPass},
	}
	return loops, []runner{feed.Run}, nil
}

func (a *App) archiveLoop(deps *Dependencies) (loop, error) {
	if deps.BlobWriter == nil {
		return loop{}, fmt.Errorf("app: archive requires archive.enabled and S3 settings")
	}
	arch := s3blob.NewArchiver(s3blob.ArchiverParams{
		Retention: time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
		PageSize:  a.cfg.Archive.BatchSize,
	}, deps.BlobWriter, deps.TradeStore, a.logger)
	return loop{name: "archiver", interval: a.cfg.Archive.Interval.Duration, pass: arch.RunPass}, nil
}

// ScanMode runs the entry scanner, exit monitor, and risk engine.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	return a.runLoops(ctx, deps, a.scanLoops(deps))
}

// MonitorMode runs only the exit monitor and risk engine.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.runLoops(ctx, deps, a.monitorLoops(deps))
}

// PipelineMode runs the intent and order lifecycle workers.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies) error {
	loops, runners := a.pipelineLoops(deps)
	return a.runLoops(ctx, deps, loops, runners...)
}

// ReconcileMode runs only the venue reconciliation pass.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	return a.runLoops(ctx, deps, []loop{a.reconcileLoop(deps)})
}

// IngestMode runs the websocket trade feed and the market metadata refresher.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	loops, runners, err := a.ingestWork(deps)
	if err != nil {
		return err
	}
	return a.runLoops(ctx, deps, loops, runners...)
}

// ArchiveMode runs only the cold-archive pass.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	l, err := a.archiveLoop(deps)
	if err != nil {
		return err
	}
	return a.runLoops(ctx, deps, []loop{l})
}

// FullMode runs every worker in one process: signal side, order side,
// reconciliation, and, when configured, ingestion and archiving.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	loops := a.scanLoops(deps)

	pLoops, runners := a.pipelineLoops(deps)
	loops = append(loops, pLoops...)

	if a.cfg.Trading.LiveEnabled && deps.Data != nil {
		loops = append(loops, a.reconcileLoop(deps))
	}

	if a.cfg.Ingest.Enabled {
		iLoops, iRunners, err := a.ingestWork(deps)
		if err != nil {
			return err
		}
		loops = append(loops, iLoops...)
		runners = append(runners, iRunners...)
	}

	if a.cfg.Archive.Enabled {
		l, err := a.archiveLoop(deps)
		if err != nil {
			return err
		}
		loops = append(loops, l)
	}

	return a.runLoops(ctx, deps, loops, runners...)
}
