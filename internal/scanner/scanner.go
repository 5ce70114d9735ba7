// Package scanner implements the entry side of the strategy: select a
// liquid universe, measure dislocation against the rolling average, and open
// paper positions or enqueue buy intents for the live pipeline.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
	"github.com/pmquant/polyrev/internal/pricing"
	"github.com/pmquant/polyrev/internal/risk"
)

// Params are the entry-side strategy knobs.
type Params struct {
	Strategy string

	DislocationThreshold float64
	MaxDislocation       float64
	MinPrice             float64
	MaxPrice             float64
	AvgWindow            time.Duration
	AvgFallbackWindow    time.Duration
	PriceStaleAfter      time.Duration

	BasePositionUSD  float64
	Slippage         float64
	MaxOpenPositions int
	MaxPerPair       int
	MarketCooldown   time.Duration
	MaxLossStreak    int

	TopMarkets       int
	MinVolumeUSD     float64
	VolumeWindow     time.Duration
	ExcludedTags     []string
	ExcludedKeywords []string
	RequireQuestion  bool
	MinTimeToResolve time.Duration

	// Live routes entries through trade intents instead of opening paper
	// positions directly. Never both.
	Live bool
}

// Scanner runs one entry pass at a time over the current market universe.
type Scanner struct {
	params    Params
	trades    domain.TradeStore
	markets   domain.MarketStore
	positions domain.PositionStore
	intents   domain.IntentStore
	prices    *pricing.Source
	engine    *risk.Engine
	breaker   *risk.Breaker
	logger    *slog.Logger
	now       func() time.Time

	excludedTags map[string]struct{}
}

// New creates a Scanner.
func New(params Params, trades domain.TradeStore, markets domain.MarketStore, positions domain.PositionStore, intents domain.IntentStore, prices *pricing.Source, engine *risk.Engine, breaker *risk.Breaker, logger *slog.Logger) *Scanner {
	tags := make(map[string]struct{}, len(params.ExcludedTags))
	for _, t := range params.ExcludedTags {
		tags[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Scanner{
		params:       params,
		trades:       trades,
		markets:      markets,
		positions:    positions,
		intents:      intents,
		prices:       prices,
		engine:       engine,
		breaker:      breaker,
		logger:       logger.With(slog.String("component", "scanner")),
		now:          time.Now,
		excludedTags: tags,
	}
}

// RunPass evaluates the universe once. Every candidate, pass or fail, bumps
// exactly one filter counter; the counters are emitted in a single log line
// at the end of the pass.
func (s *Scanner) RunPass(ctx context.Context) error {
	tripped, err := s.breaker.Tripped(ctx)
	if err != nil {
		return err
	}
	if tripped {
		s.logger.WarnContext(ctx, "daily breaker tripped, skipping entries")
		return nil
	}

	vols, err := s.trades.TopMarketsByVolume(ctx, s.params.VolumeWindow, s.params.MinVolumeUSD, s.params.TopMarkets)
	if err != nil {
		return fmt.Errorf("scanner: select universe: %w", err)
	}
	if len(vols) == 0 {
		return nil
	}

	ids := make([]string, len(vols))
	for i, v := range vols {
		ids[i] = v.MarketID
	}
	meta, err := s.markets.ListByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("scanner: load market metadata: %w", err)
	}

	counts := make(filterCounts)

	// Metadata filters run per market; surviving markets contribute both
	// outcome pairs to the batched price read.
	var pairs []domain.Pair
	for _, id := range ids {
		m, ok := meta[id]
		if !ok {
			counts.bump("no_metadata")
			continue
		}
		if reason, excluded := s.excludeMarket(m); excluded {
			counts.bump(reason)
			continue
		}
		pairs = append(pairs, domain.Pair{MarketID: id, Outcome: 0}, domain.Pair{MarketID: id, Outcome: 1})
	}

	snapshot, err := s.prices.Latest(ctx, pairs)
	if err != nil {
		return fmt.Errorf("scanner: price snapshot: %w", err)
	}

	entries := 0
	now := s.now()
	seenStale := make(map[string]bool)
	for _, pair := range pairs {
		outcome, reason, err := s.evaluate(ctx, pair, snapshot, now, seenStale)
		if err != nil {
			s.logger.ErrorContext(ctx, "candidate evaluation failed",
				slog.String("market", pair.MarketID),
				slog.Int("outcome", pair.Outcome),
				slog.String("error", err.Error()),
			)
			counts.bump("error")
			continue
		}
		counts.bump(reason)
		if outcome {
			entries++
		}
	}

	if entries > 0 || len(counts) > 0 {
		s.logger.InfoContext(ctx, "scan pass complete",
			slog.Int("entries", entries),
			slog.String("filters", counts.String()),
		)
	}
	return nil
}

// excludeMarket applies the metadata filters. It returns the counter name
// and true when the market is out.
func (s *Scanner) excludeMarket(m domain.Market) (string, bool) {
	if !m.Active {
		return "inactive", true
	}
	if s.params.RequireQuestion && strings.TrimSpace(m.Question) == "" {
		return "no_question", true
	}
	if m.HasAnyTag(s.excludedTags) {
		return "excluded_tag", true
	}
	if _, hit := m.QuestionContains(s.params.ExcludedKeywords); hit {
		return "excluded_keyword", true
	}
	if s.params.MinTimeToResolve > 0 && m.ResolveAt != nil {
		if time.Until(*m.ResolveAt) < s.params.MinTimeToResolve {
			return "ending_soon", true
		}
	}
	return "", false
}

// evaluate runs the full signal and cap pipeline for one pair. It returns
// (entered, counterName, err). Counter names follow one-reason-per-candidate:
// the first failing check wins.
func (s *Scanner) evaluate(ctx context.Context, pair domain.Pair, snapshot map[domain.Pair]domain.PricePoint, now time.Time, seenStale map[string]bool) (bool, string, error) {
	allowed, err := s.engine.Allowed(ctx, pair.MarketID)
	if err != nil {
		return false, "", err
	}
	if !allowed {
		return false, "banned", nil
	}

	pp, ok := snapshot[pair]
	if !ok {
		return false, "no_price", nil
	}
	if pp.Age(now) > s.params.PriceStaleAfter {
		// Staleness is market-wide: ban once per market per pass.
		if !seenStale[pair.MarketID] {
			seenStale[pair.MarketID] = true
			if err := s.engine.BanTemporary(ctx, pair.MarketID, domain.BanReasonStalePrice); err != nil {
				return false, "", err
			}
		}
		return false, "stale_price", nil
	}

	// Liquidity on both outcomes: the sibling pair must also have a fresh
	// quote.
	sibling := domain.Pair{MarketID: pair.MarketID, Outcome: 1 - pair.Outcome}
	if sp, ok := snapshot[sibling]; !ok || sp.Age(now) > s.params.PriceStaleAfter {
		return false, "one_sided", nil
	}

	price := pp.Price
	if price < s.params.MinPrice || price > s.params.MaxPrice {
		return false, "price_range", nil
	}

	avg, err := s.prices.RollingAverage(ctx, pair, s.params.AvgWindow, s.params.AvgFallbackWindow)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, "bad_avg", nil
		}
		return false, "", err
	}

	dislocation := (price - avg) / avg
	if dislocation >= 0 {
		return false, "not_dislocation", nil
	}
	if -dislocation < s.params.DislocationThreshold {
		return false, "too_small", nil
	}
	if -dislocation > s.params.MaxDislocation {
		return false, "too_extreme", nil
	}

	if reason, blocked, err := s.capBlocked(ctx, pair, now); err != nil {
		return false, "", err
	} else if blocked {
		return false, "cant_open_" + reason, nil
	}

	if err := s.enter(ctx, pair, price, avg, dislocation, now); err != nil {
		return false, "", err
	}
	return true, "entered", nil
}

// capBlocked applies the global and per-pair entry caps.
func (s *Scanner) capBlocked(ctx context.Context, pair domain.Pair, now time.Time) (string, bool, error) {
	open, err := s.positions.CountOpen(ctx, s.params.Strategy)
	if err != nil {
		return "", false, err
	}
	if open >= s.params.MaxOpenPositions {
		return "max_positions", true, nil
	}

	pairOpen, err := s.positions.CountOpenForPair(ctx, s.params.Strategy, pair)
	if err != nil {
		return "", false, err
	}
	if pairOpen >= s.params.MaxPerPair {
		return "max_per_market", true, nil
	}

	if s.params.MarketCooldown > 0 {
		lastClose, err := s.positions.LastCloseAt(ctx, s.params.Strategy, pair)
		if err != nil {
			return "", false, err
		}
		if !lastClose.IsZero() && now.Sub(lastClose) < s.params.MarketCooldown {
			return "cooldown", true, nil
		}
	}

	if s.params.MaxLossStreak > 0 {
		streak, err := s.positions.ConsecutiveLosses(ctx, s.params.Strategy, pair)
		if err != nil {
			return "", false, err
		}
		if streak >= s.params.MaxLossStreak {
			return "loss_streak", true, nil
		}
	}

	return "", false, nil
}

// enter opens a paper position, or enqueues a buy intent in live mode. Never
// both.
func (s *Scanner) enter(ctx context.Context, pair domain.Pair, price, avg, dislocation float64, now time.Time) error {
	if s.params.Live {
		id, err := s.intents.Upsert(ctx, domain.TradeIntent{
			Strategy:    s.params.Strategy,
			MarketID:    pair.MarketID,
			Outcome:     pair.Outcome,
			Side:        "buy",
			LimitPrice:  price,
			SizeUSD:     s.params.BasePositionUSD,
			Dislocation: &dislocation,
			AvgPrice:    &avg,
			Source:      domain.IntentSourceScanner,
			Status:      domain.IntentStatusNew,
		})
		if err != nil {
			return fmt.Errorf("scanner: enqueue buy intent: %w", err)
		}
		s.logger.InfoContext(ctx, "buy intent enqueued",
			slog.Int64("intent", id),
			slog.String("market", pair.MarketID),
			slog.Int("outcome", pair.Outcome),
			slog.Float64("price", price),
			slog.Float64("dislocation", dislocation),
		)
		return nil
	}

	// Paper: fill immediately at the slippage-adjusted price.
	entryPrice := price * (1 + s.params.Slippage)
	id, err := s.positions.Create(ctx, domain.Position{
		Strategy:    s.params.Strategy,
		MarketID:    pair.MarketID,
		Outcome:     pair.Outcome,
		Side:        domain.SideLong,
		EntryPrice:  entryPrice,
		EntryAt:     now,
		Size:        s.params.BasePositionUSD / entryPrice,
		AvgPrice:    avg,
		Dislocation: dislocation,
		Status:      domain.PositionStatusOpen,
		Paper:       true,
	})
	if err != nil {
		return fmt.Errorf("scanner: open paper position: %w", err)
	}
	s.logger.InfoContext(ctx, "paper position opened",
		slog.Int64("position", id),
		slog.String("market", pair.MarketID),
		slog.Int("outcome", pair.Outcome),
		slog.Float64("entry_price", entryPrice),
		slog.Float64("avg", avg),
		slog.Float64("dislocation", dislocation),
	)
	return nil
}

// filterCounts tallies one reason per evaluated candidate.
type filterCounts map[string]int

func (f filterCounts) bump(reason string) {
	if reason == "" {
		return
	}
	f[reason]++
}

// String renders the counters sorted by name, e.g. "entered=2 too_small=14".
func (f filterCounts) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d", k, f[k])
	}
	return b.String()
}
