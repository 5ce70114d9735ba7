// Package reconciler compares local position state against the venue's
// on-chain holdings and repairs drift: positions the venue no longer shows
// are closed, materially resized holdings update the local size, and unknown
// holdings become tracked positions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// HoldingsSource reports current venue holdings for a wallet.
// *polymarket.DataClient satisfies it.
type HoldingsSource interface {
	Holdings(ctx context.Context, wallet string) ([]domain.VenueHolding, error)
}

// Params bound a reconcile pass.
type Params struct {
	Strategy string
	Wallet   string

	// SizeDrift is the share-count difference above which the local size is
	// rewritten from the venue's figure.
	SizeDrift float64

	// LockName and LockTTL guard the pass so only one instance reconciles.
	LockName string
	LockTTL  time.Duration

	// AdoptUnknown creates positions for venue holdings with no local row.
	AdoptUnknown bool
}

// Reconciler runs the drift-repair pass.
type Reconciler struct {
	params    Params
	positions domain.PositionStore
	holdings  HoldingsSource
	locks     domain.LockManager
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Reconciler.
func New(params Params, positions domain.PositionStore, holdings HoldingsSource, locks domain.LockManager, logger *slog.Logger) *Reconciler {
	if params.LockName == "" {
		params.LockName = "reconciler"
	}
	return &Reconciler{
		params:    params,
		positions: positions,
		holdings:  holdings,
		locks:     locks,
		logger:    logger.With(slog.String("component", "reconciler")),
		now:       time.Now,
	}
}

// RunPass reconciles once. When another instance holds the lock the pass is
// skipped without error.
func (r *Reconciler) RunPass(ctx context.Context) error {
	release, err := r.locks.Acquire(ctx, r.params.LockName, r.params.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "reconcile lock held elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("reconciler: acquire lock: %w", err)
	}
	defer release()

	holdings, err := r.holdings.Holdings(ctx, r.params.Wallet)
	if err != nil {
		return fmt.Errorf("reconciler: fetch holdings: %w", err)
	}

	byPair := make(map[domain.Pair]domain.VenueHolding, len(holdings))
	for _, h := range holdings {
		if h.Resolved() {
			continue
		}
		byPair[domain.Pair{MarketID: h.MarketID, Outcome: h.Outcome}] = h
	}

	local, err := r.positions.ListOpenOrClosing(ctx, r.params.Strategy)
	if err != nil {
		return fmt.Errorf("reconciler: list local positions: %w", err)
	}

	var closed, resized, adopted int
	matched := make(map[domain.Pair]bool, len(local))
	for _, p := range local {
		if p.Paper {
			continue
		}
		pair := domain.Pair{MarketID: p.MarketID, Outcome: p.Outcome}
		h, onVenue := byPair[pair]
		if !onVenue {
			// The venue no longer shows this holding. No P&L is invented;
			// only the close time and reason are recorded.
			if err := r.positions.CloseMissing(ctx, p.ID, domain.ExitReasonNotOnVenue); err != nil {
				return fmt.Errorf("reconciler: close missing position %d: %w", p.ID, err)
			}
			closed++
			r.logger.WarnContext(ctx, "position not on venue, closed",
				slog.Int64("position", p.ID),
				slog.String("market", p.MarketID),
				slog.Int("outcome", p.Outcome),
			)
			continue
		}
		matched[pair] = true

		if math.Abs(h.Size-p.Size) > r.params.SizeDrift {
			if err := r.positions.UpdateSize(ctx, p.ID, h.Size); err != nil {
				return fmt.Errorf("reconciler: resize position %d: %w", p.ID, err)
			}
			resized++
			r.logger.InfoContext(ctx, "position size reconciled",
				slog.Int64("position", p.ID),
				slog.Float64("local_size", p.Size),
				slog.Float64("venue_size", h.Size),
			)
		}
	}

	if r.params.AdoptUnknown {
		for pair, h := range byPair {
			if matched[pair] {
				continue
			}
			if err := r.adopt(ctx, h); err != nil {
				return err
			}
			adopted++
		}
	}

	r.logger.InfoContext(ctx, "reconcile pass complete",
		slog.Int("holdings", len(byPair)),
		slog.Int("local", len(local)),
		slog.Int("closed", closed),
		slog.Int("resized", resized),
		slog.Int("adopted", adopted),
	)
	return nil
}

// adopt creates a local position for a venue holding nothing tracks yet.
// Entry price comes from the venue's average cost.
func (r *Reconciler) adopt(ctx context.Context, h domain.VenueHolding) error {
	id, err := r.positions.Create(ctx, domain.Position{
		Strategy:   r.params.Strategy,
		MarketID:   h.MarketID,
		Outcome:    h.Outcome,
		Side:       domain.SideLong,
		EntryPrice: h.AvgPrice,
		EntryAt:    r.now().UTC(),
		Size:       h.Size,
		Status:     domain.PositionStatusOpen,
		Paper:      false,
	})
	if err != nil {
		return fmt.Errorf("reconciler: adopt holding %s/%d: %w", h.MarketID, h.Outcome, err)
	}
	r.logger.WarnContext(ctx, "untracked holding adopted",
		slog.Int64("position", id),
		slog.String("market", h.MarketID),
		slog.Int("outcome", h.Outcome),
		slog.Float64("size", h.Size),
		slog.Float64("avg_price", h.AvgPrice),
	)
	return nil
}
