package domain

import (
	"context"
	"time"
)

// MarketStore persists market metadata.
type MarketStore interface {
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByIDs(ctx context.Context, ids []string) (map[string]Market, error)
	Count(ctx context.Context) (int64, error)
}

// TradeStore persists the append-only trade log and serves the batched price
// queries every scan pass depends on.
type TradeStore interface {
	InsertBatch(ctx context.Context, trades []Trade) error
	LastTradeAt(ctx context.Context) (time.Time, error)

	// TopMarketsByVolume returns market ids ordered by traded USD volume
	// within the window, at or above the floor, capped at limit.
	TopMarketsByVolume(ctx context.Context, window time.Duration, minVolumeUSD float64, limit int) ([]MarketVolume, error)

	// LatestPrices returns the most recent trade price and timestamp per
	// pair in one batched read. Pairs with no trades are absent from the
	// result.
	LatestPrices(ctx context.Context, pairs []Pair) (map[Pair]PricePoint, error)

	// RollingAverage returns the mean trade price for the pair over the
	// window ending now, or ErrNotFound when the window holds no trades.
	RollingAverage(ctx context.Context, pair Pair, window time.Duration) (float64, error)

	// ListBefore / DeleteBefore support cold archiving of old trade rows.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists positions. Every mutating method re-checks the row's
// status inside the statement, so overlapping writers resolve on the guard
// rather than clobbering each other.
type PositionStore interface {
	Create(ctx context.Context, p Position) (int64, error)
	GetByID(ctx context.Context, id int64) (Position, error)

	ListOpen(ctx context.Context, strategy string) ([]Position, error)
	ListOpenUnflagged(ctx context.Context, strategy string) ([]Position, error)
	ListOpenOrClosing(ctx context.Context, strategy string) ([]Position, error)

	// ListExitFlagged returns open/closing positions with an exit signal and
	// no active sell order yet, oldest first, capped at limit.
	ListExitFlagged(ctx context.Context, strategy string, limit int) ([]Position, error)

	CountOpen(ctx context.Context, strategy string) (int, error)
	CountOpenForPair(ctx context.Context, strategy string, pair Pair) (int, error)

	// FlagExit records an exit signal on an open, unflagged position.
	FlagExit(ctx context.Context, id int64, reason string, signalPrice float64) error

	// MarkClosing advances open -> closing once a sell order exists.
	MarkClosing(ctx context.Context, id int64) error

	// ClosePosition closes an open or closing position with full exit
	// fields. It returns false without error when the position was already
	// closed by a concurrent writer.
	ClosePosition(ctx context.Context, id int64, exitPrice float64, exitAt time.Time, reason string, pnl float64) (bool, error)

	// CloseMissing closes a position that no longer exists at the venue.
	// Only the exit timestamp and reason are recorded; no P&L is invented.
	CloseMissing(ctx context.Context, id int64, reason string) error

	// SettleFromOrder atomically closes the position and marks the sell
	// order settled in one transaction. Returns false when the position was
	// already closed (the order is still marked settled in that case).
	SettleFromOrder(ctx context.Context, positionID, orderID int64, exitPrice float64, exitAt time.Time, pnl float64) (bool, error)

	UpdateSize(ctx context.Context, id int64, size float64) error

	RealizedPnLByMarket(ctx context.Context, strategy, marketID string) (float64, error)
	RealizedPnLSince(ctx context.Context, strategy string, since time.Time) (float64, error)

	// ConsecutiveLosses counts the run of most-recent closed positions for
	// the pair with negative P&L, stopping at the first non-negative close.
	ConsecutiveLosses(ctx context.Context, strategy string, pair Pair) (int, error)

	// LastCloseAt returns the most recent close time for the pair, or the
	// zero time when it has never closed.
	LastCloseAt(ctx context.Context, strategy string, pair Pair) (time.Time, error)

	Summarize(ctx context.Context, strategy string) (PositionSummary, error)
}

// IntentClaimOps is the transaction-scoped view handed to an intent claim
// callback. Everything done through it commits or rolls back with the claim.
type IntentClaimOps interface {
	MarkIntent(ctx context.Context, id int64, status IntentStatus, note string) error

	// HasActiveBuyOrder is the dedupe guard: true when any buy order for the
	// pair is submitted, live, or matched.
	HasActiveBuyOrder(ctx context.Context, strategy string, pair Pair, paper bool) (bool, error)

	// InsertOrder inserts under the one-order-per-intent constraint. When a
	// concurrent claimer already created the order, the existing order's id
	// is returned with created=false.
	InsertOrder(ctx context.Context, o Order) (id int64, created bool, err error)

	// LinkOrder sets the intent to queued with the winning order id.
	LinkOrder(ctx context.Context, intentID, orderID int64) error
}

// IntentStore persists trade intents and implements the lock-skip work queue
// the buy side of the pipeline claims from.
type IntentStore interface {
	// Upsert inserts the intent or, when the economic-action uniqueness
	// constraint fires, requeues the existing row. Returns the intent id.
	Upsert(ctx context.Context, it TradeIntent) (int64, error)

	// ClaimBatch locks up to limit unclaimed intents for the source,
	// skipping rows locked by concurrent claimers, and runs fn inside the
	// claiming transaction.
	ClaimBatch(ctx context.Context, source string, limit int, fn func(ctx context.Context, ops IntentClaimOps, intents []TradeIntent) error) error
}

// OrderStore persists exchange orders and fills.
type OrderStore interface {
	GetByID(ctx context.Context, id int64) (Order, error)

	// Insert creates an order under the one-order-per-intent constraint,
	// mirroring IntentClaimOps.InsertOrder for callers outside a claim.
	Insert(ctx context.Context, o Order) (id int64, created bool, err error)

	// NextSubmittable returns the oldest submitted order that is not blocked
	// by the one-active-order-per-market guard or the per-market post
	// cooldown. ErrNotFound when nothing is eligible.
	NextSubmittable(ctx context.Context, cooldown time.Duration, onePerMarket bool) (Order, error)

	ListByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error)

	// ListMatchedSells returns matched sell orders with a position link,
	// oldest first.
	ListMatchedSells(ctx context.Context, limit int) ([]Order, error)

	UpdateStatus(ctx context.Context, id int64, status OrderStatus) error

	// SetStatusMeta updates the status and merges the patch into the
	// order's jsonb metadata in one statement.
	SetStatusMeta(ctx context.Context, id int64, status OrderStatus, patch map[string]any) error

	MergeMetadata(ctx context.Context, id int64, patch map[string]any) error

	InsertFill(ctx context.Context, f Fill) error
	AggregateFills(ctx context.Context, orderID int64) (FillAggregate, error)

	// FilledQtyForPosition sums buy fills explicitly linked to the position
	// and reports the matched buy order id when one exists.
	FilledQtyForPosition(ctx context.Context, strategy string, positionID int64) (float64, *int64, error)

	// NearestMatchedBuy finds the matched buy order for the pair closest to
	// the given time within the window, for positions whose order link is
	// missing.
	NearestMatchedBuy(ctx context.Context, strategy string, pair Pair, around time.Time, window time.Duration) (Order, error)

	// ListMatchedBuysWithoutPosition returns matched buy orders created
	// since the cutoff that no position references yet.
	ListMatchedBuysWithoutPosition(ctx context.Context, strategy string, since time.Time) ([]Order, error)

	// HasActiveSellForPosition reports whether a submitted/live/matched sell
	// order already targets the position.
	HasActiveSellForPosition(ctx context.Context, strategy string, positionID int64) (bool, error)
}

// RiskStateStore persists per-(strategy, market) risk state rows.
type RiskStateStore interface {
	Get(ctx context.Context, strategy, marketID string) (MarketRiskState, error)
	Upsert(ctx context.Context, s MarketRiskState) error
	ListBanned(ctx context.Context, strategy string) ([]MarketRiskState, error)
}

// HeartbeatStore records worker liveness so operators can check it from SQL.
type HeartbeatStore interface {
	Beat(ctx context.Context, worker, note string) error
}
