package domain

import "time"

// IntentStatus tracks a trade intent from creation to terminal state.
// new/queued intents are eligible for claiming; skipped and error are
// terminal and never retried.
type IntentStatus string

const (
	IntentStatusNew     IntentStatus = "new"
	IntentStatusQueued  IntentStatus = "queued"
	IntentStatusSkipped IntentStatus = "skipped"
	IntentStatusError   IntentStatus = "error"
)

// Intent sources. The buy claimer only consumes intents whose Source matches
// its configured source; exit intents are consumed by the sell side directly.
const (
	IntentSourceScanner      = "scanner"
	IntentSourcePositionExit = "position_exit"
)

// TradeIntent is a proposed order that has not yet been materialized as an
// exchange order. The tuple (strategy, market, outcome, side, limit_price) is
// unique, so re-emitting the same economic action upserts rather than
// duplicating.
type TradeIntent struct {
	ID          int64
	Strategy    string
	MarketID    string
	Outcome     int
	Side        string // "buy" or "exit_<position_id>"
	LimitPrice  float64
	SizeUSD     float64
	Dislocation *float64
	AvgPrice    *float64
	Source      string
	Note        string
	Status      IntentStatus
	OrderID     *int64
	CreatedAt   time.Time
}
