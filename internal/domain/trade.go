package domain

import "time"

// Trade is one row of the append-only trade log the price feed is built on.
type Trade struct {
	ID       int64
	MarketID string
	Outcome  int
	Price    float64
	Qty      float64
	ValueUSD float64
	TradeID  string // venue trade id, used for dedup
	At       time.Time
}

// Pair identifies one side of a binary market.
type Pair struct {
	MarketID string
	Outcome  int
}

// PricePoint is the latest observed trade price for a pair together with its
// timestamp, so consumers can judge staleness.
type PricePoint struct {
	Price float64
	At    time.Time
}

// Age returns how old the observation is relative to now.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.At)
}
