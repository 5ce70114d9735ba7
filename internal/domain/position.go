package domain

import "time"

// PositionStatus tracks a position through its lifecycle. Transitions only
// move forward: open -> closing -> closed, or open -> closed directly when a
// market is force-liquidated.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// Exit reason codes. The exit monitor sets tp/sl/max_sl/time; the risk engine
// sets market_kill; the reconciler sets not_on_poly.
const (
	ExitReasonHardStop   = "max_sl"
	ExitReasonTakeProfit = "tp"
	ExitReasonStopLoss   = "sl"
	ExitReasonTimeLimit  = "time"
	ExitReasonMarketKill = "market_kill"
	ExitReasonNotOnVenue = "not_on_poly"
)

// SideLong is the only side this strategy trades.
const SideLong = "long"

// Position is one long position in a market outcome. Exit fields
// (ExitPrice/ExitAt/RealizedPnL) are set if and only if Status is closed.
type Position struct {
	ID          int64
	Strategy    string
	MarketID    string
	Outcome     int // 0 or 1
	Side        string
	EntryPrice  float64
	EntryAt     time.Time
	Size        float64
	AvgPrice    float64 // rolling average at entry
	Dislocation float64 // dislocation at entry
	Status      PositionStatus
	Paper       bool

	// Exit signal, written by the exit monitor while the position is still
	// open; the sell side of the pipeline watches for a non-empty reason.
	ExitReason      string
	ExitSignalPrice *float64

	ExitPrice   *float64
	ExitAt      *time.Time
	RealizedPnL *float64

	// BuyOrderID links the position to the buy order whose fills created it
	// (live mode only).
	BuyOrderID *int64
}

// Open reports whether the position still carries exposure.
func (p Position) Open() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusClosing
}

// PositionSummary aggregates position counts for periodic status reporting.
type PositionSummary struct {
	OpenMonitoring int64 // open, no exit signal yet
	PendingSell    int64 // open with exit signal set
	Closing        int64
	Closed         int64
	Winners        int64
	TotalPnL       float64
}

// WinRate returns the fraction of closed positions with non-negative P&L, or
// zero when nothing has closed yet.
func (s PositionSummary) WinRate() float64 {
	if s.Closed == 0 {
		return 0
	}
	return float64(s.Winners) / float64(s.Closed)
}
