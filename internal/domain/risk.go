package domain

import "time"

// MarketRiskState is one row per (strategy, market): the risk engine's
// persisted view of that market's mark-to-market equity and ban status.
//
// Invariant: Banned=false implies BannedUntil and BannedReason are empty.
// BannedUntil==nil while Banned=true means the ban is permanent.
type MarketRiskState struct {
	Strategy     string
	MarketID     string
	PeakEquity   float64
	LastEquity   float64
	Banned       bool
	BannedUntil  *time.Time
	BannedReason string
	UpdatedAt    time.Time
}

// Ban reason codes.
const (
	BanReasonDrawdown   = "drawdown"
	BanReasonStalePrice = "stale_price"
)

// PermanentlyBanned reports whether the ban has no expiry.
func (s MarketRiskState) PermanentlyBanned() bool {
	return s.Banned && s.BannedUntil == nil
}

// BanExpired reports whether a temporary ban has lapsed as of now.
func (s MarketRiskState) BanExpired(now time.Time) bool {
	return s.Banned && s.BannedUntil != nil && !now.Before(*s.BannedUntil)
}

// SameBan reports whether applying the given reason/expiry would change
// nothing, so the caller can skip the write and its side effects.
func (s MarketRiskState) SameBan(reason string, until *time.Time) bool {
	if !s.Banned {
		return false
	}
	if s.BannedReason != reason {
		return false
	}
	if (s.BannedUntil == nil) != (until == nil) {
		return false
	}
	return true
}
