package domain

// VenueHolding is one position as reported by the venue's data API, the
// ground truth the reconciler compares local state against.
type VenueHolding struct {
	MarketID     string // condition id
	Outcome      int
	Size         float64
	AvgPrice     float64
	CurrentPrice float64
	PercentPnL   float64
	Title        string
}

// Resolved reports whether the holding looks like a resolved market (price
// collapsed to zero with a total loss), which the reconciler ignores.
func (h VenueHolding) Resolved() bool {
	return h.CurrentPrice > -0.0001 && h.CurrentPrice < 0.0001 && h.PercentPnL < -99
}
