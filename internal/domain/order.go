package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle. submitted orders are waiting to be
// posted to the venue; live orders rest on the venue book; matched orders
// have filled; settled is terminal for matched sells once their fills have
// been folded into a closed position.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusLive            OrderStatus = "live"
	OrderStatusMatched         OrderStatus = "matched"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusSkipped         OrderStatus = "skipped"
	OrderStatusCancelRequested OrderStatus = "cancel_requested"
	OrderStatusCancelFailed    OrderStatus = "cancel_failed"
	OrderStatusSettled         OrderStatus = "settled"
)

// ActiveOrderStatuses are the states in which an order still represents
// pending or filled-but-unsettled exchange work. The dedupe guard refuses a
// second buy for the same pair while any order is in one of these states.
var ActiveOrderStatuses = []OrderStatus{
	OrderStatusSubmitted,
	OrderStatusLive,
	OrderStatusMatched,
}

// Order is one unit of exchange work, derived 1:1 from a trade intent
// (enforced by a uniqueness constraint on IntentID).
type Order struct {
	ID         int64
	Strategy   string
	MarketID   string
	Outcome    int
	Side       OrderSide
	Quantity   float64
	LimitPrice float64
	Status     OrderStatus
	Paper      bool
	IntentID   int64

	// PositionID links sell orders back to the position they exit.
	PositionID *int64

	// Metadata carries venue bookkeeping: venue order id, post timestamps,
	// notional, skip/cancel reasons. Stored as jsonb.
	Metadata map[string]any

	CreatedAt time.Time
}

// VenueOrderID returns the venue-assigned order id from metadata, or "".
func (o Order) VenueOrderID() string {
	if o.Metadata == nil {
		return ""
	}
	if v, ok := o.Metadata["venue_order_id"].(string); ok {
		return v
	}
	return ""
}

// Fill is an executed quantity/price pair against an order. Append-only.
type Fill struct {
	ID      int64
	OrderID int64
	Qty     float64
	Price   float64
	Paper   bool
	At      time.Time
}

// FillAggregate is the settlement view of an order's fills: total quantity,
// volume-weighted price, and the time of the last fill.
type FillAggregate struct {
	Qty    float64
	VWAP   float64
	LastAt time.Time
}

// Empty reports whether any fills were aggregated.
func (a FillAggregate) Empty() bool {
	return a.Qty <= 0 || a.VWAP <= 0 || a.LastAt.IsZero()
}
