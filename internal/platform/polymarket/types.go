package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// flexBool unmarshals both JSON booleans and the string forms ("true",
// "false") the Gamma API sometimes returns.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// flexFloat unmarshals both JSON numbers and string-encoded numbers.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// APIMarket is a market row as returned by the Gamma API.
type APIMarket struct {
	ConditionID  string    `json:"conditionId"`
	Question     string    `json:"question"`
	Slug         string    `json:"slug"`
	Active       flexBool  `json:"active"`
	Closed       flexBool  `json:"closed"`
	EndDate      string    `json:"endDate"`
	Volume24h    flexFloat `json:"volume24hr"`
	ClobTokenIDs string    `json:"clobTokenIds"` // JSON-encoded string array
	Events       []struct {
		Tags []struct {
			Label string `json:"label"`
		} `json:"tags"`
	} `json:"events"`
}

// ToDomainMarket converts the API row. Tag labels are lowered; the
// string-encoded token id array is decoded, tolerating malformed payloads.
func (m *APIMarket) ToDomainMarket() domain.Market {
	out := domain.Market{
		ID:        m.ConditionID,
		Question:  m.Question,
		Slug:      m.Slug,
		Volume24h: float64(m.Volume24h),
		Active:    bool(m.Active) && !bool(m.Closed),
		UpdatedAt: time.Now().UTC(),
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			out.ResolveAt = &t
		}
	}

	if m.ClobTokenIDs != "" {
		var tokens []string
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err == nil {
			out.TokenIDs = tokens
		}
	}

	seen := make(map[string]struct{})
	for _, ev := range m.Events {
		for _, tag := range ev.Tags {
			label := strings.ToLower(strings.TrimSpace(tag.Label))
			if label == "" {
				continue
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			out.Tags = append(out.Tags, label)
		}
	}

	return out
}

// APIClobMarket is the CLOB API's view of a market, used for the pre-submit
// orderability check.
type APIClobMarket struct {
	ConditionID     string   `json:"condition_id"`
	AcceptingOrders flexBool `json:"accepting_orders"`
	Active          flexBool `json:"active"`
	Closed          flexBool `json:"closed"`
}

// Orderable reports whether the venue will accept new orders for the market.
func (m *APIClobMarket) Orderable() bool {
	return bool(m.AcceptingOrders) && bool(m.Active) && !bool(m.Closed)
}

// APIOrderResult is the CLOB response to an order post.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// APIFill is one executed trade from the CLOB trades endpoint.
type APIFill struct {
	ID           string    `json:"id"`
	TakerOrderID string    `json:"taker_order_id"`
	Price        flexFloat `json:"price"`
	Size         flexFloat `json:"size"`
	MatchTime    string    `json:"match_time"` // epoch seconds as string
	MakerOrders  []struct {
		OrderID       string    `json:"order_id"`
		Price         flexFloat `json:"price"`
		MatchedAmount flexFloat `json:"matched_amount"`
	} `json:"maker_orders"`
}

// VenueFill is a normalized fill for one of our orders.
type VenueFill struct {
	Qty   float64
	Price float64
	At    time.Time
}

// APIPosition is one holding from the Data API positions endpoint.
type APIPosition struct {
	ConditionID  string    `json:"conditionId"`
	OutcomeIndex int       `json:"outcomeIndex"`
	Size         flexFloat `json:"size"`
	AvgPrice     flexFloat `json:"avgPrice"`
	CurPrice     flexFloat `json:"curPrice"`
	PercentPnL   flexFloat `json:"percentPnl"`
	Title        string    `json:"title"`
}

// ToDomainHolding converts the API row.
func (p *APIPosition) ToDomainHolding() domain.VenueHolding {
	return domain.VenueHolding{
		MarketID:     p.ConditionID,
		Outcome:      p.OutcomeIndex,
		Size:         float64(p.Size),
		AvgPrice:     float64(p.AvgPrice),
		CurrentPrice: float64(p.CurPrice),
		PercentPnL:   float64(p.PercentPnL),
		Title:        p.Title,
	}
}

// wsTrade is one trade event from the live-data websocket.
type wsTrade struct {
	ConditionID  string    `json:"conditionId"`
	Asset        string    `json:"asset"`
	OutcomeIndex int       `json:"outcomeIndex"`
	Price        flexFloat `json:"price"`
	Size         flexFloat `json:"size"`
	Timestamp    int64     `json:"timestamp"` // epoch millis
	Hash         string    `json:"transactionHash"`
}

// ToDomainTrade converts the stream event into a trade-log row.
func (t *wsTrade) ToDomainTrade() domain.Trade {
	price := float64(t.Price)
	qty := float64(t.Size)
	at := time.UnixMilli(t.Timestamp).UTC()
	tradeID := t.Hash
	if tradeID == "" {
		tradeID = t.Asset + ":" + strconv.FormatInt(t.Timestamp, 10)
	}
	return domain.Trade{
		MarketID: t.ConditionID,
		Outcome:  t.OutcomeIndex,
		Price:    price,
		Qty:      qty,
		ValueUSD: price * qty,
		TradeID:  tradeID,
		At:       at,
	}
}

// wsEnvelope wraps every live-data websocket message.
type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsCommand is a subscribe/unsubscribe frame.
type wsCommand struct {
	Action        string           `json:"action"`
	Subscriptions []wsSubscription `json:"subscriptions"`
}

type wsSubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}
