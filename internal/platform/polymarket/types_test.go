package polymarket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexBool(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`"true"`, true},
		{`"True"`, true},
		{`"false"`, false},
		{`"1"`, true},
		{`null`, false},
	}
	for _, tc := range cases {
		var f flexBool
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &f))
		assert.Equal(t, tc.want, bool(f), "raw %s", tc.raw)
	}
}

func TestFlexFloat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want float64
	}{
		{`0.42`, 0.42},
		{`"0.42"`, 0.42},
		{`""`, 0},
		{`null`, 0},
		{`"garbage"`, 0},
	}
	for _, tc := range cases {
		var f flexFloat
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &f))
		assert.InDelta(t, tc.want, float64(f), 1e-9, "raw %s", tc.raw)
	}
}

func TestAPIMarket_ToDomainMarket(t *testing.T) {
	t.Parallel()

	raw := `{
		"conditionId": "0xc1",
		"question": "Will it rain?",
		"slug": "will-it-rain",
		"active": "true",
		"closed": false,
		"endDate": "2025-12-31T00:00:00Z",
		"volume24hr": "12345.6",
		"clobTokenIds": "[\"tok0\",\"tok1\"]",
		"events": [
			{"tags": [{"label": "Weather"}, {"label": " weather "}, {"label": ""}]},
			{"tags": [{"label": "Climate"}]}
		]
	}`
	var am APIMarket
	require.NoError(t, json.Unmarshal([]byte(raw), &am))

	m := am.ToDomainMarket()
	assert.Equal(t, "0xc1", m.ID)
	assert.Equal(t, "Will it rain?", m.Question)
	assert.True(t, m.Active)
	assert.InDelta(t, 12345.6, m.Volume24h, 1e-9)
	assert.Equal(t, []string{"tok0", "tok1"}, m.TokenIDs)
	assert.Equal(t, []string{"weather", "climate"}, m.Tags)
	require.NotNil(t, m.ResolveAt)
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), m.ResolveAt.UTC())
}

func TestAPIMarket_ClosedOverridesActive(t *testing.T) {
	t.Parallel()

	am := APIMarket{ConditionID: "0xc1", Active: true, Closed: true}
	assert.False(t, am.ToDomainMarket().Active)
}

func TestAPIMarket_MalformedTokenIDsTolerated(t *testing.T) {
	t.Parallel()

	am := APIMarket{ConditionID: "0xc1", ClobTokenIDs: "not json"}
	m := am.ToDomainMarket()
	assert.Nil(t, m.TokenIDs)
	assert.Equal(t, "", m.TokenID(0))
}

func TestAPIClobMarket_Orderable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    APIClobMarket
		want bool
	}{
		{"accepting", APIClobMarket{AcceptingOrders: true, Active: true}, true},
		{"not accepting", APIClobMarket{Active: true}, false},
		{"closed", APIClobMarket{AcceptingOrders: true, Active: true, Closed: true}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.m.Orderable(), tc.name)
	}
}

func TestWsTrade_ToDomainTrade(t *testing.T) {
	t.Parallel()

	raw := `{
		"conditionId": "0xc1",
		"asset": "tok0",
		"outcomeIndex": 0,
		"price": "0.41",
		"size": "120",
		"timestamp": 1748779200000,
		"transactionHash": "0xdead"
	}`
	var wt wsTrade
	require.NoError(t, json.Unmarshal([]byte(raw), &wt))

	tr := wt.ToDomainTrade()
	assert.Equal(t, "0xc1", tr.MarketID)
	assert.InDelta(t, 0.41, tr.Price, 1e-9)
	assert.InDelta(t, 120, tr.Qty, 1e-9)
	assert.InDelta(t, 49.2, tr.ValueUSD, 1e-9)
	assert.Equal(t, "0xdead", tr.TradeID)
	assert.Equal(t, time.UnixMilli(1748779200000).UTC(), tr.At)
}

func TestWsTrade_SyntheticIDWhenNoHash(t *testing.T) {
	t.Parallel()

	wt := wsTrade{Asset: "tok0", Timestamp: 1700000000000}
	assert.Equal(t, "tok0:1700000000000", wt.ToDomainTrade().TradeID)
}
