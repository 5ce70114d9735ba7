package domain

import (
	"strings"
	"time"
)

// Market holds the metadata the scanner filters on. Rows are maintained by
// the market refresher from the venue's metadata API.
type Market struct {
	ID        string // condition id
	Question  string
	Slug      string
	Tags      []string
	TokenIDs  []string // CLOB token id per outcome index
	Volume24h float64
	Active    bool
	ResolveAt *time.Time
	UpdatedAt time.Time
}

// HasAnyTag reports whether the market carries at least one of the given
// lowercase tags.
func (m Market) HasAnyTag(tags map[string]struct{}) bool {
	if len(tags) == 0 {
		return false
	}
	for _, t := range m.Tags {
		if _, ok := tags[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	return false
}

// QuestionContains reports whether the market question contains any of the
// given keywords as a case-insensitive substring. It returns the first
// matching keyword as configured.
func (m Market) QuestionContains(keywords []string) (string, bool) {
	if m.Question == "" || len(keywords) == 0 {
		return "", false
	}
	q := strings.ToLower(m.Question)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// TokenID returns the CLOB token id for the outcome index, or "" when the
// market's token ids are unknown.
func (m Market) TokenID(outcome int) string {
	if outcome < 0 || outcome >= len(m.TokenIDs) {
		return ""
	}
	return m.TokenIDs[outcome]
}

// MarketVolume pairs a market id with its recent traded volume, used for
// top-N market selection.
type MarketVolume struct {
	MarketID  string
	VolumeUSD float64
}
