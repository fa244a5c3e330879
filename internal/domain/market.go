package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TickSize is the minimum price increment of a market, as the exchange
// reports it.
type TickSize string

const (
	TickSize01    TickSize = "0.1"
	TickSize001   TickSize = "0.01"
	TickSize0001  TickSize = "0.001"
	TickSize00001 TickSize = "0.0001"
)

// ParseTickSize normalises the exchange's textual tick size.
func ParseTickSize(s string) (TickSize, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("domain: tick size %q: %w", s, err)
	}
	for _, t := range []TickSize{TickSize01, TickSize001, TickSize0001, TickSize00001} {
		if d.Equal(t.Decimal()) {
			return t, nil
		}
	}
	return "", fmt.Errorf("domain: unsupported tick size %q", s)
}

// Decimal returns the tick size as a decimal.
func (t TickSize) Decimal() decimal.Decimal {
	return decimal.RequireFromString(string(t))
}

// MarketMetadata is what the order builder needs to know about a token.
type MarketMetadata struct {
	TokenID      string
	ConditionID  string
	TickSize     TickSize
	MinOrderSize decimal.Decimal
	NegRisk      bool
	FeeRateBps   uint64
	Book         *OrderbookSnapshot // needed for market orders only
}

// Market is a prediction market as listed by the gamma API.
type Market struct {
	ID          string
	Question    string
	Slug        string
	ConditionID string
	Outcomes    []string
	TokenIDs    []string
	NegRisk     bool
	Active      bool
	Closed      bool
	TickSize    TickSize
	MinSize     decimal.Decimal
	EndDate     *time.Time
}
