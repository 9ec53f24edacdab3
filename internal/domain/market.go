package domain

import (
	"strings"
	"time"
)

// Outcome is one tradable side of a market.
type Outcome struct {
	Name    string  `json:"name"`
	TokenID string  `json:"token_id"`
	Price   float64 `json:"price"` // best ask at observation time
}

// Market is an immutable snapshot of a prediction market taken at ObservedAt.
// Outcome prices need not sum to 1.
type Market struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug,omitempty"`
	Outcomes   []Outcome `json:"outcomes"`
	Underlying string    `json:"underlying,omitempty"` // oracle symbol, empty when unmapped
	Strike     float64   `json:"strike,omitempty"`     // reference price for up/down markets
	EndsAt     time.Time `json:"ends_at"`
	Liquidity  float64   `json:"liquidity"` // USD resting on the ask side
	ObservedAt time.Time `json:"observed_at"`
}

// PriceSum returns the sum of all outcome prices.
func (m Market) PriceSum() float64 {
	var sum float64
	for _, o := range m.Outcomes {
		sum += o.Price
	}
	return sum
}

// Outcome returns the outcome whose name matches (case-insensitive).
func (m Market) Outcome(name string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if strings.EqualFold(o.Name, name) {
			return o, true
		}
	}
	return Outcome{}, false
}

// Binary reports whether the market has exactly two outcomes.
func (m Market) Binary() bool { return len(m.Outcomes) == 2 }

// OracleQuote is the latest observed value of an external reference price.
type OracleQuote struct {
	Symbol     string    `json:"symbol"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}
