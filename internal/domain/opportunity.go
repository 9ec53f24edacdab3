package domain

import "time"

// OpportunityType names the rule that produced an Opportunity.
type OpportunityType string

const (
	OpportunitySumMispricing OpportunityType = "sum_mispricing"
	OpportunityOracleLag     OpportunityType = "oracle_lag"
)

// OpportunityLeg is one outcome to buy to capture an opportunity.
type OpportunityLeg struct {
	Outcome string  `json:"outcome"`
	TokenID string  `json:"token_id"`
	Price   float64 `json:"price"`
	FeeRate float64 `json:"fee_rate"` // per share, zero when fee-free
}

// Opportunity is a detected, fee-adjusted pricing discrepancy. It is an
// immutable fact and carries a stable ID derived from what was observed.
type Opportunity struct {
	ID             string           `json:"id"`
	Type           OpportunityType  `json:"type"`
	MarketID       string           `json:"market_id"`
	MarketTitle    string           `json:"market_title"`
	Legs           []OpportunityLeg `json:"legs"`
	GrossEdge      float64          `json:"gross_edge"`
	Fees           float64          `json:"fees"`
	ExpectedEdge   float64          `json:"expected_edge"` // net of fees, per share
	SignalStrength float64          `json:"signal_strength"`
	Liquidity      float64          `json:"liquidity"`
	FeeBearing     bool             `json:"fee_bearing"`
	MarketEndsAt   time.Time        `json:"market_ends_at,omitempty"`
	ObservedAt     time.Time        `json:"observed_at"`
}
