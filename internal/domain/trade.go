package domain

import "time"

// TradeStatus tracks a trade through its lifecycle.
type TradeStatus string

const (
	TradeStatusPending         TradeStatus = "pending"
	TradeStatusSubmitted       TradeStatus = "submitted"
	TradeStatusFilled          TradeStatus = "filled"
	TradeStatusPartiallyFilled TradeStatus = "partially_filled"
	TradeStatusRejected        TradeStatus = "rejected"
	TradeStatusFailed          TradeStatus = "failed"
	TradeStatusCancelled       TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusPartiallyFilled, TradeStatusRejected,
		TradeStatusFailed, TradeStatusCancelled:
		return true
	}
	return false
}

var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending: {
		TradeStatusSubmitted, TradeStatusRejected, TradeStatusFailed, TradeStatusCancelled,
	},
	TradeStatusSubmitted: {
		TradeStatusFilled, TradeStatusPartiallyFilled, TradeStatusFailed, TradeStatusCancelled,
	},
}

// CanTransition reports whether a trade may move from one status to another.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range tradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TradeRequest is a strategy's intent to trade. ID is the correlation id
// shared by the matching TradeDecision and the eventual trade record.
type TradeRequest struct {
	ID            string    `json:"id"`
	OpportunityID string    `json:"opportunity_id"`
	Strategy      string    `json:"strategy"`
	MarketID      string    `json:"market_id"`
	Outcome       string    `json:"outcome"`
	TokenID       string    `json:"token_id"`
	Side          OrderSide `json:"side"`
	Amount        float64   `json:"amount"` // USD notional
	MaxPrice      float64   `json:"max_price"`
	ExpectedEdge  float64   `json:"expected_edge"`
	FeeRate       float64   `json:"fee_rate"` // venue fee per share, price units
	MarketEndsAt  time.Time `json:"market_ends_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TradeDecision is the guardian's verdict on exactly one TradeRequest.
type TradeDecision struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// TradeRecord is the persisted form of a trade. Once Status is terminal the
// record is never modified again.
type TradeRecord struct {
	ID           string      `json:"id"`
	RequestID    string      `json:"request_id"`
	Strategy     string      `json:"strategy"`
	MarketID     string      `json:"market_id"`
	Outcome      string      `json:"outcome"`
	TokenID      string      `json:"token_id"`
	Side         OrderSide   `json:"side"`
	Amount       float64     `json:"amount"`
	MaxPrice     float64     `json:"max_price"`
	ExpectedEdge float64     `json:"expected_edge"`
	FeeRate      float64     `json:"fee_rate"`
	Status       TradeStatus `json:"status"`
	Shares       float64     `json:"shares"`
	FilledUSD    float64     `json:"filled_usd"`
	AvgPrice     float64     `json:"avg_price"`
	Fees         float64     `json:"fees"`
	VenueOrderID string      `json:"venue_order_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Paper        bool        `json:"paper"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ApplyFill copies a venue fill onto the record and charges the fee rate on
// the filled shares.
func (r *TradeRecord) ApplyFill(res OrderResult) {
	r.Shares = res.Shares
	r.FilledUSD = res.FilledUSD
	r.AvgPrice = res.AvgPrice
	r.VenueOrderID = res.VenueOrderID
	r.Fees = 0
	if res.Shares > 0 {
		r.Fees = res.Shares * r.FeeRate
	}
}

// ExpectedPnL is what the filled shares should return at resolution if the
// detected edge is real: their fair value (observed price, net edge and fee)
// minus the cost paid including fees.
func (r TradeRecord) ExpectedPnL() float64 {
	if r.Shares == 0 {
		return 0
	}
	return r.Shares*(r.MaxPrice+r.ExpectedEdge+r.FeeRate) - r.FilledUSD - r.Fees
}

// TradeResult is published once per terminal trade.
type TradeResult struct {
	TradeID     string      `json:"trade_id"`
	RequestID   string      `json:"request_id"`
	Strategy    string      `json:"strategy"`
	MarketID    string      `json:"market_id"`
	TokenID     string      `json:"token_id"`
	Status      TradeStatus `json:"status"`
	Shares      float64     `json:"shares"`
	FilledUSD   float64     `json:"filled_usd"`
	AvgPrice    float64     `json:"avg_price"`
	Fees        float64     `json:"fees"`
	RealizedPnL float64     `json:"realized_pnl"` // fees paid; value changes arrive as marks
	Reason      string      `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
}

// ResultFromRecord builds the published result for a terminal record. At
// fill time only the fee is realized: the shares are worth what was paid for
// them until the next mark.
func ResultFromRecord(r TradeRecord) TradeResult {
	return TradeResult{
		TradeID:     r.ID,
		RequestID:   r.RequestID,
		Strategy:    r.Strategy,
		MarketID:    r.MarketID,
		TokenID:     r.TokenID,
		Status:      r.Status,
		Shares:      r.Shares,
		FilledUSD:   r.FilledUSD,
		AvgPrice:    r.AvgPrice,
		Fees:        r.Fees,
		RealizedPnL: -r.Fees,
		Reason:      r.Reason,
		At:          r.UpdatedAt,
	}
}
