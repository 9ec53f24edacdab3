package domain

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest is what the executor sends to a venue.
type OrderRequest struct {
	ClientID   string // idempotency key, the trade request id
	TokenID    string
	Side       OrderSide
	AmountUSD  float64
	PriceLimit float64
	FeeRate    float64 // per share, charged by simulated venues
}

// OrderResult is the venue's answer to an OrderRequest.
type OrderResult struct {
	VenueOrderID string
	Shares       float64
	FilledUSD    float64
	AvgPrice     float64
}

// Partial reports whether less than the requested notional was filled.
func (r OrderResult) Partial(requested float64) bool {
	return r.FilledUSD > 0 && r.FilledUSD+1e-9 < requested
}
