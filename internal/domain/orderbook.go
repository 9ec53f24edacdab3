package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook. Size is in shares.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a snapshot of one outcome token's book. Asks are sorted
// ascending by price, bids descending.
type OrderBook struct {
	TokenID   string       `json:"token_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestAsk returns the lowest ask or 0 when the ask side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// BestBid returns the highest bid or 0 when the bid side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// Fill describes the result of walking the ask side of a book.
type Fill struct {
	Shares   float64
	SpentUSD float64
	AvgPrice float64
}

// LiquidityUpTo returns the USD notional resting on the ask side at or below
// maxPrice.
func (b OrderBook) LiquidityUpTo(maxPrice float64) float64 {
	var usd float64
	for _, lvl := range b.Asks {
		if lvl.Price > maxPrice {
			break
		}
		usd += lvl.Price * lvl.Size
	}
	return usd
}

// WalkAsks simulates a buy of up to amountUSD against the ask side, never
// paying more than maxPrice per share.
func (b OrderBook) WalkAsks(amountUSD, maxPrice float64) Fill {
	var f Fill
	remaining := amountUSD
	for _, lvl := range b.Asks {
		if remaining <= 0 || lvl.Price > maxPrice || lvl.Price <= 0 {
			break
		}
		levelUSD := lvl.Price * lvl.Size
		take := levelUSD
		if take > remaining {
			take = remaining
		}
		f.Shares += take / lvl.Price
		f.SpentUSD += take
		remaining -= take
	}
	if f.Shares > 0 {
		f.AvgPrice = f.SpentUSD / f.Shares
	}
	return f
}

// Slippage returns how far, in price units, the average fill for amountUSD
// sits above the best ask. It returns 1 when nothing can be filled.
func (b OrderBook) Slippage(amountUSD, maxPrice float64) float64 {
	best := b.BestAsk()
	f := b.WalkAsks(amountUSD, maxPrice)
	if best <= 0 || f.Shares == 0 {
		return 1
	}
	return f.AvgPrice - best
}
