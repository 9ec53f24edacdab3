package domain

import "time"

// RiskState is the guardian's view of the portfolio. Only the guardian
// mutates it.
type RiskState struct {
	PortfolioValue float64            `json:"portfolio_value"`
	HighWaterMark  float64            `json:"high_water_mark"`
	DayStartValue  float64            `json:"day_start_value"`
	DailyPnL       float64            `json:"daily_pnl"`
	Day            string             `json:"day"` // UTC date, 2006-01-02
	Halted         bool               `json:"halted"`
	HaltReason     string             `json:"halt_reason,omitempty"`
	HaltedAt       time.Time          `json:"halted_at,omitempty"`
	Exposure       map[string]float64 `json:"exposure"` // USD by market id
	// Reservations hold exposure for approved requests, keyed by request id,
	// until their trade result arrives.
	Reservations map[string]Reservation `json:"reservations,omitempty"`
	// Positions are open holdings keyed by PositionKey.
	Positions map[string]Position `json:"positions,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Reservation is exposure counted for an approved request that has no
// result yet.
type Reservation struct {
	MarketID string    `json:"market_id"`
	TokenID  string    `json:"token_id"`
	Amount   float64   `json:"amount"`
	EndsAt   time.Time `json:"ends_at,omitempty"`
	At       time.Time `json:"at"`
}

// Position is the shares of one token a strategy holds. Portfolio value
// carries them at Shares*Mark.
type Position struct {
	Strategy string    `json:"strategy"`
	MarketID string    `json:"market_id"`
	TokenID  string    `json:"token_id"`
	Shares   float64   `json:"shares"`
	Cost     float64   `json:"cost"` // USD paid, fees excluded
	Fees     float64   `json:"fees"`
	Mark     float64   `json:"mark"`
	EndsAt   time.Time `json:"ends_at,omitempty"`
	MarkedAt time.Time `json:"marked_at"`
}

// PositionKey identifies a strategy's holding of a token.
func PositionKey(strategy, tokenID string) string { return strategy + "|" + tokenID }

// ClosedPosition is a position settled at market resolution. PnL is the
// payout minus everything paid for it, fees included.
type ClosedPosition struct {
	Strategy string  `json:"strategy"`
	MarketID string  `json:"market_id"`
	TokenID  string  `json:"token_id"`
	Payout   float64 `json:"payout"`
	PnL      float64 `json:"pnl"`
}

// MarkUpdate is published when the guardian revalues open positions. PnL is
// the change in value per strategy since the previous mark.
type MarkUpdate struct {
	ID             string             `json:"id"`
	PnL            map[string]float64 `json:"pnl"`
	Closed         []ClosedPosition   `json:"closed,omitempty"`
	PortfolioValue float64            `json:"portfolio_value"`
	At             time.Time          `json:"at"`
}

// Drawdown returns the fractional decline from the high-water mark.
func (s RiskState) Drawdown() float64 {
	if s.HighWaterMark <= 0 {
		return 0
	}
	dd := (s.HighWaterMark - s.PortfolioValue) / s.HighWaterMark
	if dd < 0 {
		return 0
	}
	return dd
}

// DailyLossPct returns today's loss as a fraction of the start-of-day value.
// Gains return 0.
func (s RiskState) DailyLossPct() float64 {
	if s.DayStartValue <= 0 || s.DailyPnL >= 0 {
		return 0
	}
	return -s.DailyPnL / s.DayStartValue
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s RiskState) Clone() RiskState {
	out := s
	out.Exposure = make(map[string]float64, len(s.Exposure))
	for k, v := range s.Exposure {
		out.Exposure[k] = v
	}
	out.Reservations = make(map[string]Reservation, len(s.Reservations))
	for k, v := range s.Reservations {
		out.Reservations[k] = v
	}
	out.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	return out
}
