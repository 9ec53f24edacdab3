package domain

import "time"

// StrategyPerformance is the allocator's running tally for one strategy.
type StrategyPerformance struct {
	Strategy      string  `json:"strategy"`
	PnL           float64 `json:"pnl"`
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	AllocationPct float64 `json:"allocation_pct"`
}

// AllocationSnapshot is published after each rebalance.
type AllocationSnapshot struct {
	Strategies []StrategyPerformance `json:"strategies"`
	TotalPct   float64               `json:"total_pct"`
	At         time.Time             `json:"at"`
}

// Allocation returns the allocation percent for a strategy, or 0.
func (s AllocationSnapshot) Allocation(strategy string) (float64, bool) {
	for _, p := range s.Strategies {
		if p.Strategy == strategy {
			return p.AllocationPct, true
		}
	}
	return 0, false
}
