package risk

import (
	"fmt"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Input is everything a rule may look at. Rules never mutate it.
type Input struct {
	Request domain.TradeRequest
	State   domain.RiskState
	// Book is nil when the order book could not be fetched.
	Book *domain.OrderBook
}

// Liquidity is the USD available at or below the request's price limit.
func (in Input) Liquidity() float64 {
	if in.Book == nil {
		return 0
	}
	return in.Book.LiquidityUpTo(in.Request.MaxPrice)
}

// Verdict is a rule's answer. Halt asks the guardian to stop all trading.
type Verdict struct {
	Pass   bool
	Rule   string
	Reason string
	Halt   bool
}

var pass = Verdict{Pass: true}

// Rule is a named, pure check.
type Rule struct {
	Name  string
	Check func(Input) Verdict
}

// Limits parameterizes the built-in rules.
type Limits struct {
	MinProfitUSD      float64
	SlippageEdgeRatio float64
	MaxPositionPct    float64
	DailyLossPct      float64
	MaxDrawdownPct    float64
}

// Rule names.
const (
	RuleHalted        = "halted"
	RuleMinProfit     = "min_profit"
	RuleSlippage      = "slippage"
	RulePositionLimit = "position_limit"
	RuleDailyLoss     = "daily_loss"
	RuleDrawdown      = "drawdown"
)

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(l Limits) []Rule {
	return []Rule{
		{RuleHalted, haltedRule},
		{RuleMinProfit, minProfitRule(l.MinProfitUSD)},
		{RuleSlippage, slippageRule(l.SlippageEdgeRatio)},
		{RulePositionLimit, positionRule(l.MaxPositionPct)},
		{RuleDailyLoss, dailyLossRule(l.DailyLossPct)},
		{RuleDrawdown, drawdownRule(l.MaxDrawdownPct)},
	}
}

// Evaluate runs rules in order; the first failing verdict wins.
func Evaluate(rules []Rule, in Input) Verdict {
	for _, r := range rules {
		v := r.Check(in)
		if !v.Pass {
			v.Rule = r.Name
			return v
		}
	}
	return pass
}

func haltedRule(in Input) Verdict {
	if in.State.Halted {
		return Verdict{Reason: "trading halted: " + in.State.HaltReason}
	}
	return pass
}

func minProfitRule(threshold float64) func(Input) Verdict {
	return func(in Input) Verdict {
		size := min(in.Request.Amount, in.Liquidity())
		profit := in.Request.ExpectedEdge * size
		if profit < threshold {
			return Verdict{Reason: fmt.Sprintf("expected profit %.4f below minimum %.4f", profit, threshold)}
		}
		return pass
	}
}

func slippageRule(ratio float64) func(Input) Verdict {
	return func(in Input) Verdict {
		if in.Book == nil {
			return Verdict{Reason: "order book unavailable"}
		}
		slip := in.Book.Slippage(in.Request.Amount, in.Request.MaxPrice)
		limit := in.Request.ExpectedEdge * ratio
		if slip > limit {
			return Verdict{Reason: fmt.Sprintf("estimated slippage %.4f exceeds %.4f", slip, limit)}
		}
		return pass
	}
}

func positionRule(maxPct float64) func(Input) Verdict {
	return func(in Input) Verdict {
		exposure := in.State.Exposure[in.Request.MarketID] + in.Request.Amount
		limit := maxPct * in.State.PortfolioValue
		if exposure > limit {
			return Verdict{Reason: fmt.Sprintf("market exposure %.2f would exceed %.2f", exposure, limit)}
		}
		return pass
	}
}

func dailyLossRule(maxPct float64) func(Input) Verdict {
	return func(in Input) Verdict {
		if loss := in.State.DailyLossPct(); loss >= maxPct {
			return Verdict{Reason: fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", loss*100, maxPct*100), Halt: true}
		}
		return pass
	}
}

func drawdownRule(maxPct float64) func(Input) Verdict {
	return func(in Input) Verdict {
		if dd := in.State.Drawdown(); dd >= maxPct {
			return Verdict{Reason: fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, maxPct*100), Halt: true}
		}
		return pass
	}
}
