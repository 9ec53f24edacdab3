// Package report summarises persisted trade records for the operator CLI
// and the HTTP API.
package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// StrategySummary aggregates one strategy's trades.
type StrategySummary struct {
	Strategy    string  `json:"strategy"`
	Trades      int     `json:"trades"`
	Filled      int     `json:"filled"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	FilledUSD   float64 `json:"filled_usd"`
	Fees        float64 `json:"fees"`
	ExpectedPnL float64 `json:"expected_pnl"`
}

// Summary aggregates a set of trade records.
type Summary struct {
	Trades      int                        `json:"trades"`
	ByStatus    map[domain.TradeStatus]int `json:"by_status"`
	FilledUSD   float64                    `json:"filled_usd"`
	Fees        float64                    `json:"fees"`
	ExpectedPnL float64                    `json:"expected_pnl"`
	Strategies  []StrategySummary          `json:"strategies"`
}

// Report is a query result with its summary.
type Report struct {
	Filter  domain.TradeFilter   `json:"-"`
	Summary Summary              `json:"summary"`
	Trades  []domain.TradeRecord `json:"trades"`
}

// Build queries store with f and summarises the result.
func Build(ctx context.Context, store domain.TradeStore, f domain.TradeFilter) (Report, error) {
	recs, err := store.Query(ctx, f)
	if err != nil {
		return Report{}, fmt.Errorf("report: query trades: %w", err)
	}
	return Report{Filter: f, Summary: Summarise(recs), Trades: recs}, nil
}

// Summarise aggregates recs. Money is summed in decimal so totals over many
// small fills do not drift. Wins and losses count fills by expected P&L; the
// marked portfolio value lives in the risk state.
func Summarise(recs []domain.TradeRecord) Summary {
	type acc struct {
		sum    StrategySummary
		filled decimal.Decimal
		fees   decimal.Decimal
		pnl    decimal.Decimal
	}
	var (
		totalFilled = decimal.Zero
		totalFees   = decimal.Zero
		totalPnL    = decimal.Zero
		per         = make(map[string]*acc)
	)
	out := Summary{Trades: len(recs), ByStatus: make(map[domain.TradeStatus]int)}

	for _, r := range recs {
		out.ByStatus[r.Status]++
		a, ok := per[r.Strategy]
		if !ok {
			a = &acc{sum: StrategySummary{Strategy: r.Strategy}}
			per[r.Strategy] = a
		}
		a.sum.Trades++
		if r.Shares <= 0 || r.FilledUSD <= 0 {
			continue
		}
		filled := decimal.NewFromFloat(r.FilledUSD)
		fees := decimal.NewFromFloat(r.Fees)
		pnl := decimal.NewFromFloat(r.ExpectedPnL())
		a.sum.Filled++
		if pnl.IsPositive() {
			a.sum.Wins++
		} else if pnl.IsNegative() {
			a.sum.Losses++
		}
		a.filled = a.filled.Add(filled)
		a.fees = a.fees.Add(fees)
		a.pnl = a.pnl.Add(pnl)
		totalFilled = totalFilled.Add(filled)
		totalFees = totalFees.Add(fees)
		totalPnL = totalPnL.Add(pnl)
	}

	out.FilledUSD = totalFilled.Round(2).InexactFloat64()
	out.Fees = totalFees.Round(4).InexactFloat64()
	out.ExpectedPnL = totalPnL.Round(4).InexactFloat64()
	for _, a := range per {
		a.sum.FilledUSD = a.filled.Round(2).InexactFloat64()
		a.sum.Fees = a.fees.Round(4).InexactFloat64()
		a.sum.ExpectedPnL = a.pnl.Round(4).InexactFloat64()
		out.Strategies = append(out.Strategies, a.sum)
	}
	sort.Slice(out.Strategies, func(i, j int) bool {
		return out.Strategies[i].Strategy < out.Strategies[j].Strategy
	})
	return out
}
