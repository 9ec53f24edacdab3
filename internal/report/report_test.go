package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
)

func TestSummarise(t *testing.T) {
	recs := []domain.TradeRecord{
		// Bought 20 shares at 0.45 expecting 0.50: pnl 20*0.50-9 = 1.
		{Strategy: "sum_to_one", Status: domain.TradeStatusFilled, Shares: 20, FilledUSD: 9, MaxPrice: 0.45, ExpectedEdge: 0.05},
		// Paid more than expected value: pnl 10*0.40-4.5 = -0.5.
		{Strategy: "sum_to_one", Status: domain.TradeStatusPartiallyFilled, Shares: 10, FilledUSD: 4.5, MaxPrice: 0.38, ExpectedEdge: 0.02},
		// Fee of 0.01 per share is charged but the edge is quoted net of it:
		// 10*(0.40+0.05+0.01) - 4.2 - 0.1 = 0.3.
		{Strategy: "oracle_lag", Status: domain.TradeStatusFilled, Shares: 10, FilledUSD: 4.2, MaxPrice: 0.40, ExpectedEdge: 0.05, FeeRate: 0.01, Fees: 0.1},
		{Strategy: "sum_to_one", Status: domain.TradeStatusRejected},
		{Strategy: "oracle_lag", Status: domain.TradeStatusFailed},
	}

	s := Summarise(recs)
	assert.Equal(t, 5, s.Trades)
	assert.Equal(t, 2, s.ByStatus[domain.TradeStatusFilled])
	assert.Equal(t, 1, s.ByStatus[domain.TradeStatusRejected])
	assert.InDelta(t, 17.7, s.FilledUSD, 1e-9)
	assert.InDelta(t, 0.1, s.Fees, 1e-9)
	assert.InDelta(t, 0.8, s.ExpectedPnL, 1e-9)

	require.Len(t, s.Strategies, 2)
	lag := s.Strategies[0]
	assert.Equal(t, "oracle_lag", lag.Strategy)
	assert.Equal(t, 2, lag.Trades)
	assert.Equal(t, 1, lag.Filled)
	assert.InDelta(t, 0.1, lag.Fees, 1e-9)
	assert.InDelta(t, 0.3, lag.ExpectedPnL, 1e-9)

	arb := s.Strategies[1]
	assert.Equal(t, 3, arb.Trades)
	assert.Equal(t, 2, arb.Filled)
	assert.Equal(t, 1, arb.Wins)
	assert.Equal(t, 1, arb.Losses)
}

func TestBuildAppliesFilter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTradeStore()
	now := time.Now().UTC()
	for i, strat := range []string{"a", "b", "a"} {
		_, err := store.Insert(ctx, domain.TradeRecord{
			ID: strat + string(rune('0'+i)), RequestID: strat + string(rune('0'+i)),
			Strategy: strat, Status: domain.TradeStatusFailed, CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	rep, err := Build(ctx, store, domain.TradeFilter{Strategy: "a"})
	require.NoError(t, err)
	assert.Len(t, rep.Trades, 2)
	assert.Equal(t, 2, rep.Summary.Trades)
	assert.Equal(t, "a2", rep.Trades[0].ID)
}
