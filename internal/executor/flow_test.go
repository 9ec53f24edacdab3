package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/risk"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movingBook struct {
	mu   sync.Mutex
	book domain.OrderBook
}

func (m *movingBook) FetchOrderBook(context.Context, string) (domain.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book, nil
}

func (m *movingBook) setBid(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book.Bids = []domain.PriceLevel{{Price: price, Size: 1000}}
}

// Worst-case fills at the price limit followed by a collapsing bid must
// show up as a loss in the guardian and halt trading.
func TestFlow_FeesAndLosingMarkHaltGuardian(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	books := &movingBook{book: domain.OrderBook{
		Asks: []domain.PriceLevel{{Price: 0.40, Size: 1000}},
		Bids: []domain.PriceLevel{{Price: 0.39, Size: 1000}},
	}}

	guardianOut := &recorder{}
	g := risk.NewGuardian(risk.Config{
		Limits: risk.Limits{
			MinProfitUSD:      0.05,
			SlippageEdgeRatio: 0.5,
			MaxPositionPct:    0.10,
			DailyLossPct:      0.05,
			MaxDrawdownPct:    0.15,
		},
		StartingCapital: 1000,
	}, books, guardianOut, nil, nil, nil, logger)

	engineOut := &recorder{}
	e := NewEngine(Config{PendingTTL: time.Minute}, Deps{
		Submitter: NewPaperSubmitter(books, 100),
		Store:     memory.NewTradeStore(),
		Books:     books,
		Publisher: engineOut,
	}, logger)

	for i := range 3 {
		req := testRequest(fmt.Sprintf("opp-%d/leg-0", i))
		require.NoError(t, g.Handle(ctx, bus.Message{Payload: req}))
		deliver(t, e, req)
	}
	for _, p := range guardianOut.out[domain.ChannelTradeDecisions] {
		d := p.(domain.TradeDecision)
		require.True(t, d.Approved, d.Reason)
		deliver(t, e, d)
	}

	results := engineOut.results()
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, domain.TradeStatusFilled, res.Status)
		assert.InDelta(t, 50, res.Shares, 1e-9)
		assert.InDelta(t, 0.5, res.Fees, 1e-9)
		assert.Negative(t, res.RealizedPnL)
		require.NoError(t, g.Handle(ctx, bus.Message{Payload: res}))
	}
	st := g.Snapshot()
	assert.InDelta(t, 998.5, st.PortfolioValue, 1e-9)
	assert.False(t, st.Halted)

	books.setBid(0.05)
	require.NoError(t, g.Tick(ctx))

	st = g.Snapshot()
	// 150 shares fall from 0.40 to 0.05 on top of 1.5 in fees.
	assert.InDelta(t, 946, st.PortfolioValue, 1e-9)
	assert.True(t, st.Halted)
	assert.Contains(t, st.HaltReason, "daily loss")
}
