package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Publish(_ context.Context, _ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, payload)
	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		SumMargin:   0.02,
		MinEdge:     0.02,
		Volatility:  0.6,
		MaxQuoteAge: 30 * time.Second,
		Cooldown:    10 * time.Second,
		Fees: FeeModel{
			Coefficient: 0.0312,
			Keywords:    []string{"up or down"},
			Durations:   []string{"15m", "15 min"},
		},
	}
}

func newScanner() (*Scanner, *recorder) {
	rec := &recorder{}
	return New(testConfig(), rec, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), rec
}

func binary(id, title string, yes, no float64) domain.Market {
	return domain.Market{
		ID:    id,
		Title: title,
		Outcomes: []domain.Outcome{
			{Name: "Yes", TokenID: id + "-y", Price: yes},
			{Name: "No", TokenID: id + "-n", Price: no},
		},
		Liquidity:  500,
		ObservedAt: t0,
	}
}

func TestFeeModel_Rate(t *testing.T) {
	f := testConfig().Fees
	tests := []struct {
		p    float64
		want float64
	}{
		{0.50, 0.0156},
		{0.25, 0.0078},
		{0.75, 0.0078},
		{0, 0},
		{1, 0},
		{0.01, 0.000312},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, f.Rate(tt.p), 1e-9, "p=%v", tt.p)
	}
}

func TestFeeModel_FeeBearing(t *testing.T) {
	f := testConfig().Fees
	assert.True(t, f.FeeBearing("Bitcoin Up or Down - 15m"))
	assert.False(t, f.FeeBearing("Bitcoin Up or Down - hourly"))
	assert.False(t, f.FeeBearing("Will it rain in Paris? 15m"))
}

func TestSumRule(t *testing.T) {
	tests := []struct {
		name      string
		market    domain.Market
		wantEmit  bool
		wantGross float64
		wantNet   float64
	}{
		{
			name:   "overpriced pair is ignored",
			market: binary("m1", "Election winner", 0.55, 0.47),
		},
		{
			name:      "underpriced pair without fees",
			market:    binary("m2", "Election winner", 0.40, 0.50),
			wantEmit:  true,
			wantGross: 0.10,
			wantNet:   0.10,
		},
		{
			name:      "underpriced fee-bearing pair nets fees",
			market:    binary("m3", "Bitcoin Up or Down - 15m", 0.40, 0.50),
			wantEmit:  true,
			wantGross: 0.10,
			wantNet:   0.10 - (0.0312*0.40 + 0.0312*0.50),
		},
		{
			name:   "inside the margin",
			market: binary("m4", "Election winner", 0.49, 0.495),
		},
		{
			name:   "fees eat the edge",
			market: binary("m5", "ETH Up or Down 15m", 0.485, 0.485),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newScanner()
			found := s.OnMarket(tt.market)
			if !tt.wantEmit {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			opp := found[0]
			assert.Equal(t, domain.OpportunitySumMispricing, opp.Type)
			assert.InDelta(t, tt.wantGross, opp.GrossEdge, 1e-9)
			assert.InDelta(t, tt.wantNet, opp.ExpectedEdge, 1e-9)
			assert.Len(t, opp.Legs, 2)
			assert.NotEmpty(t, opp.ID)
		})
	}
}

func TestSumRule_LegsCarryFeeRate(t *testing.T) {
	s, _ := newScanner()
	m := binary("m6", "Bitcoin Up or Down - 15m", 0.40, 0.50)
	m.EndsAt = t0.Add(15 * time.Minute)
	found := s.OnMarket(m)
	require.Len(t, found, 1)
	opp := found[0]
	require.Len(t, opp.Legs, 2)
	assert.InDelta(t, 0.0312*0.40, opp.Legs[0].FeeRate, 1e-9)
	assert.InDelta(t, 0.0312*0.50, opp.Legs[1].FeeRate, 1e-9)
	assert.InDelta(t, opp.Fees, opp.Legs[0].FeeRate+opp.Legs[1].FeeRate, 1e-9)
	assert.Equal(t, m.EndsAt, opp.MarketEndsAt)

	free, _ := newScanner()
	found = free.OnMarket(binary("m7", "Election winner", 0.40, 0.50))
	require.Len(t, found, 1)
	assert.Zero(t, found[0].Legs[0].FeeRate)
}

func TestSumRule_MultiOutcome(t *testing.T) {
	s, _ := newScanner()
	m := domain.Market{
		ID:    "multi",
		Title: "Who wins the cup?",
		Outcomes: []domain.Outcome{
			{Name: "A", Price: 0.30}, {Name: "B", Price: 0.30}, {Name: "C", Price: 0.30},
		},
		ObservedAt: t0,
	}
	found := s.OnMarket(m)
	require.Len(t, found, 1)
	assert.InDelta(t, 0.10, found[0].ExpectedEdge, 1e-9)
	assert.Len(t, found[0].Legs, 3)
}

func TestSumRule_Cooldown(t *testing.T) {
	s, _ := newScanner()
	m := binary("m1", "Election", 0.40, 0.50)
	require.Len(t, s.OnMarket(m), 1)

	m.ObservedAt = t0.Add(5 * time.Second)
	assert.Empty(t, s.OnMarket(m))

	m.ObservedAt = t0.Add(11 * time.Second)
	assert.Len(t, s.OnMarket(m), 1)
}

func TestOpportunityID_Stable(t *testing.T) {
	a, _ := newScanner()
	b, _ := newScanner()
	m := binary("m1", "Election", 0.40, 0.50)

	oa := a.OnMarket(m)
	ob := b.OnMarket(m)
	require.Len(t, oa, 1)
	require.Len(t, ob, 1)
	assert.Equal(t, oa[0].ID, ob[0].ID)

	m.ObservedAt = m.ObservedAt.Add(time.Minute)
	oc := a.OnMarket(m)
	require.Len(t, oc, 1)
	assert.NotEqual(t, oa[0].ID, oc[0].ID)
}

func TestOracleRule(t *testing.T) {
	s, _ := newScanner()
	m := domain.Market{
		ID:    "btc",
		Title: "Bitcoin Up or Down - hourly",
		Outcomes: []domain.Outcome{
			{Name: "Up", TokenID: "up", Price: 0.55},
			{Name: "Down", TokenID: "down", Price: 0.47},
		},
		Underlying: "BTC",
		Strike:     100_000,
		EndsAt:     t0.Add(5 * time.Minute),
		ObservedAt: t0,
	}
	assert.Empty(t, s.OnMarket(m), "no quote yet")

	// Spot well above strike with five minutes left: "Up" is nearly certain.
	found := s.OnQuote(domain.OracleQuote{Symbol: "btc", Value: 101_000, ObservedAt: t0.Add(time.Second)})
	require.Len(t, found, 1)
	opp := found[0]
	assert.Equal(t, domain.OpportunityOracleLag, opp.Type)
	require.Len(t, opp.Legs, 1)
	assert.Equal(t, "Up", opp.Legs[0].Outcome)
	assert.Greater(t, opp.ExpectedEdge, 0.3)
	assert.Zero(t, opp.Fees)
}

func TestOracleRule_CapturesStrike(t *testing.T) {
	s, _ := newScanner()
	s.OnQuote(domain.OracleQuote{Symbol: "ETH", Value: 3000, ObservedAt: t0})

	m := domain.Market{
		ID:    "eth",
		Title: "Ethereum Up or Down",
		Outcomes: []domain.Outcome{
			{Name: "Up", Price: 0.50},
			{Name: "Down", Price: 0.50},
		},
		Underlying: "ETH",
		EndsAt:     t0.Add(15 * time.Minute),
		ObservedAt: t0,
	}
	assert.Empty(t, s.OnMarket(m), "spot equals captured strike, no edge")

	found := s.OnQuote(domain.OracleQuote{Symbol: "ETH", Value: 2900, ObservedAt: t0.Add(2 * time.Second)})
	require.Len(t, found, 1)
	assert.Equal(t, "Down", found[0].Legs[0].Outcome)
}

func TestOracleRule_StaleQuote(t *testing.T) {
	s, _ := newScanner()
	s.OnQuote(domain.OracleQuote{Symbol: "BTC", Value: 150_000, ObservedAt: t0})
	m := domain.Market{
		ID:         "btc",
		Title:      "Bitcoin Up or Down",
		Outcomes:   []domain.Outcome{{Name: "Up", Price: 0.5}, {Name: "Down", Price: 0.5}},
		Underlying: "BTC",
		Strike:     100_000,
		EndsAt:     t0.Add(time.Hour),
		ObservedAt: t0.Add(time.Minute),
	}
	assert.Empty(t, s.OnMarket(m))
}

func TestOracleRule_IgnoresOlderQuote(t *testing.T) {
	s, _ := newScanner()
	s.OnQuote(domain.OracleQuote{Symbol: "BTC", Value: 100, ObservedAt: t0})
	s.OnQuote(domain.OracleQuote{Symbol: "BTC", Value: 90, ObservedAt: t0.Add(-time.Second)})
	assert.InDelta(t, 100, s.quotes["BTC"].Value, 0)
}

func TestProbabilityAbove(t *testing.T) {
	assert.InDelta(t, 0.5, ProbabilityAbove(100, 100, 0.5, time.Hour), 1e-9)
	assert.Greater(t, ProbabilityAbove(110, 100, 0.5, time.Hour), 0.9)
	assert.Less(t, ProbabilityAbove(90, 100, 0.5, time.Hour), 0.1)
	assert.Equal(t, 1.0, ProbabilityAbove(110, 100, 0.5, 0))
	assert.Equal(t, 0.0, ProbabilityAbove(90, 100, 0.5, 0))
}

func TestHandle_Publishes(t *testing.T) {
	s, rec := newScanner()
	msg := bus.Message{Channel: domain.ChannelMarkets, Payload: binary("m1", "Election", 0.40, 0.50)}
	require.NoError(t, s.Handle(context.Background(), msg))
	require.Len(t, rec.msgs, 1)
	_, ok := rec.msgs[0].(domain.Opportunity)
	assert.True(t, ok)
}
