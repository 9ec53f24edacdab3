// Package paper is an in-process venue with simulated binary markets. It
// lets the whole pipeline run without network access or credentials.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Config shapes the simulation.
type Config struct {
	Markets int
	Seed    uint64
	Balance float64
	// Depth is the number of ask levels per outcome book.
	Depth int
	// LevelSize is the share size resting at each level.
	LevelSize float64
	// Drift is the standard deviation of each price step.
	Drift float64
	// MispriceOdds is the chance a step leaves the outcome asks summing
	// below 1.
	MispriceOdds float64
}

type simMarket struct {
	id     string
	title  string
	yes    float64 // fair probability of the first outcome
	skew   float64 // added to both asks; negative means mispriced
	tokens [2]string
	ends   time.Time
}

// Venue implements domain.Venue over simulated state.
type Venue struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	markets []*simMarket
	byToken map[string]*simMarket
	balance float64
}

var _ domain.Venue = (*Venue)(nil)

// New seeds cfg.Markets markets.
func New(cfg Config) *Venue {
	if cfg.Markets <= 0 {
		cfg.Markets = 10
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 5
	}
	if cfg.LevelSize <= 0 {
		cfg.LevelSize = 100
	}
	if cfg.Drift <= 0 {
		cfg.Drift = 0.01
	}
	v := &Venue{
		cfg:     cfg,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		byToken: make(map[string]*simMarket),
		balance: cfg.Balance,
	}
	start := v.now().UTC()
	for i := range cfg.Markets {
		m := &simMarket{
			id:    "sim-" + strconv.Itoa(i+1),
			title: fmt.Sprintf("Simulated market %d", i+1),
			yes:   0.2 + 0.6*v.rng.Float64(),
			skew:  0.01,
			ends:  start.Add(time.Duration(1+i) * time.Hour),
		}
		for j := range m.tokens {
			m.tokens[j] = strconv.Itoa(1_000_000 + i*2 + j)
			v.byToken[m.tokens[j]] = m
		}
		v.markets = append(v.markets, m)
	}
	return v
}

// FetchMarkets advances every market one step and returns fresh snapshots.
func (v *Venue) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now().UTC()
	out := make([]domain.Market, 0, len(v.markets))
	for _, m := range v.markets {
		v.step(m)
		yesAsk, noAsk := m.asks()
		out = append(out, domain.Market{
			ID:    m.id,
			Title: m.title,
			Outcomes: []domain.Outcome{
				{Name: "Yes", TokenID: m.tokens[0], Price: yesAsk},
				{Name: "No", TokenID: m.tokens[1], Price: noAsk},
			},
			EndsAt:     m.ends,
			Liquidity:  v.cfg.LevelSize * float64(v.cfg.Depth) * (yesAsk + noAsk),
			ObservedAt: now,
		})
	}
	return out, nil
}

// FetchOrderBook builds a ladder of asks starting at the current ask.
func (v *Venue) FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderBook{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.byToken[tokenID]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("paper: book %s: %w", tokenID, domain.ErrNotFound)
	}
	yesAsk, noAsk := m.asks()
	ask := yesAsk
	if tokenID == m.tokens[1] {
		ask = noAsk
	}
	return v.ladder(tokenID, ask), nil
}

// PlaceOrder fills a buy against the simulated ladder and debits the
// balance. Sells are not simulated.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Side == domain.OrderSideSell {
		return domain.OrderResult{}, fmt.Errorf("paper: %w: sells not simulated", domain.ErrInvalidOrder)
	}
	book, err := v.FetchOrderBook(ctx, req.TokenID)
	if err != nil {
		return domain.OrderResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	amount := math.Min(req.AmountUSD, v.balance)
	fill := book.WalkAsks(amount, req.PriceLimit)
	if fill.Shares == 0 {
		return domain.OrderResult{}, domain.ErrNoLiquidity
	}
	v.balance -= fill.SpentUSD + fill.Shares*req.FeeRate
	return domain.OrderResult{
		VenueOrderID: "sim-" + uuid.NewString(),
		Shares:       fill.Shares,
		FilledUSD:    fill.SpentUSD,
		AvgPrice:     fill.AvgPrice,
	}, nil
}

// GetBalance returns the simulated collateral.
func (v *Venue) GetBalance(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, ctx.Err()
}

// step moves the fair price and occasionally opens a mispricing. Caller
// holds v.mu.
func (v *Venue) step(m *simMarket) {
	m.yes += v.rng.NormFloat64() * v.cfg.Drift
	m.yes = math.Max(0.05, math.Min(0.95, m.yes))
	m.skew = 0.01
	if v.rng.Float64() < v.cfg.MispriceOdds {
		m.skew = -0.02 - 0.03*v.rng.Float64()
	}
}

// asks returns the best ask of both outcomes, rounded to the cent.
func (m *simMarket) asks() (float64, float64) {
	half := m.skew / 2
	return roundCent(m.yes + half), roundCent(1 - m.yes + half)
}

func (v *Venue) ladder(tokenID string, best float64) domain.OrderBook {
	book := domain.OrderBook{TokenID: tokenID, Timestamp: v.now().UTC()}
	for i := range v.cfg.Depth {
		p := roundCent(best + 0.01*float64(i))
		if p >= 1 {
			break
		}
		book.Asks = append(book.Asks, domain.PriceLevel{Price: p, Size: v.cfg.LevelSize})
		if bid := roundCent(best - 0.02 - 0.01*float64(i)); bid > 0 {
			book.Bids = append(book.Bids, domain.PriceLevel{Price: bid, Size: v.cfg.LevelSize})
		}
	}
	return book
}

func roundCent(p float64) float64 {
	return math.Round(p*100) / 100
}
