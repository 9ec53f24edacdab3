package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Submitter is the only step that differs between paper and live trading.
type Submitter interface {
	// Mode is "paper" or "live".
	Mode() string
	Balance(ctx context.Context) (float64, error)
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
}

// BookSource supplies order books.
type BookSource interface {
	FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// PaperSubmitter fills orders against the live book without placing them,
// walking the asks up to the price limit. The simulated balance is charged
// the fill plus its fee.
type PaperSubmitter struct {
	books BookSource

	mu      sync.Mutex
	balance float64
}

// NewPaperSubmitter creates a simulated submitter holding balance USD.
func NewPaperSubmitter(books BookSource, balance float64) *PaperSubmitter {
	return &PaperSubmitter{books: books, balance: balance}
}

func (p *PaperSubmitter) Mode() string { return "paper" }

func (p *PaperSubmitter) Balance(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperSubmitter) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	book, err := p.books.FetchOrderBook(ctx, req.TokenID)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("paper: fetch book %s: %w", req.TokenID, err)
	}
	fill := book.WalkAsks(req.AmountUSD, req.PriceLimit)
	if fill.Shares == 0 {
		return domain.OrderResult{}, domain.ErrNoLiquidity
	}
	p.mu.Lock()
	p.balance -= fill.SpentUSD + fill.Shares*req.FeeRate
	p.mu.Unlock()
	return domain.OrderResult{
		VenueOrderID: "paper-" + uuid.NewString(),
		Shares:       fill.Shares,
		FilledUSD:    fill.SpentUSD,
		AvgPrice:     fill.AvgPrice,
	}, nil
}

// LiveSubmitter places real orders on the venue behind a circuit breaker so a
// failing venue is not hammered by every approved decision.
type LiveSubmitter struct {
	venue   domain.Venue
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures the live circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenFor             time.Duration
}

// NewLiveSubmitter wraps venue with a circuit breaker.
func NewLiveSubmitter(venue domain.Venue, bs BreakerSettings, logger *slog.Logger) *LiveSubmitter {
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 5
	}
	if bs.OpenFor <= 0 {
		bs.OpenFor = 30 * time.Second
	}
	log := logger.With(slog.String("component", "live_submitter"))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue",
		Timeout: bs.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Venue rejections are answers, not outages.
			return err == nil || errors.Is(err, domain.ErrInvalidOrder) || errors.Is(err, domain.ErrNoLiquidity)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &LiveSubmitter{venue: venue, breaker: cb}
}

func (l *LiveSubmitter) Mode() string { return "live" }

func (l *LiveSubmitter) Balance(ctx context.Context) (float64, error) {
	v, err := l.breaker.Execute(func() (any, error) {
		return l.venue.GetBalance(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("live: balance: %w", err)
	}
	return v.(float64), nil
}

func (l *LiveSubmitter) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v, err := l.breaker.Execute(func() (any, error) {
		return l.venue.PlaceOrder(ctx, req)
	})
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("live: place order %s: %w", req.ClientID, err)
	}
	return v.(domain.OrderResult), nil
}

// State exposes the breaker state for status reporting.
func (l *LiveSubmitter) State() string { return l.breaker.State().String() }

var (
	_ Submitter = (*PaperSubmitter)(nil)
	_ Submitter = (*LiveSubmitter)(nil)
)
