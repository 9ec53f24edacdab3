// Package feed turns venue market listings into Market snapshots on the
// markets channel.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// MarketSource lists markets and their books.
type MarketSource interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
	FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// BookStream is a push source of order books, typically a websocket.
type BookStream interface {
	Run(ctx context.Context, tokenIDs []string) error
	Book(tokenID string) (domain.OrderBook, bool)
}

// Config controls polling and enrichment.
type Config struct {
	PollInterval time.Duration
	// Underlyings maps a lower-case title keyword to an oracle symbol.
	Underlyings map[string]string
	// EnrichBooks replaces listed prices with best asks from REST books
	// for outcomes the stream has no book for.
	EnrichBooks     bool
	BookConcurrency int
	// Source labels metrics, e.g. "polymarket" or "paper".
	Source string
}

// Agent polls the venue on every tick and publishes one snapshot per
// tradable market.
type Agent struct {
	cfg     Config
	source  MarketSource
	stream  BookStream
	pub     bus.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	streamKey    string
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// New creates the feed agent. stream and m may be nil.
func New(cfg Config, source MarketSource, stream BookStream, pub bus.Publisher, m *metrics.Metrics, logger *slog.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BookConcurrency <= 0 {
		cfg.BookConcurrency = 8
	}
	if cfg.Source == "" {
		cfg.Source = "venue"
	}
	return &Agent{
		cfg:     cfg,
		source:  source,
		stream:  stream,
		pub:     pub,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed")),
	}
}

func (a *Agent) Name() string                { return "feed" }
func (a *Agent) Subscriptions() []string     { return nil }
func (a *Agent) TickInterval() time.Duration { return a.cfg.PollInterval }

// Handle is never called; the feed has no subscriptions.
func (a *Agent) Handle(context.Context, bus.Message) error { return nil }

// Tick fetches, prices and publishes the current market set.
func (a *Agent) Tick(ctx context.Context) error {
	markets, err := a.source.FetchMarkets(ctx)
	if err != nil {
		a.metrics.UpstreamError(a.cfg.Source)
		return fmt.Errorf("feed: fetch markets: %w", err)
	}

	a.ensureStream(markets)
	if err := a.price(ctx, markets); err != nil {
		return err
	}

	published := 0
	for _, m := range markets {
		a.annotate(&m)
		if err := a.pub.Publish(ctx, domain.ChannelMarkets, m); err != nil {
			return fmt.Errorf("feed: publish %s: %w", m.ID, err)
		}
		published++
	}
	a.metrics.Observed("market", a.cfg.Source, published)
	a.logger.DebugContext(ctx, "markets published", slog.Int("count", published))
	return nil
}

// Flush stops the book stream.
func (a *Agent) Flush(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.streamCancel, a.streamDone
	a.streamCancel, a.streamDone, a.streamKey = nil, nil, ""
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// price overwrites outcome prices with best asks from the stream, then
// from REST books when enrichment is on, and sets Liquidity to the
// thinnest outcome's ask-side notional.
func (a *Agent) price(ctx context.Context, markets []domain.Market) error {
	type slot struct{ m, o int }
	var missing []slot
	books := make(map[slot]domain.OrderBook)

	for i := range markets {
		for j, o := range markets[i].Outcomes {
			if a.stream != nil {
				if b, ok := a.stream.Book(o.TokenID); ok {
					books[slot{i, j}] = b
					continue
				}
			}
			if a.cfg.EnrichBooks {
				missing = append(missing, slot{i, j})
			}
		}
	}

	if len(missing) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.BookConcurrency)
		for _, s := range missing {
			token := markets[s.m].Outcomes[s.o].TokenID
			g.Go(func() error {
				b, err := a.source.FetchOrderBook(gctx, token)
				if err != nil {
					a.metrics.UpstreamError(a.cfg.Source)
					a.logger.DebugContext(gctx, "book fetch failed", slog.String("token_id", token), slog.String("error", err.Error()))
					return nil
				}
				mu.Lock()
				books[s] = b
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("feed: books: %w", err)
		}
	}

	for i := range markets {
		liquidity := math.Inf(1)
		for j := range markets[i].Outcomes {
			b, ok := books[slot{i, j}]
			if !ok {
				liquidity = math.NaN()
				continue
			}
			if ask := b.BestAsk(); ask > 0 {
				markets[i].Outcomes[j].Price = ask
			}
			if l := b.LiquidityUpTo(1); !math.IsNaN(liquidity) && l < liquidity {
				liquidity = l
			}
		}
		if !math.IsNaN(liquidity) && !math.IsInf(liquidity, 1) {
			markets[i].Liquidity = liquidity
		}
	}
	return nil
}

var dollarAmount = regexp.MustCompile(`\$([0-9][0-9,]*(?:\.[0-9]+)?)([kKmM]?)`)

// annotate maps the market to an oracle symbol by title keyword. Threshold
// markets ("above $100,000") carry their strike in the title; up/down
// markets leave Strike zero so the first quote seen becomes the reference.
func (a *Agent) annotate(m *domain.Market) {
	if m.Underlying != "" {
		return
	}
	title := strings.ToLower(m.Title)
	keys := make([]string, 0, len(a.cfg.Underlyings))
	for k := range a.cfg.Underlyings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if strings.Contains(title, strings.ToLower(k)) {
			m.Underlying = strings.ToUpper(a.cfg.Underlyings[k])
			break
		}
	}
	if m.Underlying == "" || m.Strike != 0 || strings.Contains(title, "up or down") {
		return
	}
	m.Strike = ParseStrike(m.Title)
}

// ParseStrike returns the first dollar amount in title, or 0.
func ParseStrike(title string) float64 {
	match := dollarAmount.FindStringSubmatch(title)
	if match == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(match[2]) {
	case "k":
		v *= 1_000
	case "m":
		v *= 1_000_000
	}
	return v
}

// ensureStream (re)starts the book stream when the token set changes.
func (a *Agent) ensureStream(markets []domain.Market) {
	if a.stream == nil {
		return
	}
	var tokens []string
	for _, m := range markets {
		for _, o := range m.Outcomes {
			tokens = append(tokens, o.TokenID)
		}
	}
	slices.Sort(tokens)
	key := strings.Join(tokens, ",")

	a.mu.Lock()
	defer a.mu.Unlock()
	if key == a.streamKey || len(tokens) == 0 {
		return
	}
	if a.streamCancel != nil {
		a.streamCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.streamKey, a.streamCancel, a.streamDone = key, cancel, done
	go func() {
		defer close(done)
		err := a.stream.Run(ctx, tokens)
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("book stream stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("book stream subscribed", slog.Int("tokens", len(tokens)))
}
