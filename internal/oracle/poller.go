package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// Config controls polling and pacing.
type Config struct {
	Symbols  []string
	Interval time.Duration
	// RatePerSecond and Burst pace upstream calls in this process.
	RatePerSecond float64
	Burst         int
	// SharedLimit caps calls per SharedWindow across every process using
	// the same upstream key. Zero disables the shared limit.
	SharedLimit  int
	SharedWindow time.Duration
	Source       string
	Backoff      backoff.Policy
}

// Poller is the agent that batches all symbols into one upstream call per
// tick and publishes quotes that are fresher than the last one seen.
type Poller struct {
	cfg     Config
	oracle  domain.Oracle
	limiter *rate.Limiter
	shared  domain.RateLimiter
	pub     bus.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// Owned by the agent goroutine.
	last     map[string]time.Time
	failures int
	retryAt  time.Time
}

// NewPoller creates the oracle agent. shared and m may be nil.
func NewPoller(cfg Config, o domain.Oracle, shared domain.RateLimiter, pub bus.Publisher, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Source == "" {
		cfg.Source = "oracle"
	}
	if cfg.SharedWindow <= 0 {
		cfg.SharedWindow = time.Minute
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Poller{
		cfg:     cfg,
		oracle:  o,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		shared:  shared,
		pub:     pub,
		metrics: m,
		logger:  logger.With(slog.String("component", "oracle"), slog.String("source", cfg.Source)),
		now:     time.Now,
		last:    make(map[string]time.Time),
	}
}

func (p *Poller) Name() string                { return "oracle" }
func (p *Poller) Subscriptions() []string     { return nil }
func (p *Poller) TickInterval() time.Duration { return p.cfg.Interval }

// Handle is never called; the poller has no subscriptions.
func (p *Poller) Handle(context.Context, bus.Message) error { return nil }

// Tick polls once. Upstream failures are retried on later ticks after a
// growing delay and never fail the agent.
func (p *Poller) Tick(ctx context.Context) error {
	if len(p.cfg.Symbols) == 0 || p.now().Before(p.retryAt) {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil
	}
	if p.shared != nil && p.cfg.SharedLimit > 0 {
		ok, err := p.shared.Allow(ctx, "oracle:"+p.cfg.Source, p.cfg.SharedLimit, p.cfg.SharedWindow)
		if err != nil {
			p.logger.WarnContext(ctx, "shared rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			p.logger.DebugContext(ctx, "shared rate limit reached, skipping poll")
			return nil
		}
	}

	quotes, err := p.oracle.FetchQuotes(ctx, p.cfg.Symbols)
	if err != nil {
		p.failures++
		delay := p.cfg.Backoff.Delay(p.failures)
		p.retryAt = p.now().Add(delay)
		p.metrics.UpstreamError(p.cfg.Source)
		p.logger.WarnContext(ctx, "oracle poll failed",
			slog.String("error", err.Error()),
			slog.Int("failures", p.failures),
			slog.Duration("retry_in", delay),
		)
		return nil
	}
	p.failures = 0
	p.retryAt = time.Time{}

	published := 0
	for _, q := range quotes {
		sym := strings.ToUpper(q.Symbol)
		if prev, ok := p.last[sym]; ok && !q.ObservedAt.After(prev) {
			continue
		}
		if err := p.pub.Publish(ctx, domain.ChannelOracle, q); err != nil {
			return fmt.Errorf("oracle: publish %s: %w", sym, err)
		}
		p.last[sym] = q.ObservedAt
		published++
	}
	p.metrics.Observed("quote", p.cfg.Source, published)
	return nil
}
