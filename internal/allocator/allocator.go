// Package allocator reweights capital between strategies from their trade
// results and the guardian's position marks. It only shapes future sizing
// and never blocks a trade.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// Config tunes the allocator. Percentages are fractions of capital.
type Config struct {
	Strategies        []string
	RebalanceInterval time.Duration
	FloorPct          float64
	MaxTotalPct       float64
	DedupTTL          time.Duration
}

type tally struct {
	pnl    decimal.Decimal
	trades int
	wins   int
	losses int
	pct    float64
}

// Allocator owns the per-strategy performance table.
type Allocator struct {
	cfg     Config
	pub     bus.Publisher
	store   domain.AllocationStore
	seen    domain.Deduper
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	tallies map[string]*tally
	applied map[string]time.Time
}

// New creates an allocator. store, seen and m may be nil.
func New(cfg Config, pub bus.Publisher, store domain.AllocationStore, seen domain.Deduper, m *metrics.Metrics, logger *slog.Logger) *Allocator {
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = time.Minute
	}
	if cfg.MaxTotalPct <= 0 || cfg.MaxTotalPct > 1 {
		cfg.MaxTotalPct = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	a := &Allocator{
		cfg:     cfg,
		pub:     pub,
		store:   store,
		seen:    seen,
		metrics: m,
		logger:  logger.With(slog.String("component", "allocator")),
		now:     time.Now,
		tallies: make(map[string]*tally),
		applied: make(map[string]time.Time),
	}
	for _, name := range cfg.Strategies {
		a.tallies[name] = &tally{}
	}
	a.rebalanceLocked()
	return a
}

func (a *Allocator) Name() string { return "allocator" }

func (a *Allocator) Subscriptions() []string {
	return []string{domain.ChannelTradeResults, domain.ChannelMarks, domain.ChannelControl}
}

// Start restores persisted tallies and publishes the first snapshot so
// strategies size from it immediately.
func (a *Allocator) Start(ctx context.Context) error {
	if a.store != nil {
		perf, err := a.store.LoadAllocations(ctx)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("allocator: load: %w", err)
		default:
			a.mu.Lock()
			for _, p := range perf {
				a.tallies[p.Strategy] = &tally{
					pnl:    decimal.NewFromFloat(p.PnL),
					trades: p.Trades,
					wins:   p.Wins,
					losses: p.Losses,
					pct:    p.AllocationPct,
				}
			}
			a.rebalanceLocked()
			a.mu.Unlock()
			a.logger.InfoContext(ctx, "allocations restored", slog.Int("strategies", len(perf)))
		}
	}
	return a.publish(ctx)
}

func (a *Allocator) Handle(ctx context.Context, msg bus.Message) error {
	if res, ok := bus.As[domain.TradeResult](msg); ok {
		return a.onResult(ctx, res)
	}
	if upd, ok := bus.As[domain.MarkUpdate](msg); ok {
		return a.onMark(ctx, upd)
	}
	if c, ok := bus.As[domain.ControlMessage](msg); ok && c.Kind == domain.ControlSnapshotRequest {
		return a.publish(ctx)
	}
	return nil
}

// onResult counts a fill and books its fee. The value of the shares reaches
// the tally through marks.
func (a *Allocator) onResult(ctx context.Context, res domain.TradeResult) error {
	if res.FilledUSD <= 0 {
		return nil
	}
	if a.duplicate(ctx, "alloc:"+res.TradeID) {
		return nil
	}

	a.mu.Lock()
	t := a.tally(res.Strategy)
	t.pnl = t.pnl.Add(decimal.NewFromFloat(res.RealizedPnL))
	t.trades++
	cum := t.pnl
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "result recorded",
		slog.String("strategy", res.Strategy),
		slog.String("trade_id", res.TradeID),
		slog.String("cumulative_pnl", cum.StringFixed(4)),
	)
	return nil
}

// onMark applies value changes per strategy. A settled position counts as a
// win or a loss by its final P&L.
func (a *Allocator) onMark(ctx context.Context, upd domain.MarkUpdate) error {
	if a.duplicate(ctx, "alloc:"+upd.ID) {
		return nil
	}

	a.mu.Lock()
	for name, pnl := range upd.PnL {
		t := a.tally(name)
		t.pnl = t.pnl.Add(decimal.NewFromFloat(pnl))
	}
	for _, c := range upd.Closed {
		t := a.tally(c.Strategy)
		switch {
		case c.PnL > 0:
			t.wins++
		case c.PnL < 0:
			t.losses++
		}
	}
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "mark recorded",
		slog.String("mark_id", upd.ID),
		slog.Int("strategies", len(upd.PnL)),
		slog.Int("closed", len(upd.Closed)),
	)
	return nil
}

// duplicate reports whether id was applied before and records it otherwise.
func (a *Allocator) duplicate(ctx context.Context, id string) bool {
	a.mu.Lock()
	if _, dup := a.applied[id]; dup {
		a.mu.Unlock()
		return true
	}
	a.applied[id] = a.now()
	a.mu.Unlock()
	if a.seen == nil {
		return false
	}
	seen, err := a.seen.Seen(ctx, id, a.cfg.DedupTTL)
	if err != nil {
		a.logger.WarnContext(ctx, "dedup lookup failed", slog.String("error", err.Error()))
		return false
	}
	return seen
}

// tally returns the strategy's tally, creating it. Caller holds a.mu.
func (a *Allocator) tally(name string) *tally {
	t, ok := a.tallies[name]
	if !ok {
		t = &tally{}
		a.tallies[name] = t
	}
	return t
}

func (a *Allocator) TickInterval() time.Duration { return a.cfg.RebalanceInterval }

// Tick rebalances, persists and publishes.
func (a *Allocator) Tick(ctx context.Context) error {
	a.mu.Lock()
	a.rebalanceLocked()
	now := a.now()
	for id, at := range a.applied {
		if now.Sub(at) >= a.cfg.DedupTTL {
			delete(a.applied, id)
		}
	}
	a.mu.Unlock()
	a.persist(ctx)
	return a.publish(ctx)
}

// Flush persists the tallies.
func (a *Allocator) Flush(ctx context.Context) error {
	a.persist(ctx)
	return nil
}

func (a *Allocator) rebalanceLocked() {
	names := make([]string, 0, len(a.tallies))
	scores := make([]float64, 0, len(a.tallies))
	for name, t := range a.tallies {
		names = append(names, name)
		scores = append(scores, score(t))
	}
	pcts := Weights(scores, a.cfg.FloorPct, a.cfg.MaxTotalPct)
	for i, name := range names {
		a.tallies[name].pct = pcts[i]
	}
}

// score is cumulative profit per unit of trade-count uncertainty. Losing
// strategies score zero and fall back to the floor.
func score(t *tally) float64 {
	if t.trades == 0 {
		return 0
	}
	pnl, _ := t.pnl.Float64()
	return math.Max(pnl, 0) / math.Sqrt(float64(t.trades))
}

// Weights splits maxTotal proportionally to scores with every entry clamped
// to at least floor. With no positive score the split is equal. The result
// never sums above maxTotal.
func Weights(scores []float64, floor, maxTotal float64) []float64 {
	n := len(scores)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if floor*float64(n) >= maxTotal {
		for i := range out {
			out[i] = maxTotal / float64(n)
		}
		return out
	}

	fixed := make([]bool, n)
	for {
		remaining := maxTotal
		var total float64
		free := 0
		for i, s := range scores {
			if fixed[i] {
				remaining -= floor
				continue
			}
			total += s
			free++
		}
		changed := false
		for i, s := range scores {
			if fixed[i] {
				out[i] = floor
				continue
			}
			if total <= 0 {
				out[i] = remaining / float64(free)
			} else {
				out[i] = remaining * s / total
			}
			if out[i] < floor {
				fixed[i] = true
				changed = true
			}
		}
		if !changed {
			return out
		}
	}
}

// Snapshot returns the current table sorted by strategy name.
func (a *Allocator) Snapshot() domain.AllocationSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := domain.AllocationSnapshot{At: a.now().UTC()}
	for name, t := range a.tallies {
		pnl, _ := t.pnl.Float64()
		snap.Strategies = append(snap.Strategies, domain.StrategyPerformance{
			Strategy:      name,
			PnL:           pnl,
			Trades:        t.trades,
			Wins:          t.wins,
			Losses:        t.losses,
			AllocationPct: t.pct,
		})
		snap.TotalPct += t.pct
	}
	sort.Slice(snap.Strategies, func(i, j int) bool {
		return snap.Strategies[i].Strategy < snap.Strategies[j].Strategy
	})
	return snap
}

func (a *Allocator) publish(ctx context.Context) error {
	snap := a.Snapshot()
	for _, p := range snap.Strategies {
		a.metrics.Allocated(p.Strategy, p.AllocationPct)
	}
	if err := a.pub.Publish(ctx, domain.ChannelAllocations, snap); err != nil {
		return fmt.Errorf("allocator: publish snapshot: %w", err)
	}
	return nil
}

func (a *Allocator) persist(ctx context.Context) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveAllocations(ctx, a.Snapshot().Strategies); err != nil {
		a.logger.ErrorContext(ctx, "persist allocations failed", slog.String("error", err.Error()))
	}
}
