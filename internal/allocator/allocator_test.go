package allocator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps []domain.AllocationSnapshot
}

func (r *recorder) Publish(_ context.Context, _ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := payload.(domain.AllocationSnapshot); ok {
		r.snaps = append(r.snaps, s)
	}
	return nil
}

func (r *recorder) last() domain.AllocationSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func newAllocator(store domain.AllocationStore) (*Allocator, *recorder) {
	rec := &recorder{}
	a := New(Config{
		Strategies:  []string{"sum_arb", "oracle_lag"},
		FloorPct:    0.05,
		MaxTotalPct: 1,
	}, rec, store, memory.NewDeduper(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return a, rec
}

func result(id, strategy string, pnl float64) bus.Message {
	return bus.Message{Payload: domain.TradeResult{
		TradeID:     id,
		Strategy:    strategy,
		Status:      domain.TradeStatusFilled,
		FilledUSD:   10,
		RealizedPnL: pnl,
	}}
}

func mark(id string, pnl map[string]float64, closed ...domain.ClosedPosition) bus.Message {
	return bus.Message{Payload: domain.MarkUpdate{ID: id, PnL: pnl, Closed: closed}}
}

func TestWeights(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		floor  float64
		max    float64
		want   []float64
	}{
		{"no positive score splits equally", []float64{0, 0}, 0.05, 1, []float64{0.5, 0.5}},
		{"proportional", []float64{3, 1}, 0.05, 1, []float64{0.75, 0.25}},
		{"loser clamped to floor", []float64{4, 0}, 0.05, 1, []float64{0.95, 0.05}},
		{"floors exceed budget", []float64{1, 2, 3}, 0.5, 1, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}},
		{"respects max total", []float64{1, 1}, 0.05, 0.8, []float64{0.4, 0.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Weights(tt.scores, tt.floor, tt.max)
			require.Len(t, got, len(tt.want))
			var sum float64
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
				assert.GreaterOrEqual(t, got[i], min(tt.floor, tt.max/float64(len(got)))-1e-9)
				sum += got[i]
			}
			assert.LessOrEqual(t, sum, tt.max+1e-9)
		})
	}
}

func TestAllocator_RebalanceFavorsProfitableStrategy(t *testing.T) {
	a, rec := newAllocator(nil)
	ctx := context.Background()

	// Fills book their fees; the positions' value arrives with the mark.
	require.NoError(t, a.Handle(ctx, result("t1", "sum_arb", -0.1)))
	require.NoError(t, a.Handle(ctx, result("t2", "sum_arb", -0.1)))
	require.NoError(t, a.Handle(ctx, result("t3", "oracle_lag", -0.1)))
	require.NoError(t, a.Handle(ctx, mark("mark-1",
		map[string]float64{"sum_arb": 4.2, "oracle_lag": -0.9},
		domain.ClosedPosition{Strategy: "sum_arb", PnL: 2},
		domain.ClosedPosition{Strategy: "sum_arb", PnL: 2},
		domain.ClosedPosition{Strategy: "oracle_lag", PnL: -1},
	)))
	require.NoError(t, a.Tick(ctx))

	snap := rec.last()
	sum, _ := snap.Allocation("sum_arb")
	lag, _ := snap.Allocation("oracle_lag")
	assert.InDelta(t, 0.95, sum, 1e-9)
	assert.InDelta(t, 0.05, lag, 1e-9)
	assert.LessOrEqual(t, snap.TotalPct, 1.0+1e-9)

	for _, p := range snap.Strategies {
		switch p.Strategy {
		case "sum_arb":
			assert.Equal(t, 2, p.Trades)
			assert.Equal(t, 2, p.Wins)
			assert.InDelta(t, 4, p.PnL, 1e-9)
		case "oracle_lag":
			assert.Equal(t, 1, p.Losses)
			assert.InDelta(t, -1, p.PnL, 1e-9)
		}
	}
}

func TestAllocator_DuplicateResultCountedOnce(t *testing.T) {
	a, _ := newAllocator(nil)
	ctx := context.Background()
	require.NoError(t, a.Handle(ctx, result("t1", "sum_arb", -0.1)))
	require.NoError(t, a.Handle(ctx, result("t1", "sum_arb", -0.1)))

	for _, p := range a.Snapshot().Strategies {
		if p.Strategy == "sum_arb" {
			assert.Equal(t, 1, p.Trades)
			assert.InDelta(t, -0.1, p.PnL, 1e-9)
		}
	}
}

func TestAllocator_DuplicateMarkAppliedOnce(t *testing.T) {
	a, _ := newAllocator(nil)
	ctx := context.Background()
	upd := mark("mark-1", map[string]float64{"sum_arb": -2.5})
	require.NoError(t, a.Handle(ctx, upd))
	require.NoError(t, a.Handle(ctx, upd))

	for _, p := range a.Snapshot().Strategies {
		if p.Strategy == "sum_arb" {
			assert.InDelta(t, -2.5, p.PnL, 1e-9)
			assert.Zero(t, p.Trades)
		}
	}
}

func TestAllocator_UnfilledResultsIgnored(t *testing.T) {
	a, _ := newAllocator(nil)
	require.NoError(t, a.Handle(context.Background(), bus.Message{Payload: domain.TradeResult{
		TradeID: "t1", Strategy: "sum_arb", Status: domain.TradeStatusFailed,
	}}))
	for _, p := range a.Snapshot().Strategies {
		assert.Zero(t, p.Trades)
	}
}

func TestAllocator_SnapshotOnRequestAndRestore(t *testing.T) {
	store := memory.NewStateStore()
	a, rec := newAllocator(store)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.Len(t, rec.snaps, 1)

	require.NoError(t, a.Handle(ctx, result("t1", "sum_arb", 3)))
	require.NoError(t, a.Handle(ctx, bus.Message{Payload: domain.ControlMessage{Kind: domain.ControlSnapshotRequest}}))
	require.Len(t, rec.snaps, 2)
	require.NoError(t, a.Flush(ctx))

	b, _ := newAllocator(store)
	require.NoError(t, b.Start(ctx))
	for _, p := range b.Snapshot().Strategies {
		if p.Strategy == "sum_arb" {
			assert.Equal(t, 1, p.Trades)
			assert.InDelta(t, 3, p.PnL, 1e-9)
		}
	}
}
