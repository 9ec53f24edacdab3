package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeStore_ClaimAndFinalize(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()
	rec := domain.TradeRecord{ID: "t1", RequestID: "r1", Status: domain.TradeStatusSubmitted, CreatedAt: time.Now()}

	_, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	_, err = s.Insert(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	rec.Status = domain.TradeStatusFilled
	require.NoError(t, s.Finalize(ctx, rec))

	rec.Status = domain.TradeStatusFailed
	assert.ErrorIs(t, s.Finalize(ctx, rec), domain.ErrInvalidTransition)

	got, err := s.Query(ctx, domain.TradeFilter{Statuses: []domain.TradeStatus{domain.TradeStatusFilled}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestTradeStore_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()
	old := time.Now().Add(-48 * time.Hour)
	_, _ = s.Insert(ctx, domain.TradeRecord{RequestID: "a", Status: domain.TradeStatusFilled, CreatedAt: old})
	_, _ = s.Insert(ctx, domain.TradeRecord{RequestID: "b", Status: domain.TradeStatusSubmitted, CreatedAt: old})
	_, _ = s.Insert(ctx, domain.TradeRecord{RequestID: "c", Status: domain.TradeStatusFilled, CreatedAt: time.Now()})

	n, err := s.DeleteBefore(ctx, time.Now().Add(-time.Hour), []domain.TradeStatus{domain.TradeStatusFilled})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rest, _ := s.Query(ctx, domain.TradeFilter{})
	assert.Len(t, rest, 2)
}

func TestDeduper_TTL(t *testing.T) {
	d := NewDeduper()
	now := time.Now()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	seen, _ := d.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
	seen, _ = d.Seen(ctx, "k", time.Minute)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = d.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
}

func TestStateStore_NotFoundUntilSaved(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore()
	_, err := s.LoadRiskState(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SaveRiskState(ctx, domain.RiskState{PortfolioValue: 10, Exposure: map[string]float64{"m": 1}}))
	st, err := s.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, st.PortfolioValue, 1e-9)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	l := NewRateLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "ip", 3, time.Minute)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "ip", 3, time.Minute)
	assert.True(t, ok)
}
