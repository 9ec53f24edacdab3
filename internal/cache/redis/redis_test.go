package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduper_Seen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	d := NewDeduper(NewFromClient(db), "allocator")
	ctx := context.Background()
	key := "polyswarm:seen:allocator:trade-1"

	mock.ExpectSetNX(key, 1, time.Hour).SetVal(true)
	seen, err := d.Seen(ctx, "trade-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	mock.ExpectSetNX(key, 1, time.Hour).SetVal(false)
	seen, err = d.Seen(ctx, "trade-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_LoadMissing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStateStore(NewFromClient(db))

	mock.ExpectGet(riskStateKey).RedisNil()
	_, err := s.LoadRiskState(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_LoadRiskState(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStateStore(NewFromClient(db))

	want := domain.RiskState{
		PortfolioValue: 950,
		HighWaterMark:  1000,
		Halted:         true,
		HaltReason:     "drawdown",
		Exposure:       map[string]float64{"m1": 20},
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectGet(riskStateKey).SetVal(string(raw))
	got, err := s.LoadRiskState(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Halted)
	assert.Equal(t, "drawdown", got.HaltReason)
	assert.InDelta(t, 20.0, got.Exposure["m1"], 1e-9)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_AcquireAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(NewFromClient(db))
	ctx := context.Background()
	key := "polyswarm:lock:trade:opp-1/leg-0"
	token := `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`

	mock.Regexp().ExpectSetNX(key, token, time.Hour).SetVal(true)
	mock.Regexp().ExpectEvalSha(lm.release.Hash(), []string{key}, token).SetVal(int64(1))

	release, err := lm.Acquire(ctx, "trade:opp-1/leg-0", time.Hour)
	require.NoError(t, err)
	release()
	release()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(NewFromClient(db))
	key := "polyswarm:lock:trade:opp-1/leg-0"

	mock.Regexp().ExpectSetNX(key, `.+`, time.Hour).SetVal(false)

	_, err := lm.Acquire(context.Background(), "trade:opp-1/leg-0", time.Hour)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rl := NewRateLimiter(NewFromClient(db))
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	key := "polyswarm:ratelimit:oracle:binance"

	mock.ExpectEvalSha(rl.window.Hash(), []string{key}, now.UnixMicro(), time.Minute.Microseconds(), 2).
		SetVal([]interface{}{int64(1), int64(1)})
	mock.ExpectEvalSha(rl.window.Hash(), []string{key}, now.UnixMicro(), time.Minute.Microseconds(), 2).
		SetVal([]interface{}{int64(0), int64(2)})

	ok, err := rl.Allow(context.Background(), "oracle:binance", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rl.Allow(context.Background(), "oracle:binance", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Disabled(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rl := NewRateLimiter(NewFromClient(db))

	ok, err := rl.Allow(context.Background(), "api:10.0.0.1", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = rl.Allow(context.Background(), "api:10.0.0.1", 5, 0)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOptions(t *testing.T) {
	opts := options(ClientConfig{Addr: "cache.internal:6380", PoolSize: 4, TLSEnabled: true})
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 4, opts.PoolSize)
	assert.Equal(t, "polyswarm", opts.ClientName)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)

	assert.Nil(t, options(ClientConfig{Addr: "localhost:6379"}).TLSConfig)
}
