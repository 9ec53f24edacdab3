package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/agent"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/alanyoungcy/polyswarm/internal/server/handler"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
)

type staticStatuses []agent.Status

func (s staticStatuses) Statuses() []agent.Status { return s }

type staticRisk domain.RiskState

func (s staticRisk) Snapshot() domain.RiskState { return domain.RiskState(s) }

type staticAlloc domain.AllocationSnapshot

func (s staticAlloc) Snapshot() domain.AllocationSnapshot { return domain.AllocationSnapshot(s) }

func newTestServer(t *testing.T, cfg Config, statuses staticStatuses) (*Server, *memory.TradeStore) {
	t.Helper()
	trades := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	require.NoError(t, audit.Log(context.Background(), "risk.halt", map[string]any{"reason": "drawdown"}))

	h := Handlers{
		Health: handler.NewHealthHandler("paper", statuses),
		State: handler.NewStateHandler(
			staticRisk{PortfolioValue: 900, HighWaterMark: 1000, Halted: true},
			staticAlloc{Strategies: []domain.StrategyPerformance{{Strategy: "sum_to_one", AllocationPct: 60}}, TotalPct: 60},
		),
		Trades: handler.NewTradeHandler(trades, audit, slog.Default()),
	}
	return New(cfg, h, memory.NewRateLimiter(), metrics.New(), slog.Default()), trades
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, staticStatuses{{Name: "scanner", State: agent.StateRunning}})
	rec := get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	srv, _ = newTestServer(t, Config{}, staticStatuses{{Name: "executor", State: agent.StateDead}})
	rec = get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndState(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, staticStatuses{{Name: "scanner", State: agent.StateRunning, Handled: 4}})

	rec := get(t, srv.Handler(), "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Mode   string         `json:"mode"`
		Agents []agent.Status `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "paper", status.Mode)
	require.Len(t, status.Agents, 1)
	assert.EqualValues(t, 4, status.Agents[0].Handled)

	rec = get(t, srv.Handler(), "/risk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var risk struct {
		State    domain.RiskState `json:"state"`
		Drawdown float64          `json:"drawdown"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &risk))
	assert.True(t, risk.State.Halted)
	assert.InDelta(t, 0.1, risk.Drawdown, 1e-9)

	rec = get(t, srv.Handler(), "/allocations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sum_to_one"`)
}

func TestTradesReport(t *testing.T) {
	srv, trades := newTestServer(t, Config{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, rec := range []domain.TradeRecord{
		{ID: "1", RequestID: "r1", Strategy: "sum_to_one", Status: domain.TradeStatusFilled, Shares: 10, FilledUSD: 4, MaxPrice: 0.4, ExpectedEdge: 0.05, CreatedAt: now},
		{ID: "2", RequestID: "r2", Strategy: "sum_to_one", Status: domain.TradeStatusRejected, CreatedAt: now},
		{ID: "3", RequestID: "r3", Strategy: "oracle_lag", Status: domain.TradeStatusFailed, CreatedAt: now},
	} {
		_, err := trades.Insert(ctx, rec)
		require.NoError(t, err)
	}

	rec := get(t, srv.Handler(), "/trades?strategy=sum_to_one&status=filled,rejected", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Summary struct {
			Trades      int     `json:"trades"`
			ExpectedPnL float64 `json:"expected_pnl"`
		} `json:"summary"`
		Trades []domain.TradeRecord `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Summary.Trades)
	assert.InDelta(t, 0.5, body.Summary.ExpectedPnL, 1e-9)
	assert.Len(t, body.Trades, 2)

	rec = get(t, srv.Handler(), "/trades?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudit(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	rec := get(t, srv.Handler(), "/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event":"risk.halt"`)
}

func TestAuthLeavesHealthOpen(t *testing.T) {
	srv, _ := newTestServer(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv.Handler(), "/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		get(t, srv.Handler(), "/status", http.Header{"X-Api-Key": {"wrong"}}).Code)
	assert.Equal(t, http.StatusOK,
		get(t, srv.Handler(), "/status", http.Header{"Authorization": {"Bearer secret"}}).Code)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: 2}, nil)
	h := srv.Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Config{CORSOrigins: []string{"http://localhost:3000"}}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	get(t, srv.Handler(), "/healthz", nil)
	rec := get(t, srv.Handler(), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polyswarm_http_request_duration_seconds")
}
