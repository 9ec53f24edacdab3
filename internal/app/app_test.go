package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// Well-known development key; never funded.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simulatedConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Feed.Source = "simulated"
	return &cfg
}

func TestWireVenueSimulated(t *testing.T) {
	vs, err := WireVenue(simulatedConfig(), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "simulated", vs.Source)
	assert.Equal(t, "paper", vs.Submitter.Mode())
	assert.Nil(t, vs.Auth)
	assert.Nil(t, vs.Stream)
	assert.Empty(t, vs.Credentials)
}

func TestWireVenuePaperWithoutKey(t *testing.T) {
	cfg := config.Defaults()
	vs, err := WireVenue(&cfg, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "polymarket", vs.Source)
	assert.Equal(t, "paper", vs.Submitter.Mode())
	assert.Nil(t, vs.Auth)
}

func TestWireVenueLive(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.ModeLive
	cfg.Wallet.PrivateKey = "0x" + testKey

	vs, err := WireVenue(&cfg, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "live", vs.Submitter.Mode())
	assert.NotNil(t, vs.Auth)
	assert.Equal(t, testKey, vs.Credentials["wallet private key"])
}

func TestWireVenueLiveMissingKeyIsReportedAtPreflight(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.ModeLive

	vs, err := WireVenue(&cfg, testLogger())
	require.NoError(t, err)
	require.Contains(t, vs.Credentials, "wallet private key")
	assert.Empty(t, vs.Credentials["wallet private key"])
}

func TestWireVenueBadKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Wallet.PrivateKey = "not-hex"

	_, err := WireVenue(&cfg, testLogger())
	assert.Error(t, err)
}

func TestBuildAgentsOrder(t *testing.T) {
	cfg := simulatedConfig()
	ctx := context.Background()

	infra, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	assert.Nil(t, infra.Blob)
	assert.Nil(t, infra.Locks)

	vs, err := WireVenue(cfg, testLogger())
	require.NoError(t, err)

	agents, err := BuildAgents(cfg, infra, vs, metrics.New(), testLogger())
	require.NoError(t, err)

	names := make([]string, 0, len(agents.List))
	for _, a := range agents.List {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{
		"alerts",
		"stream_hub",
		"allocator",
		"executor",
		"risk_guardian",
		"strategy:oracle_lag",
		"strategy:sum_arb",
		"scanner",
		"oracle",
		"feed",
	}, names)
	assert.NotNil(t, agents.Guardian)
	assert.NotNil(t, agents.Allocator)
	assert.NotNil(t, agents.Executor)
	assert.NotNil(t, agents.Hub)
}

func TestBuildAgentsWithoutOracle(t *testing.T) {
	cfg := simulatedConfig()
	cfg.Oracle.Enabled = false

	infra, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	vs, err := WireVenue(cfg, testLogger())
	require.NoError(t, err)

	agents, err := BuildAgents(cfg, infra, vs, metrics.New(), testLogger())
	require.NoError(t, err)
	for _, a := range agents.List {
		assert.NotEqual(t, "oracle", a.Name())
	}
}

func TestBuildAgentsBadQuietHours(t *testing.T) {
	cfg := simulatedConfig()
	cfg.Alerts.QuietStart = "25:00"
	cfg.Alerts.QuietEnd = "07:00"

	infra, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	vs, err := WireVenue(cfg, testLogger())
	require.NoError(t, err)

	_, err = BuildAgents(cfg, infra, vs, metrics.New(), testLogger())
	assert.Error(t, err)
}

func TestControlRequiresSharedBus(t *testing.T) {
	cfg := config.Defaults()
	err := PublishControl(context.Background(), &cfg, domain.ControlMessage{Kind: domain.ControlClearHalt}, testLogger())
	assert.ErrorIs(t, err, ErrNoSharedBus)
}

func TestReportStoresRequirePostgres(t *testing.T) {
	cfg := config.Defaults()
	_, _, _, err := OpenReportStores(context.Background(), &cfg)
	assert.ErrorIs(t, err, ErrNoTradeHistory)
}
