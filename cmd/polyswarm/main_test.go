package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/crypto"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/report"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "stop", "report", "clear-halt", "ack", "encrypt-key"})
}

func TestLoadConfigMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Mode)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestReportFilter(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rf := &reportFlags{
		statuses: []string{"filled", " failed ", ""},
		strategy: "sum_arb",
		since:    time.Hour,
		limit:    10,
	}
	f := rf.filter(now)
	assert.Equal(t, []domain.TradeStatus{domain.TradeStatusFilled, domain.TradeStatusFailed}, f.Statuses)
	assert.Equal(t, "sum_arb", f.Strategy)
	assert.Equal(t, 10, f.Limit)
	require.NotNil(t, f.Since)
	assert.Equal(t, now.Add(-time.Hour), *f.Since)

	rf.since = 0
	assert.Nil(t, rf.filter(now).Since)
}

func TestWriteReport(t *testing.T) {
	rep := report.Report{Summary: report.Summarise([]domain.TradeRecord{
		{Strategy: "sum_arb", Status: domain.TradeStatusFilled, Shares: 20, MaxPrice: 0.45, ExpectedEdge: 0.05, FilledUSD: 8.5, FeeRate: 0.01, Fees: 0.2},
		{Strategy: "sum_arb", Status: domain.TradeStatusRejected},
	})}
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, rep))

	out := buf.String()
	assert.Contains(t, out, "trades: 2")
	assert.Contains(t, out, "fees: $0.20")
	assert.Contains(t, out, "expected pnl: $1.50")
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "STRATEGY")
	assert.Contains(t, out, "sum_arb")
}

func TestEncryptKeyWritesSealedFile(t *testing.T) {
	const key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	t.Setenv("POLYSWARM_WALLET_PRIVATE_KEY", key)
	t.Setenv("POLYSWARM_WALLET_KEY_PASSWORD", "hunter2")
	out := filepath.Join(t.TempDir(), "wallet.key")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"encrypt-key", "--out", out})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	got, err := crypto.OpenKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestEncryptKeyRequiresEnv(t *testing.T) {
	t.Setenv("POLYSWARM_WALLET_PRIVATE_KEY", "")
	t.Setenv("POLYSWARM_WALLET_KEY_PASSWORD", "")
	root := newRootCmd()
	root.SetArgs([]string{"encrypt-key", "--out", filepath.Join(t.TempDir(), "k")})
	assert.Error(t, root.Execute())
}
