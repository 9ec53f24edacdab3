package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Live())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Scanner.MinEdge = 0
	cfg.Risk.MaxDrawdownPct = 1.5
	cfg.Bus.Transport = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "yolo"`)
	assert.Contains(t, msg, "scanner: min_edge")
	assert.Contains(t, msg, "risk: max_drawdown_pct")
	assert.Contains(t, msg, "bus: transport redis requires redis.enabled")
}

func TestValidate_RiskThresholds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RiskConfig)
		wantErr string
	}{
		{"zero min profit allowed", func(r *RiskConfig) { r.MinProfitUSD = 0 }, ""},
		{"negative min profit", func(r *RiskConfig) { r.MinProfitUSD = -1 }, "risk: min_profit_usd"},
		{"zero slippage ratio", func(r *RiskConfig) { r.SlippageEdgeRatio = 0 }, "risk: slippage_edge_ratio"},
		{"negative slippage ratio", func(r *RiskConfig) { r.SlippageEdgeRatio = -0.5 }, "risk: slippage_edge_ratio"},
		{"settle bid above one", func(r *RiskConfig) { r.SettleBid = 1.5 }, "risk: settle_bid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg.Risk)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_LiveNeedsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeLive
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: must be enabled in live mode")

	cfg.Postgres.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestValidate_QuietHours(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantErr    bool
	}{
		{"disabled", "", "", false},
		{"valid", "22:00", "07:00", false},
		{"half set", "22:00", "", true},
		{"bad clock", "25:99", "07:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Alerts.QuietStart = tt.start
			cfg.Alerts.QuietEnd = tt.end
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polyswarm.toml")
	body := `
mode = "paper"

[scanner]
min_edge = 0.03
cooldown = "2s"

[risk]
min_profit_usd = 0.10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("POLYSWARM_RISK_STARTING_CAPITAL", "2500")
	t.Setenv("POLYSWARM_ORACLE_SYMBOLS", "BTC, ETH ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, cfg.Scanner.MinEdge, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Scanner.Cooldown.Duration)
	assert.InDelta(t, 0.10, cfg.Risk.MinProfitUSD, 1e-9)
	assert.InDelta(t, 2500, cfg.Risk.StartingCapital, 1e-9)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Oracle.Symbols)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 0.0312, cfg.Scanner.FeeCoefficient, 1e-9)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Notify.PushoverToken = "tok"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Notify.PushoverToken)
	assert.Equal(t, "", out.Notify.TelegramToken)
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)

	out.Feed.Underlyings["dogecoin"] = "DOGE"
	_, leaked := cfg.Feed.Underlyings["dogecoin"]
	assert.False(t, leaked)
}
