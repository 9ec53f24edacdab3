// Package config defines the top-level configuration for polyswarm and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYSWARM_* environment variables.
type Config struct {
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
	Wallet       WalletConfig       `toml:"wallet"`
	Polymarket   PolymarketConfig   `toml:"polymarket"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Bus          BusConfig          `toml:"bus"`
	Runtime      RuntimeConfig      `toml:"runtime"`
	Feed         FeedConfig         `toml:"feed"`
	Oracle       OracleConfig       `toml:"oracle"`
	Scanner      ScannerConfig      `toml:"scanner"`
	Strategy     StrategyConfig     `toml:"strategy"`
	Risk         RiskConfig         `toml:"risk"`
	Executor     ExecutorConfig     `toml:"executor"`
	Allocator    AllocatorConfig    `toml:"allocator"`
	Alerts       AlertsConfig       `toml:"alerts"`
	Notify       NotifyConfig       `toml:"notify"`
	Archive      ArchiveConfig      `toml:"archive"`
	Server       ServerConfig       `toml:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
}

// Modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Live reports whether real orders will be placed.
func (c *Config) Live() bool { return strings.EqualFold(c.Mode, ModeLive) }

// WalletConfig holds Ethereum wallet credentials used to sign live orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds venue endpoints, chain parameters and L2 API
// credentials.
type PolymarketConfig struct {
	ClobHost      string   `toml:"clob_host"`
	GammaHost     string   `toml:"gamma_host"`
	WsHost        string   `toml:"ws_host"`
	ChainID       int      `toml:"chain_id"`
	SignatureType int      `toml:"signature_type"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	MarketLimit   int      `toml:"market_limit"`
	Timeout       Duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled,
// trades and audit entries are kept in memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the stream bus,
// trade locks, dedup keys and agent state when enabled.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BusConfig selects the message bus transport.
type BusConfig struct {
	Transport string   `toml:"transport"` // "memory" or "redis"
	Buffer    int      `toml:"buffer"`
	Block     Duration `toml:"block"`
}

// RuntimeConfig tunes agent supervision.
type RuntimeConfig struct {
	MaxFailures   int      `toml:"max_failures"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffMax    Duration `toml:"backoff_max"`
	ResetAfter    Duration `toml:"reset_after"`
	HandleTimeout Duration `toml:"handle_timeout"`
	FlushTimeout  Duration `toml:"flush_timeout"`
}

// FeedConfig controls how market snapshots enter the system.
type FeedConfig struct {
	Source          string   `toml:"source"` // "polymarket" or "simulated"
	PollInterval    Duration `toml:"poll_interval"`
	UseWebsocket    bool     `toml:"use_websocket"`
	EnrichBooks     bool     `toml:"enrich_books"`
	BookConcurrency int      `toml:"book_concurrency"`
	RatePerSecond   float64  `toml:"rate_per_second"`
	// Simulated source only.
	SimMarkets      int     `toml:"sim_markets"`
	SimSeed         uint64  `toml:"sim_seed"`
	SimMispriceOdds float64 `toml:"sim_misprice_odds"`
	// Underlyings maps a title keyword (case-insensitive) to an oracle
	// symbol, e.g. "bitcoin" = "BTC".
	Underlyings map[string]string `toml:"underlyings"`
}

// OracleConfig controls the batched reference-price poller.
type OracleConfig struct {
	Enabled       bool     `toml:"enabled"`
	BaseURL       string   `toml:"base_url"`
	Symbols       []string `toml:"symbols"`
	Interval      Duration `toml:"interval"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
	Timeout       Duration `toml:"timeout"`
	// SharedLimit caps polls per minute across processes sharing Redis.
	SharedLimit int `toml:"shared_limit"`
}

// ScannerConfig holds the opportunity rules' thresholds.
type ScannerConfig struct {
	SumMargin      float64  `toml:"sum_margin"`
	MinEdge        float64  `toml:"min_edge"`
	FeeCoefficient float64  `toml:"fee_coefficient"`
	FeeKeywords    []string `toml:"fee_keywords"`
	FeeDurations   []string `toml:"fee_durations"`
	Volatility     float64  `toml:"volatility"`
	MaxQuoteAge    Duration `toml:"max_quote_age"`
	Cooldown       Duration `toml:"cooldown"`
}

// StrategyConfig configures the strategy agents. Each entry in Enabled names
// one strategy agent and the opportunity types it trades.
type StrategyConfig struct {
	MaxTradeUSD     float64             `toml:"max_trade_usd"`
	MinTradeUSD     float64             `toml:"min_trade_usd"`
	DecisionTimeout Duration            `toml:"decision_timeout"`
	Enabled         map[string][]string `toml:"enabled"`
}

// RiskConfig holds the guardian's limits.
type RiskConfig struct {
	StartingCapital   float64  `toml:"starting_capital"`
	MinProfitUSD      float64  `toml:"min_profit_usd"`
	SlippageEdgeRatio float64  `toml:"slippage_edge_ratio"`
	MaxPositionPct    float64  `toml:"max_position_pct"`
	DailyLossPct      float64  `toml:"daily_loss_pct"`
	MaxDrawdownPct    float64  `toml:"max_drawdown_pct"`
	BookTimeout       Duration `toml:"book_timeout"`
	// MarkInterval is how often open positions are revalued at the bid.
	MarkInterval   Duration `toml:"mark_interval"`
	ReservationTTL Duration `toml:"reservation_ttl"`
	SettleBid      float64  `toml:"settle_bid"`
}

// ExecutorConfig tunes order submission.
type ExecutorConfig struct {
	SubmitTimeout   Duration `toml:"submit_timeout"`
	LockTTL         Duration `toml:"lock_ttl"`
	PendingTTL      Duration `toml:"pending_ttl"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerOpenFor  Duration `toml:"breaker_open_for"`
	PaperBalance    float64  `toml:"paper_balance"`
}

// AllocatorConfig tunes capital reweighting.
type AllocatorConfig struct {
	RebalanceInterval Duration `toml:"rebalance_interval"`
	FloorPct          float64  `toml:"floor_pct"`
	MaxTotalPct       float64  `toml:"max_total_pct"`
	DedupTTL          Duration `toml:"dedup_ttl"`
}

// AlertsConfig controls escalation.
type AlertsConfig struct {
	QuietStart    string   `toml:"quiet_start"` // "22:00", empty disables quiet hours
	QuietEnd      string   `toml:"quiet_end"`
	Timezone      string   `toml:"timezone"`
	RetryInterval Duration `toml:"retry_interval"`
	Expire        Duration `toml:"expire"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	PushoverToken     string `toml:"pushover_token"`
	PushoverUser      string `toml:"pushover_user"`
}

// ArchiveConfig controls moving old trade records to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      Duration `toml:"interval"`
	Prefix        string   `toml:"prefix"`
}

// ServerConfig holds the read-only HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per client, 0 disables
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"` // empty disables auth
}

// OrchestratorConfig holds startup preconditions and shutdown bounds.
type OrchestratorConfig struct {
	PIDFile       string   `toml:"pid_file"`
	MinBalanceUSD float64  `toml:"min_balance_usd"`
	StopTimeout   Duration `toml:"stop_timeout"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:     ModePaper,
		LogLevel: "info",
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
			MarketLimit:   200,
			Timeout:       D(10 * time.Second),
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyswarm-archive",
			ForcePathStyle: true,
		},
		Bus: BusConfig{
			Transport: "memory",
			Buffer:    256,
			Block:     D(time.Second),
		},
		Runtime: RuntimeConfig{
			MaxFailures:   5,
			BackoffBase:   D(time.Second),
			BackoffMax:    D(30 * time.Second),
			ResetAfter:    D(time.Minute),
			HandleTimeout: D(15 * time.Second),
			FlushTimeout:  D(5 * time.Second),
		},
		Feed: FeedConfig{
			Source:          "polymarket",
			PollInterval:    D(5 * time.Second),
			EnrichBooks:     true,
			BookConcurrency: 8,
			RatePerSecond:   20,
			SimMarkets:      12,
			SimSeed:         1,
			SimMispriceOdds: 0.05,
			Underlyings: map[string]string{
				"bitcoin":  "BTC",
				"ethereum": "ETH",
				"solana":   "SOL",
				"xrp":      "XRP",
			},
		},
		Oracle: OracleConfig{
			Enabled:       true,
			BaseURL:       "https://api.binance.com",
			Symbols:       []string{"BTC", "ETH", "SOL", "XRP"},
			Interval:      D(2 * time.Second),
			RatePerSecond: 5,
			Burst:         1,
			Timeout:       D(5 * time.Second),
		},
		Scanner: ScannerConfig{
			SumMargin:      0.02,
			MinEdge:        0.02,
			FeeCoefficient: 0.0312,
			FeeKeywords:    []string{"up or down"},
			FeeDurations:   []string{"15m", "15 min", "15-minute"},
			Volatility:     0.6,
			MaxQuoteAge:    D(30 * time.Second),
			Cooldown:       D(10 * time.Second),
		},
		Strategy: StrategyConfig{
			MaxTradeUSD:     20,
			MinTradeUSD:     1,
			DecisionTimeout: D(30 * time.Second),
			Enabled: map[string][]string{
				"sum_arb":    {"sum_mispricing"},
				"oracle_lag": {"oracle_lag"},
			},
		},
		Risk: RiskConfig{
			StartingCapital:   1000,
			MinProfitUSD:      0.05,
			SlippageEdgeRatio: 0.5,
			MaxPositionPct:    0.10,
			DailyLossPct:      0.05,
			MaxDrawdownPct:    0.15,
			BookTimeout:       D(3 * time.Second),
			MarkInterval:      D(time.Minute),
			ReservationTTL:    D(24 * time.Hour),
			SettleBid:         0.99,
		},
		Executor: ExecutorConfig{
			SubmitTimeout:   D(10 * time.Second),
			LockTTL:         D(time.Minute),
			PendingTTL:      D(5 * time.Minute),
			BreakerFailures: 5,
			BreakerOpenFor:  D(30 * time.Second),
			PaperBalance:    1000,
		},
		Allocator: AllocatorConfig{
			RebalanceInterval: D(time.Minute),
			FloorPct:          0.05,
			MaxTotalPct:       1.0,
			DedupTTL:          D(24 * time.Hour),
		},
		Alerts: AlertsConfig{
			Timezone:      "UTC",
			RetryInterval: D(5 * time.Minute),
			Expire:        D(time.Hour),
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      D(24 * time.Hour),
			Prefix:        "archive",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			RateLimit:   120,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Orchestrator: OrchestratorConfig{
			PIDFile:       "polyswarm.pid",
			MinBalanceUSD: 10,
			StopTimeout:   D(10 * time.Second),
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validOpportunityTypes = map[string]bool{
	"sum_mispricing": true,
	"oracle_lag":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if mode != ModePaper && mode != ModeLive {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Live() {
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
		if c.Polymarket.ChainID <= 0 {
			errs = append(errs, "polymarket: chain_id must be positive")
		}
		if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
			errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "postgres: must be enabled in live mode so trades survive restarts")
		}
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	switch c.Feed.Source {
	case "polymarket":
	case "simulated":
		if c.Live() {
			errs = append(errs, "feed: simulated source cannot be used in live mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: polymarket, simulated)", c.Feed.Source))
	}

	switch c.Bus.Transport {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "bus: transport redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus: unknown transport %q (valid: memory, redis)", c.Bus.Transport))
	}

	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Runtime.MaxFailures < 1 {
		errs = append(errs, "runtime: max_failures must be >= 1")
	}

	if c.Scanner.MinEdge <= 0 {
		errs = append(errs, "scanner: min_edge must be > 0")
	}
	if c.Scanner.SumMargin < 0 || c.Scanner.SumMargin >= 1 {
		errs = append(errs, "scanner: sum_margin must be in [0, 1)")
	}
	if c.Scanner.FeeCoefficient < 0 {
		errs = append(errs, "scanner: fee_coefficient must be >= 0")
	}
	if c.Scanner.Volatility <= 0 {
		errs = append(errs, "scanner: volatility must be > 0")
	}

	if c.Strategy.MaxTradeUSD <= 0 {
		errs = append(errs, "strategy: max_trade_usd must be > 0")
	}
	if len(c.Strategy.Enabled) == 0 {
		errs = append(errs, "strategy: at least one strategy must be enabled")
	}
	for name, types := range c.Strategy.Enabled {
		if len(types) == 0 {
			errs = append(errs, fmt.Sprintf("strategy: %s trades no opportunity types", name))
		}
		for _, t := range types {
			if !validOpportunityTypes[t] {
				errs = append(errs, fmt.Sprintf("strategy: %s: unknown opportunity type %q", name, t))
			}
		}
	}

	if c.Risk.StartingCapital <= 0 {
		errs = append(errs, "risk: starting_capital must be > 0")
	}
	if c.Risk.MinProfitUSD < 0 {
		errs = append(errs, fmt.Sprintf("risk: min_profit_usd must be >= 0, got %g", c.Risk.MinProfitUSD))
	}
	if c.Risk.SlippageEdgeRatio <= 0 {
		errs = append(errs, fmt.Sprintf("risk: slippage_edge_ratio must be > 0, got %g", c.Risk.SlippageEdgeRatio))
	}
	if c.Risk.SettleBid <= 0 || c.Risk.SettleBid > 1 {
		errs = append(errs, fmt.Sprintf("risk: settle_bid must be in (0, 1], got %g", c.Risk.SettleBid))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"max_position_pct", c.Risk.MaxPositionPct},
		{"daily_loss_pct", c.Risk.DailyLossPct},
		{"max_drawdown_pct", c.Risk.MaxDrawdownPct},
	} {
		if f.v <= 0 || f.v > 1 {
			errs = append(errs, fmt.Sprintf("risk: %s must be in (0, 1], got %g", f.name, f.v))
		}
	}

	if c.Allocator.FloorPct < 0 || c.Allocator.MaxTotalPct <= 0 || c.Allocator.MaxTotalPct > 1 {
		errs = append(errs, "allocator: floor_pct must be >= 0 and max_total_pct in (0, 1]")
	}
	if n := len(c.Strategy.Enabled); n > 0 && c.Allocator.FloorPct*float64(n) > c.Allocator.MaxTotalPct {
		errs = append(errs, "allocator: floor_pct times strategy count exceeds max_total_pct")
	}

	if (c.Alerts.QuietStart == "") != (c.Alerts.QuietEnd == "") {
		errs = append(errs, "alerts: quiet_start and quiet_end must be set together")
	}
	for _, v := range []string{c.Alerts.QuietStart, c.Alerts.QuietEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			errs = append(errs, fmt.Sprintf("alerts: invalid clock time %q (want HH:MM)", v))
		}
	}
	if _, err := time.LoadLocation(c.Alerts.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("alerts: unknown timezone %q", c.Alerts.Timezone))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Orchestrator.PIDFile == "" {
		errs = append(errs, "orchestrator: pid_file must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
