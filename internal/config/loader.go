package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSWARM_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSWARM_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "POLYSWARM_MODE")
	setStr(&cfg.LogLevel, "POLYSWARM_LOG_LEVEL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYSWARM_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "POLYSWARM_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYSWARM_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYSWARM_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYSWARM_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYSWARM_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYSWARM_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYSWARM_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYSWARM_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "POLYSWARM_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYSWARM_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYSWARM_POLYMARKET_API_PASSPHRASE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYSWARM_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYSWARM_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYSWARM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYSWARM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYSWARM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYSWARM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYSWARM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYSWARM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYSWARM_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYSWARM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYSWARM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYSWARM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSWARM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSWARM_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POLYSWARM_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYSWARM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSWARM_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSWARM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYSWARM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSWARM_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POLYSWARM_S3_FORCE_PATH_STYLE")

	// ── Bus / runtime ──
	setStr(&cfg.Bus.Transport, "POLYSWARM_BUS_TRANSPORT")
	setInt(&cfg.Runtime.MaxFailures, "POLYSWARM_RUNTIME_MAX_FAILURES")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "POLYSWARM_FEED_SOURCE")
	setBool(&cfg.Feed.UseWebsocket, "POLYSWARM_FEED_USE_WEBSOCKET")
	setDuration(&cfg.Feed.PollInterval, "POLYSWARM_FEED_POLL_INTERVAL")

	// ── Oracle ──
	setBool(&cfg.Oracle.Enabled, "POLYSWARM_ORACLE_ENABLED")
	setStr(&cfg.Oracle.BaseURL, "POLYSWARM_ORACLE_BASE_URL")
	setStringSlice(&cfg.Oracle.Symbols, "POLYSWARM_ORACLE_SYMBOLS")
	setDuration(&cfg.Oracle.Interval, "POLYSWARM_ORACLE_INTERVAL")

	// ── Scanner ──
	setFloat64(&cfg.Scanner.SumMargin, "POLYSWARM_SCANNER_SUM_MARGIN")
	setFloat64(&cfg.Scanner.MinEdge, "POLYSWARM_SCANNER_MIN_EDGE")
	setFloat64(&cfg.Scanner.Volatility, "POLYSWARM_SCANNER_VOLATILITY")

	// ── Strategy / risk ──
	setFloat64(&cfg.Strategy.MaxTradeUSD, "POLYSWARM_STRATEGY_MAX_TRADE_USD")
	setFloat64(&cfg.Risk.StartingCapital, "POLYSWARM_RISK_STARTING_CAPITAL")
	setFloat64(&cfg.Risk.MinProfitUSD, "POLYSWARM_RISK_MIN_PROFIT_USD")
	setFloat64(&cfg.Risk.MaxPositionPct, "POLYSWARM_RISK_MAX_POSITION_PCT")
	setFloat64(&cfg.Risk.DailyLossPct, "POLYSWARM_RISK_DAILY_LOSS_PCT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "POLYSWARM_RISK_MAX_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.SlippageEdgeRatio, "POLYSWARM_RISK_SLIPPAGE_EDGE_RATIO")
	setDuration(&cfg.Risk.MarkInterval, "POLYSWARM_RISK_MARK_INTERVAL")

	// ── Executor ──
	setFloat64(&cfg.Executor.PaperBalance, "POLYSWARM_EXECUTOR_PAPER_BALANCE")

	// ── Alerts / notify ──
	setStr(&cfg.Alerts.QuietStart, "POLYSWARM_ALERTS_QUIET_START")
	setStr(&cfg.Alerts.QuietEnd, "POLYSWARM_ALERTS_QUIET_END")
	setStr(&cfg.Alerts.Timezone, "POLYSWARM_ALERTS_TIMEZONE")
	setStr(&cfg.Notify.TelegramToken, "POLYSWARM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSWARM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSWARM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.PushoverToken, "POLYSWARM_NOTIFY_PUSHOVER_TOKEN")
	setStr(&cfg.Notify.PushoverUser, "POLYSWARM_NOTIFY_PUSHOVER_USER")

	// ── Archive / server / orchestrator ──
	setBool(&cfg.Archive.Enabled, "POLYSWARM_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "POLYSWARM_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Server.Enabled, "POLYSWARM_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYSWARM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYSWARM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYSWARM_SERVER_API_KEY")
	setStr(&cfg.Orchestrator.PIDFile, "POLYSWARM_PID_FILE")
	setFloat64(&cfg.Orchestrator.MinBalanceUSD, "POLYSWARM_MIN_BALANCE_USD")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
