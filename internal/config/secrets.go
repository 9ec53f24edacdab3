package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by
// "***" so the active configuration can be logged safely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.Polymarket.ApiKey)
	redact(&out.Polymarket.ApiSecret)
	redact(&out.Polymarket.ApiPassphrase)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Notify.PushoverToken)
	redact(&out.Notify.PushoverUser)

	// Detach reference types so edits to the copy never reach the original.
	out.Oracle.Symbols = append([]string(nil), cfg.Oracle.Symbols...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Scanner.FeeKeywords = append([]string(nil), cfg.Scanner.FeeKeywords...)
	out.Scanner.FeeDurations = append([]string(nil), cfg.Scanner.FeeDurations...)
	out.Feed.Underlyings = maps.Clone(cfg.Feed.Underlyings)
	out.Strategy.Enabled = make(map[string][]string, len(cfg.Strategy.Enabled))
	for k, v := range cfg.Strategy.Enabled {
		out.Strategy.Enabled[k] = append([]string(nil), v...)
	}

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
