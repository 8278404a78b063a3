package config

import "maps"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.URL)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Ledger.PrivateKey)
	redact(&out.Ledger.KeyPassword)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Notify.SigningSecret)

	// Detach reference fields so the copy cannot mutate cfg.
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Notify.Alerts = append([]string(nil), cfg.Notify.Alerts...)
	out.Oracle.Symbols = append([]string(nil), cfg.Oracle.Symbols...)
	out.Oracle.Sources = append([]OracleSource(nil), cfg.Oracle.Sources...)
	out.Oracle.Fallback = maps.Clone(cfg.Oracle.Fallback)
	out.Ledger.Tokens = append([]LedgerToken(nil), cfg.Ledger.Tokens...)
	out.Ledger.MemoryFunding = maps.Clone(cfg.Ledger.MemoryFunding)
	out.Game.Tokens = append([]TokenConfig(nil), cfg.Game.Tokens...)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
