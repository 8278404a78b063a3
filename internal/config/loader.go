package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults and applies UPDOWN_*
// overrides. An empty path or a missing file leaves the defaults in place.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose UPDOWN_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Store.Driver, "UPDOWN_STORE_DRIVER")
	setStr(&cfg.SQLite.Path, "UPDOWN_SQLITE_PATH")

	setStr(&cfg.Postgres.DSN, "UPDOWN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "UPDOWN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "UPDOWN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "UPDOWN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "UPDOWN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "UPDOWN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "UPDOWN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "UPDOWN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "UPDOWN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "UPDOWN_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.SeedSettings, "UPDOWN_POSTGRES_SEED_SETTINGS")

	setBool(&cfg.Redis.Enabled, "UPDOWN_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "UPDOWN_REDIS_URL")
	setStr(&cfg.Redis.Addr, "UPDOWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWN_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWN_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "UPDOWN_REDIS_KEY_PREFIX")
	setBool(&cfg.Redis.Replay, "UPDOWN_REDIS_REPLAY")

	setBool(&cfg.Kafka.Enabled, "UPDOWN_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "UPDOWN_KAFKA_BROKERS")
	setStr(&cfg.Kafka.EventsTopic, "UPDOWN_KAFKA_EVENTS_TOPIC")
	setStr(&cfg.Kafka.CommandsTopic, "UPDOWN_KAFKA_COMMANDS_TOPIC")
	setStr(&cfg.Kafka.ConsumerGroup, "UPDOWN_KAFKA_CONSUMER_GROUP")
	setBool(&cfg.Kafka.ConsumeCommands, "UPDOWN_KAFKA_CONSUME_COMMANDS")

	setStr(&cfg.S3.Endpoint, "UPDOWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UPDOWN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWN_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Ledger.Driver, "UPDOWN_LEDGER_DRIVER")
	setStr(&cfg.Ledger.RPCURL, "UPDOWN_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.PrivateKey, "UPDOWN_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "UPDOWN_LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "UPDOWN_LEDGER_KEY_PASSWORD")

	setStringSlice(&cfg.Oracle.Symbols, "UPDOWN_ORACLE_SYMBOLS")
	setDuration(&cfg.Oracle.TickInterval, "UPDOWN_ORACLE_TICK_INTERVAL")
	setDuration(&cfg.Oracle.LockTTL, "UPDOWN_ORACLE_LOCK_TTL")
	setFloat64(&cfg.Oracle.Jitter, "UPDOWN_ORACLE_JITTER")

	setBool(&cfg.Feeds.Push.Enabled, "UPDOWN_FEEDS_PUSH_ENABLED")
	setStr(&cfg.Feeds.Push.URL, "UPDOWN_FEEDS_PUSH_URL")
	setBool(&cfg.Feeds.Pull.Enabled, "UPDOWN_FEEDS_PULL_ENABLED")
	setStr(&cfg.Feeds.Pull.URL, "UPDOWN_FEEDS_PULL_URL")
	setDuration(&cfg.Feeds.Pull.Interval, "UPDOWN_FEEDS_PULL_INTERVAL")
	setFloat64(&cfg.Feeds.Pull.RatePerSec, "UPDOWN_FEEDS_PULL_RATE_PER_SEC")

	setStr(&cfg.Game.PrimaryInstrument, "UPDOWN_GAME_PRIMARY_INSTRUMENT")
	setStr(&cfg.Game.FeeRate, "UPDOWN_GAME_FEE_RATE")
	setStr(&cfg.Game.DrawThreshold, "UPDOWN_GAME_DRAW_THRESHOLD")
	setInt(&cfg.Game.MinDurationSec, "UPDOWN_GAME_MIN_DURATION_SEC")
	setInt(&cfg.Game.MaxDurationSec, "UPDOWN_GAME_MAX_DURATION_SEC")
	setStr(&cfg.Game.ReserveAddress, "UPDOWN_GAME_RESERVE_ADDRESS")

	setStr(&cfg.Notify.TelegramToken, "UPDOWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Alerts, "UPDOWN_NOTIFY_ALERTS")
	setStr(&cfg.Notify.SigningSecret, "UPDOWN_NOTIFY_SIGNING_SECRET")

	setBool(&cfg.Metrics.Enabled, "UPDOWN_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "UPDOWN_METRICS_ADDR")

	setBool(&cfg.Archive.Enabled, "UPDOWN_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "UPDOWN_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.OlderThan, "UPDOWN_ARCHIVE_OLDER_THAN")

	setStr(&cfg.Mode, "UPDOWN_MODE")
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
}

// Typed env helpers. Each mutates the target only when the variable is set,
// non-empty and parses.

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

func setDuration(dst *duration, key string) {
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
