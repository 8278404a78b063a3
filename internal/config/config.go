// Package config defines the updownd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by UPDOWN_* environment variables.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	S3       S3Config       `toml:"s3"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Oracle   OracleConfig   `toml:"oracle"`
	Feeds    FeedsConfig    `toml:"feeds"`
	Game     GameConfig     `toml:"game"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StoreConfig selects the wager store backend.
type StoreConfig struct {
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	// SeedSettings writes [game] into game_settings at startup.
	SeedSettings bool `toml:"seed_settings"`
}

// SQLiteConfig holds the single-node database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Redis backs the price
// cache, settlement locks and the event bus; it is optional.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
	// Replay also appends bus messages to a capped stream per channel.
	Replay bool `toml:"replay"`
}

// KafkaConfig holds broker and topic names.
type KafkaConfig struct {
	Enabled         bool     `toml:"enabled"`
	Brokers         []string `toml:"brokers"`
	EventsTopic     string   `toml:"events_topic"`
	CommandsTopic   string   `toml:"commands_topic"`
	ConsumerGroup   string   `toml:"consumer_group"`
	ConsumeCommands bool     `toml:"consume_commands"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig selects the ledger gateway and holds the reserve key.
type LedgerConfig struct {
	Driver          string        `toml:"driver"`
	RPCURL          string        `toml:"rpc_url"`
	GasLimit        uint64        `toml:"gas_limit"`
	ReceiptPoll     duration      `toml:"receipt_poll"`
	ReceiptAttempts int           `toml:"receipt_attempts"`
	Tokens          []LedgerToken `toml:"tokens"`

	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`

	// MemoryFunding seeds the in-memory reserve, keyed by token symbol.
	MemoryFunding map[string]string `toml:"memory_funding"`
}

// LedgerToken maps a token symbol to its contract.
type LedgerToken struct {
	Symbol   string `toml:"symbol"`
	Contract string `toml:"contract"`
	Decimals int32  `toml:"decimals"`
}

// OracleConfig holds the aggregator tunables.
type OracleConfig struct {
	Symbols      []string           `toml:"symbols"`
	TickInterval duration           `toml:"tick_interval"`
	LockTTL      duration           `toml:"lock_ttl"`
	Fallback     map[string]float64 `toml:"fallback"`
	Jitter       float64            `toml:"jitter"`
	Sources      []OracleSource     `toml:"sources"`
}

// OracleSource weights one upstream feed in the blend.
type OracleSource struct {
	Name        string   `toml:"name"`
	Weight      float64  `toml:"weight"`
	StaleWeight float64  `toml:"stale_weight"`
	Freshness   duration `toml:"freshness"`
}

// FeedsConfig configures the upstream price feeds.
type FeedsConfig struct {
	Push PushFeedConfig `toml:"push"`
	Pull PullFeedConfig `toml:"pull"`
}

// PushFeedConfig configures the websocket trade stream.
type PushFeedConfig struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Streams []string          `toml:"streams"`
	Symbols map[string]string `toml:"symbols"`
}

// PullFeedConfig configures the REST ticker poller.
type PullFeedConfig struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Interval   duration          `toml:"interval"`
	RatePerSec float64           `toml:"rate_per_sec"`
	Symbols    map[string]string `toml:"symbols"`
}

// GameConfig holds the settings snapshot and engine tunables.
type GameConfig struct {
	PrimaryInstrument string        `toml:"primary_instrument"`
	FeeRate           string        `toml:"fee_rate"`
	DrawThreshold     string        `toml:"draw_threshold"`
	MinDurationSec    int           `toml:"min_duration_sec"`
	MaxDurationSec    int           `toml:"max_duration_sec"`
	ReserveAddress    string        `toml:"reserve_address"`
	TickInterval      duration      `toml:"tick_interval"`
	SettleLockTTL     duration      `toml:"settle_lock_ttl"`
	RecoverBatch      int           `toml:"recover_batch"`
	SettleRetryBase   duration      `toml:"settle_retry_base"`
	SettleRetryMax    duration      `toml:"settle_retry_max"`
	Tokens            []TokenConfig `toml:"tokens"`
}

// TokenConfig holds per-token admission limits.
type TokenConfig struct {
	Symbol     string `toml:"symbol"`
	Enabled    bool   `toml:"enabled"`
	MinStake   string `toml:"min_stake"`
	MaxStake   string `toml:"max_stake"`
	Instrument string `toml:"instrument"`
}

// NotifyConfig holds operator alert channels and event signing.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Alerts            []string `toml:"alerts"`
	SigningSecret     string   `toml:"signing_secret"`
}

// MetricsConfig holds the ops server address.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// ArchiveConfig controls the terminal wager export.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Prefix    string   `toml:"prefix"`
	Interval  duration `toml:"interval"`
	OlderThan duration `toml:"older_than"`
	BatchSize int      `toml:"batch_size"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs single-node against sqlite, the
// in-memory ledger and public Binance feeds.
func Defaults() Config {
	return Config{
		Store:  StoreConfig{Driver: "sqlite"},
		SQLite: SQLiteConfig{Path: "updown.db"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "updown",
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
			KeyPrefix:  "updown:",
			PriceTTL:   duration{time.Minute},
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			EventsTopic:   "updown.events",
			CommandsTopic: "updown.commands",
			ConsumerGroup: "updownd",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "updown-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			Driver:          "memory",
			GasLimit:        100_000,
			ReceiptPoll:     duration{2 * time.Second},
			ReceiptAttempts: 30,
			MemoryFunding:   map[string]string{"USDC": "100000"},
		},
		Oracle: OracleConfig{
			Symbols:      []string{"BTCUSD"},
			TickInterval: duration{250 * time.Millisecond},
			LockTTL:      duration{5 * time.Minute},
			Fallback:     map[string]float64{"BTCUSD": 100_000},
			Jitter:       0.00005,
			Sources: []OracleSource{
				{Name: "push", Weight: 0.7, StaleWeight: 0.5, Freshness: duration{3 * time.Second}},
				{Name: "pull", Weight: 0.3, StaleWeight: 0.2, Freshness: duration{10 * time.Second}},
			},
		},
		Feeds: FeedsConfig{
			Push: PushFeedConfig{
				Enabled: true,
				URL:     "wss://stream.binance.com:9443/ws",
				Streams: []string{"btcusdt@trade"},
				Symbols: map[string]string{"BTCUSDT": "BTCUSD"},
			},
			Pull: PullFeedConfig{
				Enabled:    true,
				URL:        "https://api.binance.com/api/v3/ticker/price",
				Interval:   duration{5 * time.Second},
				RatePerSec: 5,
				Symbols:    map[string]string{"BTCUSDT": "BTCUSD"},
			},
		},
		Game: GameConfig{
			PrimaryInstrument: "BTCUSD",
			FeeRate:           "0.05",
			DrawThreshold:     "0.01",
			MinDurationSec:    5,
			MaxDurationSec:    60,
			ReserveAddress:    "reserve",
			TickInterval:      duration{time.Second},
			SettleLockTTL:     duration{30 * time.Second},
			RecoverBatch:      1000,
			SettleRetryBase:   duration{time.Second},
			SettleRetryMax:    duration{time.Minute},
			Tokens: []TokenConfig{
				{Symbol: "USDC", Enabled: true, MinStake: "1", MaxStake: "1000", Instrument: "BTCUSD"},
			},
		},
		Notify: NotifyConfig{
			Alerts: []string{"transfer_failed", "refund_failed", "settlement_metadata_lost", "settlement_stalled", "peer_unsettled"},
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9102"},
		Archive: ArchiveConfig{
			Prefix:    "archive/wagers",
			Interval:  duration{time.Hour},
			OlderThan: duration{24 * time.Hour},
			BatchSize: 500,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":    true,
	"oracle":  true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, oracle, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case "postgres":
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
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: sqlite, postgres)", c.Store.Driver))
	}

	if c.Redis.Enabled && c.Redis.URL == "" && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr or url must be set when enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.EventsTopic == "" {
			errs = append(errs, "kafka: events_topic must not be empty")
		}
		if c.Kafka.ConsumeCommands && c.Kafka.CommandsTopic == "" {
			errs = append(errs, "kafka: commands_topic must not be empty when consume_commands is set")
		}
	}
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
	}

	switch c.Ledger.Driver {
	case "memory":
		for sym, amt := range c.Ledger.MemoryFunding {
			if _, err := decimal.NewFromString(amt); err != nil {
				errs = append(errs, fmt.Sprintf("ledger: memory_funding[%s] is not a decimal: %q", sym, amt))
			}
		}
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url must not be empty for the evm driver")
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.EncryptedKeyPath == "" {
			errs = append(errs, "ledger: either private_key or encrypted_key_path must be set for the evm driver")
		}
		if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
			errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
		}
		if len(c.Ledger.Tokens) == 0 {
			errs = append(errs, "ledger: at least one token contract is required for the evm driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: memory, evm)", c.Ledger.Driver))
	}

	if len(c.Oracle.Symbols) == 0 {
		errs = append(errs, "oracle: symbols must not be empty")
	}
	if c.Oracle.TickInterval.Duration <= 0 {
		errs = append(errs, "oracle: tick_interval must be > 0")
	}
	if c.Oracle.LockTTL.Duration <= 0 {
		errs = append(errs, "oracle: lock_ttl must be > 0")
	}
	if len(c.Oracle.Sources) == 0 {
		errs = append(errs, "oracle: at least one source is required")
	}
	if c.Feeds.Push.Enabled && c.Feeds.Push.URL == "" {
		errs = append(errs, "feeds.push: url must not be empty when enabled")
	}
	if c.Feeds.Pull.Enabled {
		if c.Feeds.Pull.URL == "" {
			errs = append(errs, "feeds.pull: url must not be empty when enabled")
		}
		if c.Feeds.Pull.Interval.Duration <= 0 {
			errs = append(errs, "feeds.pull: interval must be > 0")
		}
	}

	errs = append(errs, c.validateGame()...)

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateGame() []string {
	var errs []string
	g := c.Game
	if g.PrimaryInstrument == "" {
		errs = append(errs, "game: primary_instrument must not be empty")
	}
	if fee, err := decimal.NewFromString(g.FeeRate); err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("game: fee_rate must be a decimal in [0, 1), got %q", g.FeeRate))
	}
	if g.DrawThreshold != "" {
		if d, err := decimal.NewFromString(g.DrawThreshold); err != nil || d.IsNegative() {
			errs = append(errs, fmt.Sprintf("game: draw_threshold must be a non-negative decimal, got %q", g.DrawThreshold))
		}
	}
	if g.MinDurationSec <= 0 || g.MaxDurationSec < g.MinDurationSec {
		errs = append(errs, fmt.Sprintf("game: durations must satisfy 0 < min <= max, got %d..%d", g.MinDurationSec, g.MaxDurationSec))
	}
	if g.ReserveAddress == "" && c.Ledger.Driver != "evm" {
		errs = append(errs, "game: reserve_address must not be empty")
	}
	if len(g.Tokens) == 0 {
		errs = append(errs, "game: at least one token is required")
	}
	seen := make(map[string]bool, len(g.Tokens))
	for _, t := range g.Tokens {
		if t.Symbol == "" {
			errs = append(errs, "game: token symbol must not be empty")
			continue
		}
		if seen[t.Symbol] {
			errs = append(errs, fmt.Sprintf("game: duplicate token %s", t.Symbol))
		}
		seen[t.Symbol] = true
		lo, err1 := decimal.NewFromString(t.MinStake)
		hi, err2 := decimal.NewFromString(t.MaxStake)
		if err1 != nil || err2 != nil || !lo.IsPositive() || hi.LessThan(lo) {
			errs = append(errs, fmt.Sprintf("game: token %s stakes must satisfy 0 < min <= max", t.Symbol))
		}
	}
	return errs
}
