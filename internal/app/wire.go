package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/updownbet/internal/blob/s3"
	"github.com/alanyoungcy/updownbet/internal/cache/redis"
	"github.com/alanyoungcy/updownbet/internal/config"
	"github.com/alanyoungcy/updownbet/internal/crypto"
	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/ledger/evm"
	"github.com/alanyoungcy/updownbet/internal/ledger/memory"
	"github.com/alanyoungcy/updownbet/internal/metrics"
	"github.com/alanyoungcy/updownbet/internal/notify"
	"github.com/alanyoungcy/updownbet/internal/store/postgres"
	"github.com/alanyoungcy/updownbet/internal/store/sqlite"
)

// Dependencies bundles the concrete collaborators the modes run on. Wire
// builds it; the cleanup func it returns releases everything.
type Dependencies struct {
	// Stores
	Store    domain.WagerStore
	Settings domain.SettingsSource
	Audit    domain.AuditStore

	// Ledger
	Ledger  domain.LedgerGateway
	Reserve string

	// Redis, nil when disabled
	PriceCache domain.PriceCache
	Locks      domain.LockManager
	Bus        domain.SignalBus

	// Blob storage, nil unless archiving
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Events *notify.Publisher
	Alerts *notify.Notifier

	// Observability
	Registry *prometheus.Registry
	Metrics  *metrics.Collectors

	pings []func(context.Context) error
}

// Health pings every connected backend.
func (d *Dependencies) Health(ctx context.Context) error {
	var errs []error
	for _, ping := range d.pings {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func needsStore(mode string) bool {
	return mode == "full" || mode == "archive"
}

func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || (cfg.Mode == "full" && cfg.Archive.Enabled)
}

// Wire constructs every dependency the configured mode needs.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)

	// --- Ledger (before settings: the EVM wallet decides the reserve) ---
	if cfg.Mode == "full" {
		closeLedger, err := wireLedger(ctx, cfg, deps, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeLedger)
	}

	// --- Store ---
	if needsStore(cfg.Mode) {
		closeStore, err := wireStore(ctx, cfg, deps)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeStore)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.pings = append(deps.pings, rc.Ping)

		prefix := cfg.Redis.KeyPrefix
		deps.PriceCache = redis.NewPriceCache(rc, prefix, cfg.Redis.PriceTTL.Duration)
		deps.Locks = redis.NewLockManager(rc, prefix)
		deps.Bus = redis.NewSignalBus(rc, prefix, cfg.Redis.Replay)
	}

	// --- Events ---
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if deps.Bus != nil {
		sinks = append(sinks, notify.NewBusSink(deps.Bus))
	}
	if cfg.Kafka.Enabled {
		ks := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic))
		closers = append(closers, func() { _ = ks.Close() })
		sinks = append(sinks, ks)
	}
	deps.Events = notify.NewPublisher(sinks, logger,
		notify.WithSigner(crypto.NewEnvelopeSigner(cfg.Notify.SigningSecret)),
		notify.WithPublisherMetrics(deps.Metrics),
	)

	// --- Alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Alerts = notify.NewNotifier(senders, cfg.Notify.Alerts, logger)

	// --- S3 ---
	if needsS3(cfg) {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(sc)
		deps.BlobReader = s3blob.NewReader(sc)
		deps.pings = append(deps.pings, sc.Health)
	}

	return deps, cleanup, nil
}

// wireLedger builds the gateway and records the reserve address.
func wireLedger(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	switch cfg.Ledger.Driver {
	case "evm":
		wallet, err := crypto.LoadWallet(crypto.KeySource{
			RawKey:   cfg.Ledger.PrivateKey,
			KeyFile:  cfg.Ledger.EncryptedKeyPath,
			Password: cfg.Ledger.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: reserve wallet: %w", err)
		}
		tokens := make([]evm.Token, 0, len(cfg.Ledger.Tokens))
		for _, t := range cfg.Ledger.Tokens {
			tokens = append(tokens, evm.Token{Symbol: t.Symbol, Contract: t.Contract, Decimals: t.Decimals})
		}
		gw, closeFn, err := evm.Dial(ctx, evm.Config{
			RPCURL:          cfg.Ledger.RPCURL,
			Tokens:          tokens,
			GasLimit:        cfg.Ledger.GasLimit,
			ReceiptPoll:     cfg.Ledger.ReceiptPoll.Duration,
			ReceiptAttempts: cfg.Ledger.ReceiptAttempts,
		}, wallet, logger)
		if err != nil {
			return nil, fmt.Errorf("wire: evm ledger: %w", err)
		}
		deps.Ledger = gw
		deps.Reserve = gw.ReserveAddress()
		return closeFn, nil
	default:
		reserve := cfg.Game.ReserveAddress
		l := memory.New(reserve)
		for sym, amt := range cfg.Ledger.MemoryFunding {
			v, err := decimal.NewFromString(amt)
			if err != nil {
				return nil, fmt.Errorf("wire: memory funding %s: %w", sym, err)
			}
			l.Fund(reserve, sym, v)
		}
		deps.Ledger = l
		deps.Reserve = reserve
		return func() {}, nil
	}
}

// wireStore opens the configured wager store and its settings source.
func wireStore(ctx context.Context, cfg *config.Config, deps *Dependencies) (func(), error) {
	settings, err := cfg.GameSettings(deps.Reserve)
	if err != nil {
		return nil, fmt.Errorf("wire: game settings: %w", err)
	}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		pool := pg.Pool()
		ss := postgres.NewSettingsStore(pool)
		if cfg.Postgres.SeedSettings {
			if err := ss.Seed(ctx, settings); err != nil {
				pg.Close()
				return nil, fmt.Errorf("wire: seed settings: %w", err)
			}
		}
		deps.Store = postgres.NewWagerStore(pool)
		deps.Settings = ss
		deps.Audit = postgres.NewAuditStore(pool)
		deps.pings = append(deps.pings, pg.Ping)
		return pg.Close, nil
	default:
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		deps.Store = st
		deps.Settings = config.NewStaticSettings(settings)
		deps.Audit = st
		deps.pings = append(deps.pings, st.Ping)
		return func() { _ = st.Close() }, nil
	}
}
