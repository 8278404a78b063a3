package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbet/internal/archive"
	"github.com/alanyoungcy/updownbet/internal/feed"
	"github.com/alanyoungcy/updownbet/internal/intake"
	"github.com/alanyoungcy/updownbet/internal/matchmaking"
	"github.com/alanyoungcy/updownbet/internal/metrics"
	"github.com/alanyoungcy/updownbet/internal/oracle"
	"github.com/alanyoungcy/updownbet/internal/wager"
)

const shutdownTimeout = 5 * time.Second

// FullMode runs the oracle, the wager engine, command intake, the archive
// exporter and the ops server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in full mode")

	g, gctx := errgroup.WithContext(ctx)

	agg := a.startOracle(gctx, g, deps)

	engine := wager.New(wager.Config{
		PrimaryInstrument: a.cfg.Game.PrimaryInstrument,
		DrawThreshold:     a.cfg.DrawThreshold(),
		TickInterval:      a.cfg.Game.TickInterval.Duration,
		SettleLockTTL:     a.cfg.Game.SettleLockTTL.Duration,
		RecoverBatch:      a.cfg.Game.RecoverBatch,
		SettleRetryBase:   a.cfg.Game.SettleRetryBase.Duration,
		SettleRetryMax:    a.cfg.Game.SettleRetryMax.Duration,
	}, wager.Deps{
		Store:    deps.Store,
		Settings: deps.Settings,
		Ledger:   deps.Ledger,
		Oracle:   agg,
		Matcher:  matchmaking.New(deps.Store, a.logger),
		Notifier: deps.Events,
		Locks:    deps.Locks,
		Alerts:   deps.Alerts,
		Audit:    deps.Audit,
		Metrics:  deps.Metrics,
	}, a.logger)
	a.closers = append(a.closers, engine.Close)

	g.Go(func() error {
		return a.recoverWhenPriced(gctx, agg.Ready(), engine)
	})

	if a.cfg.Kafka.Enabled && a.cfg.Kafka.ConsumeCommands {
		reader := intake.NewReader(a.cfg.Kafka.Brokers, a.cfg.Kafka.CommandsTopic, a.cfg.Kafka.ConsumerGroup)
		consumer := intake.New(reader, engine, deps.Events, a.logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	if a.cfg.Archive.Enabled {
		exporter := a.newExporter(deps)
		g.Go(func() error {
			return exporter.Run(gctx)
		})
	}

	a.startMetricsServer(gctx, g, deps)

	if err := deps.Alerts.NotifyAll(ctx, "updownd started",
		fmt.Sprintf("mode=full ledger=%s reserve=%s", a.cfg.Ledger.Driver, deps.Reserve)); err != nil {
		a.logger.WarnContext(ctx, "startup alert failed", slog.String("error", err.Error()))
	}

	return g.Wait()
}

// recoverer resumes in-flight wagers. *wager.Engine satisfies it.
type recoverer interface {
	Recover(ctx context.Context) (rescheduled, settled int, err error)
}

// recoverWhenPriced runs recovery once the oracle has blended a real sample,
// so overdue wagers never settle against the fallback price.
func (a *App) recoverWhenPriced(ctx context.Context, ready <-chan struct{}, r recoverer) error {
	a.logger.InfoContext(ctx, "waiting for first price before recovering wagers")
	select {
	case <-ready:
	case <-ctx.Done():
		return nil
	}
	if _, _, err := r.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover wagers: %w", err)
	}
	return nil
}

// OracleMode runs only the feeds, the aggregator and the ops server. With
// redis enabled the blended prices land in the shared price cache.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in oracle mode")

	g, gctx := errgroup.WithContext(ctx)
	a.startOracle(gctx, g, deps)
	a.startMetricsServer(gctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs a single export pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in archive mode")

	n, err := a.newExporter(deps).ExportOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: archive export: %w", err)
	}
	a.logger.InfoContext(ctx, "archive export finished", slog.Int("wagers", n))
	return nil
}

// startOracle builds the aggregator and launches it with its feeds.
func (a *App) startOracle(ctx context.Context, g *errgroup.Group, deps *Dependencies) *oracle.Aggregator {
	sources := make([]oracle.SourceConfig, 0, len(a.cfg.Oracle.Sources))
	for _, s := range a.cfg.Oracle.Sources {
		sources = append(sources, oracle.SourceConfig{
			Name:        s.Name,
			Weight:      s.Weight,
			StaleWeight: s.StaleWeight,
			Freshness:   s.Freshness.Duration,
		})
	}

	opts := []oracle.Option{oracle.WithMetrics(deps.Metrics)}
	if deps.PriceCache != nil {
		opts = append(opts, oracle.WithPriceCache(deps.PriceCache))
	}
	agg := oracle.New(oracle.Config{
		Symbols:      a.cfg.Oracle.Symbols,
		Sources:      sources,
		TickInterval: a.cfg.Oracle.TickInterval.Duration,
		LockTTL:      a.cfg.Oracle.LockTTL.Duration,
		Fallback:     a.cfg.Oracle.Fallback,
		Jitter:       a.cfg.Oracle.Jitter,
	}, deps.Events, a.logger, opts...)

	if push := a.cfg.Feeds.Push; push.Enabled {
		f := feed.NewPushFeed(feed.PushConfig{
			URL:     push.URL,
			Symbols: push.Symbols,
			Streams: push.Streams,
		}, agg, deps.Metrics, a.logger)
		g.Go(func() error {
			return f.Run(ctx)
		})
	}
	if pull := a.cfg.Feeds.Pull; pull.Enabled {
		f := feed.NewPullFeed(feed.PullConfig{
			URL:        pull.URL,
			Symbols:    pull.Symbols,
			Interval:   pull.Interval.Duration,
			RatePerSec: pull.RatePerSec,
		}, agg, deps.Metrics, a.logger)
		g.Go(func() error {
			return f.Run(ctx)
		})
	}
	g.Go(func() error {
		return agg.Run(ctx)
	})
	return agg
}

func (a *App) newExporter(deps *Dependencies) *archive.Exporter {
	return archive.New(archive.Config{
		Prefix:    a.cfg.Archive.Prefix,
		Interval:  a.cfg.Archive.Interval.Duration,
		OlderThan: a.cfg.Archive.OlderThan.Duration,
		BatchSize: a.cfg.Archive.BatchSize,
	}, deps.Store, deps.BlobWriter, deps.BlobReader, deps.Audit, deps.Metrics, a.logger)
}

// startMetricsServer serves /metrics and /healthz until ctx ends.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(a.cfg.Metrics.Addr, deps.Registry, metrics.HealthFunc(deps.Health), a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
