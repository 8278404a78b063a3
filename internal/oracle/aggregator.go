// Package oracle blends several upstream price feeds for the same instrument
// into a single quote on a fixed cadence and binds quotes to wagers.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/metrics"
)

const (
	// lockSweepEvery is how many ticks pass between sweeps of expired locks.
	lockSweepEvery = 240

	// updateQueueSize bounds the price updates waiting for the notifier and
	// cache. Updates beyond it are dropped; the next tick supersedes them.
	updateQueueSize = 256
)

// Config holds the aggregator tunables.
type Config struct {
	Symbols      []string
	Sources      []SourceConfig
	TickInterval time.Duration
	LockTTL      time.Duration
	// Fallback is returned for a symbol no source has ever priced.
	Fallback map[string]float64
	// Jitter is the relative bound of the cosmetic noise added to published
	// prices. Zero disables it.
	Jitter float64
}

// DefaultSources are the push/pull sources with their nominal weights.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "push", Weight: 0.7, StaleWeight: 0.5, Freshness: 3 * time.Second},
		{Name: "pull", Weight: 0.3, StaleWeight: 0.2, Freshness: 10 * time.Second},
	}
}

// priceUpdate is one published blend on its way to the notifier and cache.
type priceUpdate struct {
	symbol     string
	price      float64
	confidence int
	at         time.Time
}

type blendState struct {
	price      float64
	published  float64
	confidence int
	at         time.Time
}

// Aggregator implements the price oracle. Samples are written by feeds, the
// blend cache only by the tick loop, and both are read by any goroutine.
type Aggregator struct {
	cfg      Config
	sources  map[string]SourceConfig
	symbols  map[string]bool
	notifier domain.EventNotifier
	cache    domain.PriceCache
	metrics  *metrics.Collectors
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	samples map[string]map[string]domain.PriceSample // symbol -> source -> sample
	blended map[string]blendState

	lockMu sync.Mutex
	locks  map[string]domain.LockedQuote

	updates chan priceUpdate
	ready   chan struct{}
	once    sync.Once
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithPriceCache mirrors every published price into cache.
func WithPriceCache(cache domain.PriceCache) Option {
	return func(a *Aggregator) { a.cache = cache }
}

// WithMetrics records blends into m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator. notifier may be nil.
func New(cfg Config, notifier domain.EventNotifier, logger *slog.Logger, opts ...Option) *Aggregator {
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	a := &Aggregator{
		cfg:      cfg,
		sources:  make(map[string]SourceConfig, len(cfg.Sources)),
		symbols:  make(map[string]bool, len(cfg.Symbols)),
		notifier: notifier,
		logger:   logger.With(slog.String("component", "oracle")),
		now:      time.Now,
		samples:  make(map[string]map[string]domain.PriceSample),
		blended:  make(map[string]blendState),
		locks:    make(map[string]domain.LockedQuote),
		updates:  make(chan priceUpdate, updateQueueSize),
		ready:    make(chan struct{}),
	}
	for _, s := range cfg.Sources {
		a.sources[s.Name] = s
	}
	for _, s := range cfg.Symbols {
		a.symbols[s] = true
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest records the latest raw sample for its source. Older or invalid
// samples are dropped.
func (a *Aggregator) Ingest(s domain.PriceSample) {
	if s.Price <= 0 || !a.symbols[s.Symbol] {
		return
	}
	if _, ok := a.sources[s.Source]; !ok {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = a.now()
	}

	a.mu.Lock()
	bySource := a.samples[s.Symbol]
	if bySource == nil {
		bySource = make(map[string]domain.PriceSample, len(a.sources))
		a.samples[s.Symbol] = bySource
	}
	if prev, ok := bySource[s.Source]; ok && prev.Timestamp.After(s.Timestamp) {
		a.mu.Unlock()
		return
	}
	bySource[s.Source] = s
	a.mu.Unlock()

	a.metrics.SampleIngested(s.Source)
}

// Ready is closed once a tick has blended at least one real sample.
func (a *Aggregator) Ready() <-chan struct{} {
	return a.ready
}

// Run recomputes the blend for every symbol on each tick until ctx is done.
// Notifier and cache writes happen on a separate goroutine so a slow sink
// never holds back the blend.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		a.publishLoop(ctx)
	}()

	a.logger.InfoContext(ctx, "oracle started",
		slog.Any("symbols", a.cfg.Symbols),
		slog.Duration("tick", a.cfg.TickInterval),
	)
	defer a.logger.Info("oracle stopped")

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, symbol := range a.cfg.Symbols {
				a.Tick(ctx, symbol)
			}
			ticks++
			if ticks%lockSweepEvery == 0 {
				a.sweepLocks()
			}
		}
	}
}

// Tick recomputes the blend for symbol once and queues it for publishing.
func (a *Aggregator) Tick(ctx context.Context, symbol string) {
	now := a.now()
	price, confidence, sampled := a.compute(symbol, now)
	published := a.jitter(price)

	a.mu.Lock()
	a.blended[symbol] = blendState{price: price, published: published, confidence: confidence, at: now}
	a.mu.Unlock()

	a.metrics.ObserveBlend(symbol, price, confidence)
	if sampled {
		a.once.Do(func() { close(a.ready) })
	}

	select {
	case a.updates <- priceUpdate{symbol: symbol, price: published, confidence: confidence, at: now}:
	default:
		a.logger.DebugContext(ctx, "oracle: update queue full, dropping price update",
			slog.String("symbol", symbol),
		)
	}
}

// publishLoop drains queued updates until ctx is done.
func (a *Aggregator) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.updates:
			a.publish(ctx, u)
		}
	}
}

// flush publishes every queued update without waiting for more.
func (a *Aggregator) flush(ctx context.Context) {
	for {
		select {
		case u := <-a.updates:
			a.publish(ctx, u)
		default:
			return
		}
	}
}

func (a *Aggregator) publish(ctx context.Context, u priceUpdate) {
	if a.cache != nil {
		if err := a.cache.SetPrice(ctx, u.symbol, u.price, u.at); err != nil {
			a.logger.WarnContext(ctx, "oracle: cache blended price failed",
				slog.String("symbol", u.symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if a.notifier != nil {
		err := a.notifier.Publish(ctx, domain.PriceTopic(u.symbol), domain.EventPriceUpdate, map[string]any{
			"symbol":     u.symbol,
			"price":      u.price,
			"confidence": u.confidence,
			"timestamp":  u.at.Format(time.RFC3339Nano),
		})
		if err != nil {
			a.logger.DebugContext(ctx, "oracle: publish price update failed",
				slog.String("symbol", u.symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// compute blends the stored samples for symbol, falling back to the configured
// constant when no source has ever reported. sampled is false for the fallback.
func (a *Aggregator) compute(symbol string, now time.Time) (price float64, confidence int, sampled bool) {
	a.mu.RLock()
	bySource := a.samples[symbol]
	samples := make([]domain.PriceSample, 0, len(bySource))
	for _, s := range bySource {
		samples = append(samples, s)
	}
	a.mu.RUnlock()

	price, confidence, ok := Blend(samples, a.sources, now)
	if !ok {
		return a.cfg.Fallback[symbol], 0, false
	}
	return price, confidence, true
}

func (a *Aggregator) jitter(price float64) float64 {
	if a.cfg.Jitter <= 0 || price == 0 {
		return price
	}
	return price * (1 + a.cfg.Jitter*(2*rand.Float64()-1))
}

// Latest returns the current blend for symbol. Before the first tick the blend
// is computed on demand. The published jitter never leaks into the result.
func (a *Aggregator) Latest(ctx context.Context, symbol string) (domain.Quote, error) {
	if !a.symbols[symbol] {
		return domain.Quote{}, fmt.Errorf("oracle: latest %s: %w", symbol, domain.ErrQuoteUnavailable)
	}

	a.mu.RLock()
	st, ok := a.blended[symbol]
	a.mu.RUnlock()
	if !ok {
		now := a.now()
		price, confidence, _ := a.compute(symbol, now)
		st = blendState{price: price, confidence: confidence, at: now}
	}
	if st.price <= 0 {
		return domain.Quote{}, fmt.Errorf("oracle: latest %s: %w", symbol, domain.ErrQuoteUnavailable)
	}

	return domain.Quote{
		Symbol:     symbol,
		Price:      decimal.NewFromFloat(st.price),
		Timestamp:  st.at,
		Confidence: st.confidence,
	}, nil
}

// Lock captures the current quote for symbol and binds it to ownerID for the
// configured validity window, replacing any previous lock of that owner.
func (a *Aggregator) Lock(ctx context.Context, symbol, ownerID string) (domain.LockedQuote, error) {
	q, err := a.Latest(ctx, symbol)
	if err != nil {
		return domain.LockedQuote{}, err
	}
	lq := domain.LockedQuote{
		OwnerID:   ownerID,
		Symbol:    symbol,
		Price:     q.Price,
		Timestamp: q.Timestamp,
		ExpiresAt: a.now().Add(a.cfg.LockTTL),
	}

	a.lockMu.Lock()
	a.locks[ownerID] = lq
	a.lockMu.Unlock()
	return lq, nil
}

// GetLocked returns the quote bound to ownerID. An expired lock is removed and
// reported as absent.
func (a *Aggregator) GetLocked(ownerID string) (domain.LockedQuote, bool) {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()

	lq, ok := a.locks[ownerID]
	if !ok {
		return domain.LockedQuote{}, false
	}
	if lq.Expired(a.now()) {
		delete(a.locks, ownerID)
		return domain.LockedQuote{}, false
	}
	return lq, true
}

// Release drops the lock held by ownerID, if any.
func (a *Aggregator) Release(ownerID string) {
	a.lockMu.Lock()
	delete(a.locks, ownerID)
	a.lockMu.Unlock()
}

func (a *Aggregator) sweepLocks() {
	now := a.now()
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	for id, lq := range a.locks {
		if lq.Expired(now) {
			delete(a.locks, id)
		}
	}
}
