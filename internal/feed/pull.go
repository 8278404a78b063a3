package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// PullConfig configures the REST ticker poller.
type PullConfig struct {
	// URL is the ticker endpoint. The upstream symbol is passed as the
	// "symbol" query parameter.
	URL    string
	Source string
	// Symbols maps upstream symbols to oracle instruments.
	Symbols  map[string]string
	Interval time.Duration
	// RatePerSec bounds outbound requests across all symbols.
	RatePerSec float64
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  json.RawMessage `json:"price"`
}

// PullFeed polls a REST ticker on a fixed interval. Consecutive failures
// stretch the interval with exponential backoff.
type PullFeed struct {
	cfg     PullConfig
	sink    Sink
	errs    ErrorCounter
	logger  *slog.Logger
	http    *http.Client
	limiter *rate.Limiter
	backoff *backoff
}

// NewPullFeed creates a PullFeed. errs may be nil.
func NewPullFeed(cfg PullConfig, sink Sink, errs ErrorCounter, logger *slog.Logger) *PullFeed {
	if cfg.Source == "" {
		cfg.Source = "pull"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if errs == nil {
		errs = nopCounter{}
	}
	return &PullFeed{
		cfg:     cfg,
		sink:    sink,
		errs:    errs,
		logger:  logger.With(slog.String("component", "pull_feed")),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		backoff: newBackoff(reconnectDelay, maxReconnectDelay),
	}
}

// Run polls every configured symbol until ctx is cancelled.
func (f *PullFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" || len(f.cfg.Symbols) == 0 {
		f.logger.InfoContext(ctx, "no pull feed configured, exiting")
		return nil
	}
	f.logger.InfoContext(ctx, "pull feed started",
		slog.Int("symbols", len(f.cfg.Symbols)),
		slog.Duration("interval", f.cfg.Interval),
	)

	for {
		wait := f.cfg.Interval
		if err := f.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.errs.FeedError(f.cfg.Source)
			wait = f.backoff.next()
			f.logger.WarnContext(ctx, "pull feed poll failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
		} else {
			f.backoff.reset()
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// PollOnce fetches every symbol once. The first failure is returned after the
// remaining symbols have been tried.
func (f *PullFeed) PollOnce(ctx context.Context) error {
	var firstErr error
	for upstream, instrument := range f.cfg.Symbols {
		price, err := f.fetch(ctx, upstream)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		f.sink.Ingest(domain.PriceSample{
			Symbol:    instrument,
			Price:     price,
			Timestamp: time.Now(),
			Source:    f.cfg.Source,
		})
	}
	return firstErr
}

func (f *PullFeed) fetch(ctx context.Context, upstream string) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("feed/pull: rate limiter: %w", err)
	}

	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("feed/pull: parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", upstream)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("feed/pull: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feed/pull: get %s: %w", upstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("feed/pull: get %s: status %d: %s", upstream, resp.StatusCode, string(body))
	}

	var tr tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return 0, fmt.Errorf("feed/pull: decode %s: %w", upstream, err)
	}
	price, err := parsePrice(tr.Price)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("feed/pull: %s: invalid price %q", upstream, string(tr.Price))
	}
	return price, nil
}
