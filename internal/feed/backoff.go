// Package feed connects to upstream price sources and hands raw samples to
// the oracle.
package feed

import (
	"context"
	"time"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

const (
	// reconnectDelay is the base delay before retrying an upstream.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// Sink receives raw samples. *oracle.Aggregator satisfies it.
type Sink interface {
	Ingest(domain.PriceSample)
}

// ErrorCounter is notified about upstream failures. *metrics.Collectors
// satisfies it.
type ErrorCounter interface {
	FeedError(feed string)
}

type backoff struct {
	base, max time.Duration
	cur       time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = reconnectDelay
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// next returns the delay to wait before the next attempt and doubles it.
func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopCounter struct{}

func (nopCounter) FeedError(string) {}
