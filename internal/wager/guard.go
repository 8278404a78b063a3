package wager

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

const lockRetryEvery = 100 * time.Millisecond

// settleGuard collapses concurrent settlements of the same group into one
// execution whose result every caller shares. With a LockManager it also
// serializes settlements across processes. Neither replaces the store CAS,
// which remains the claim that decides who transfers.
type settleGuard struct {
	flights singleflight.Group
	locks   domain.LockManager
	ttl     time.Duration
	logger  *slog.Logger
}

// groupKey identifies the settlement group of w: the wager alone, or both
// wager ids of a peer-to-peer pair in sorted order.
func groupKey(w domain.Wager) string {
	ids := []string{w.ID}
	if w.IsPeerToPeer() {
		ids = append(ids, w.CounterpartyWagerID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}

func (g *settleGuard) do(ctx context.Context, key string, fn func(ctx context.Context) (settledGroup, error)) (settledGroup, error) {
	v, err, _ := g.flights.Do(key, func() (any, error) {
		// The flight outlives any single caller.
		fctx := context.WithoutCancel(ctx)
		if g.locks != nil {
			unlock := g.acquire(fctx, key)
			if unlock != nil {
				defer unlock()
			}
		}
		return fn(fctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(settledGroup), nil
}

// acquire waits up to the lock ttl for the distributed lock. On timeout or
// backend failure the settlement proceeds unlocked and relies on the CAS.
func (g *settleGuard) acquire(ctx context.Context, key string) func() {
	deadline := time.Now().Add(g.ttl)
	for {
		unlock, err := g.locks.Acquire(ctx, "settle:"+key, g.ttl)
		if err == nil {
			return unlock
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			g.logger.WarnContext(ctx, "settle lock unavailable, relying on store claim",
				slog.String("group", key),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if time.Now().After(deadline) {
			g.logger.WarnContext(ctx, "settle lock wait timed out, relying on store claim",
				slog.String("group", key),
			)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(lockRetryEvery):
		}
	}
}

// settledGroup maps wager id to its stored state after settlement.
type settledGroup map[string]domain.Wager
