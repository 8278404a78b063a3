package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per instrument at
// "<prefix>price:<symbol>" holding "price" and "ts" (unix nanos). Entries
// expire after ttl so readers never see a price from a dead aggregator.
type PriceCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, prefix string, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), prefix: prefix, ttl: ttl}
}

func (pc *PriceCache) key(symbol string) string {
	return pc.prefix + "price:" + symbol
}

// SetPrice stores the latest blended price of symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	k := pc.key(symbol)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, k, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price of symbol, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.key(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return parsePriceHash(symbol, vals)
}

func parsePriceHash(symbol string, vals map[string]string) (float64, time.Time, error) {
	priceStr, okP := vals["price"]
	tsStr, okT := vals["ts"]
	if !okP || !okT {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	return price, time.Unix(0, nanos), nil
}
