package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// streamMaxLen caps replay streams via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus on Redis pub/sub. With replay
// enabled every published payload is also appended to a capped stream named
// after the channel so late subscribers can catch up.
type SignalBus struct {
	rdb    *redis.Client
	prefix string
	replay bool
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus. Channel names are namespaced by prefix.
func NewSignalBus(c *Client, prefix string, replay bool) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), prefix: prefix, replay: replay}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	ch := sb.prefix + channel
	if !sb.replay {
		if err := sb.rdb.Publish(ctx, ch, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", channel, err)
		}
		return nil
	}

	pipe := sb.rdb.Pipeline()
	pipe.Publish(ctx, ch, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ch + ":stream",
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob
// patterns subscribe with PSUBSCRIBE. The returned channel closes when ctx
// is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := sb.prefix + channel
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, ch)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, ch)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}
