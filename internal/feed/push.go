package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// PushConfig configures the streaming trade feed.
type PushConfig struct {
	URL string
	// Source is the tag stamped on every sample, "push" by default.
	Source string
	// Symbols maps upstream symbols to oracle instruments, e.g.
	// "SOLUSDT" -> "SOLUSD".
	Symbols map[string]string
	// Streams are sent in a SUBSCRIBE command after connecting. Empty means the
	// URL already selects the streams.
	Streams []string
}

type subscribeCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// PushFeed streams trades over a websocket and reconnects with exponential
// backoff on any disconnect.
type PushFeed struct {
	cfg     PushConfig
	sink    Sink
	errs    ErrorCounter
	logger  *slog.Logger
	dialer  websocket.Dialer
	backoff *backoff
}

// NewPushFeed creates a PushFeed. errs may be nil.
func NewPushFeed(cfg PushConfig, sink Sink, errs ErrorCounter, logger *slog.Logger) *PushFeed {
	if cfg.Source == "" {
		cfg.Source = "push"
	}
	if errs == nil {
		errs = nopCounter{}
	}
	return &PushFeed{
		cfg:     cfg,
		sink:    sink,
		errs:    errs,
		logger:  logger.With(slog.String("component", "push_feed")),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		backoff: newBackoff(reconnectDelay, maxReconnectDelay),
	}
}

// Run connects and reads trades until ctx is cancelled.
func (f *PushFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		f.logger.InfoContext(ctx, "no push feed url configured, exiting")
		return nil
	}
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.errs.FeedError(f.cfg.Source)
		delay := f.backoff.next()
		f.logger.WarnContext(ctx, "push feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (f *PushFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := f.dialer.DialContext(dialCtx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed/push: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if len(f.cfg.Streams) > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(subscribeCommand{Method: "SUBSCRIBE", Params: f.cfg.Streams, ID: 1}); err != nil {
			return fmt.Errorf("feed/push: subscribe: %w", err)
		}
	}
	f.logger.InfoContext(ctx, "push feed connected", slog.Int("symbols", len(f.cfg.Symbols)))

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.pingLoop(connCtx, conn)
	go func() {
		// Unblock ReadMessage on shutdown.
		<-connCtx.Done()
		conn.Close()
	}()

	first := true
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed/push: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if first {
			f.backoff.reset()
			first = false
		}
		if s, ok := f.parse(raw); ok {
			f.sink.Ingest(s)
		}
	}
}

func (f *PushFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// parse decodes one trade frame into a sample. Combined-stream frames wrap
// the trade in {"stream": ..., "data": {...}}. Frames such as subscription
// acks are dropped. Keys are matched exactly since upstreams reuse letters
// that differ only in case ("e"/"E", "t"/"T").
func (f *PushFeed) parse(raw []byte) (domain.PriceSample, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.PriceSample{}, false
	}
	if data, ok := fields["data"]; ok {
		return f.parse(data)
	}

	var symbol string
	if err := json.Unmarshal(fields["s"], &symbol); err != nil {
		return domain.PriceSample{}, false
	}
	instrument, ok := f.instrument(symbol)
	if !ok {
		return domain.PriceSample{}, false
	}
	price, err := parsePrice(fields["p"])
	if err != nil || price <= 0 {
		return domain.PriceSample{}, false
	}

	ts := time.Now()
	for _, key := range []string{"T", "E"} {
		var ms int64
		if err := json.Unmarshal(fields[key], &ms); err == nil && ms > 0 {
			ts = time.UnixMilli(ms)
			break
		}
	}
	return domain.PriceSample{Symbol: instrument, Price: price, Timestamp: ts, Source: f.cfg.Source}, true
}

func (f *PushFeed) instrument(upstream string) (string, bool) {
	if upstream == "" {
		return "", false
	}
	if len(f.cfg.Symbols) == 0 {
		return upstream, true
	}
	inst, ok := f.cfg.Symbols[strings.ToUpper(upstream)]
	return inst, ok
}

// parsePrice accepts both quoted and bare JSON numbers.
func parsePrice(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing price")
	}
	s := strings.Trim(string(raw), `"`)
	return strconv.ParseFloat(s, 64)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
