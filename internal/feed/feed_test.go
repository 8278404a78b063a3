package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

type collectSink struct {
	mu      sync.Mutex
	samples []domain.PriceSample
}

func (s *collectSink) Ingest(p domain.PriceSample) {
	s.mu.Lock()
	s.samples = append(s.samples, p)
	s.mu.Unlock()
}

func (s *collectSink) all() []domain.PriceSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PriceSample(nil), s.samples...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
	b.reset()
	assert.Equal(t, time.Second, b.next())
}

func TestPushFeed_Parse(t *testing.T) {
	f := NewPushFeed(PushConfig{Symbols: map[string]string{"SOLUSDT": "SOLUSD"}}, &collectSink{}, nil, discardLogger())

	s, ok := f.parse([]byte(`{"e":"trade","E":1700000000001,"s":"SOLUSDT","t":42,"p":"123.45","q":"1","T":1700000000000}`))
	require.True(t, ok)
	assert.Equal(t, "SOLUSD", s.Symbol)
	assert.InDelta(t, 123.45, s.Price, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000), s.Timestamp)
	assert.Equal(t, "push", s.Source)

	s, ok = f.parse([]byte(`{"stream":"solusdt@trade","data":{"s":"SOLUSDT","p":99.5,"T":1700000000000}}`))
	require.True(t, ok)
	assert.InDelta(t, 99.5, s.Price, 1e-9)

	_, ok = f.parse([]byte(`{"result":null,"id":1}`))
	assert.False(t, ok)

	_, ok = f.parse([]byte(`{"s":"BTCUSDT","p":"1","T":1}`))
	assert.False(t, ok, "unmapped symbol")
}

func TestPushFeed_StreamsIntoSink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- msg
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"SOLUSDT","p":"101.5","T":1700000000000}`))
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	sink := &collectSink{}
	f := NewPushFeed(PushConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols: map[string]string{"SOLUSDT": "SOLUSD"},
		Streams: []string{"solusdt@trade"},
	}, sink, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case msg := <-subscribed:
		assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["solusdt@trade"],"id":1}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe command received")
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "SOLUSD", sink.all()[0].Symbol)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestPullFeed_PollOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "SOLUSDT":
			_, _ = w.Write([]byte(`{"symbol":"SOLUSDT","price":"150.25"}`))
		default:
			http.Error(w, "unknown symbol", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	sink := &collectSink{}
	f := NewPullFeed(PullConfig{
		URL:        srv.URL + "/api/v3/ticker/price",
		Symbols:    map[string]string{"SOLUSDT": "SOLUSD"},
		RatePerSec: 100,
	}, sink, nil, discardLogger())

	require.NoError(t, f.PollOnce(context.Background()))
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "SOLUSD", got[0].Symbol)
	assert.Equal(t, "pull", got[0].Source)
	assert.InDelta(t, 150.25, got[0].Price, 1e-9)
}

func TestPullFeed_PollOnceReportsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &collectSink{}
	f := NewPullFeed(PullConfig{
		URL:        srv.URL,
		Symbols:    map[string]string{"SOLUSDT": "SOLUSD"},
		RatePerSec: 100,
	}, sink, nil, discardLogger())

	err := f.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Empty(t, sink.all())
}
