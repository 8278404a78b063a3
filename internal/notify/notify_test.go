package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/crypto"
	"github.com/alanyoungcy/updownbet/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	name  string
	err   error
	mu    sync.Mutex
	calls []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifier_FiltersByAlert(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"transfer_failed"}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "transfer_failed", "payout failed", "w1"))
	require.NoError(t, n.Notify(ctx, "metadata_lost", "ignored", "w2"))
	require.NoError(t, n.NotifyAll(ctx, "started", ""))

	assert.Equal(t, []string{"payout failed", "started"}, s.calls)
}

func TestNotifier_ContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "anything", "t", "m")
	assert.ErrorContains(t, err, "bad: boom")
	assert.Len(t, good.calls, 1)
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "429")
	assert.ErrorContains(t, err, "slow down")
}

type fakeBus struct {
	mu   sync.Mutex
	sent map[string][][]byte
	err  error
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[string][][]byte)
	}
	b.sent[channel] = append(b.sent[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_FansOutSignedEnvelope(t *testing.T) {
	bus := &fakeBus{}
	kw := &fakeWriter{}
	signer := crypto.NewEnvelopeSigner("s3cret")
	ts := time.Unix(1_700_000_000, 0)
	p := NewPublisher([]Sink{NewBusSink(bus), NewKafkaSink(kw)}, discardLogger(),
		WithSigner(signer),
		WithPublisherClock(func() time.Time { return ts }),
	)

	topic := domain.PartyTopic("alice")
	require.NoError(t, p.Publish(context.Background(), topic, domain.EventMatchFound, map[string]any{"wagerId": "w1"}))

	require.Len(t, bus.sent[topic], 1)
	env, err := VerifyEnvelope(signer, bus.sent[topic][0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventMatchFound, env.Event)
	assert.Equal(t, "w1", env.Payload["wagerId"])
	assert.Equal(t, ts.Unix(), env.Timestamp)

	require.Len(t, kw.msgs, 1)
	assert.Equal(t, topic, string(kw.msgs[0].Key))
	assert.Equal(t, bus.sent[topic][0], kw.msgs[0].Value)
	assert.Equal(t, "event", kw.msgs[0].Headers[0].Key)

	_, err = VerifyEnvelope(crypto.NewEnvelopeSigner("other"), bus.sent[topic][0])
	assert.Error(t, err)
}

func TestPublisher_UnsignedAndPartialFailure(t *testing.T) {
	bad := &fakeBus{err: errors.New("redis down")}
	kw := &fakeWriter{}
	p := NewPublisher([]Sink{NewBusSink(bad), NewKafkaSink(kw)}, discardLogger())

	err := p.Publish(context.Background(), "prices:BTCUSD", domain.EventPriceUpdate, map[string]any{"price": 1.5})
	assert.ErrorContains(t, err, "redis down")
	require.Len(t, kw.msgs, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(kw.msgs[0].Value, &env))
	assert.Empty(t, env.Signature)
	assert.Equal(t, 1.5, env.Payload["price"])
}

func TestKafkaSink_Close(t *testing.T) {
	kw := &fakeWriter{}
	require.NoError(t, NewKafkaSink(kw).Close())
	assert.True(t, kw.closed)
}
