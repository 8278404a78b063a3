package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/updownbet/internal/crypto"
	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/metrics"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	Topic     string         `json:"topic"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"ts"`
	Signature string         `json:"sig,omitempty"`
}

// Sink receives encoded envelopes.
type Sink interface {
	Deliver(ctx context.Context, env Envelope, body []byte) error
	Name() string
}

// Publisher fans lifecycle events out to every configured Sink. Delivery
// is best-effort: each sink is tried and failures are joined.
type Publisher struct {
	sinks   []Sink
	signer  *crypto.EnvelopeSigner
	metrics *metrics.Collectors
	now     func() time.Time
	logger  *slog.Logger
}

var _ domain.EventNotifier = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSigner signs envelopes with s.
func WithSigner(s *crypto.EnvelopeSigner) PublisherOption {
	return func(p *Publisher) { p.signer = s }
}

// WithPublisherMetrics records delivery outcomes.
func WithPublisherMetrics(m *metrics.Collectors) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithPublisherClock overrides the envelope timestamp source.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a Publisher over sinks.
func NewPublisher(sinks []Sink, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sinks:  sinks,
		now:    time.Now,
		logger: logger.With(slog.String("component", "events")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes the event and hands it to every sink.
func (p *Publisher) Publish(ctx context.Context, topic, event string, payload map[string]any) error {
	env, body, err := p.Encode(topic, event, payload)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range p.sinks {
		if err := s.Deliver(ctx, env, body); err != nil {
			p.metrics.EventPublished(s.Name(), false)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		p.metrics.EventPublished(s.Name(), true)
	}
	if len(errs) > 0 {
		p.logger.WarnContext(ctx, "event delivery failed",
			slog.String("topic", topic),
			slog.String("event", event),
			slog.Int("failed_sinks", len(errs)),
		)
		return fmt.Errorf("notify: publish %s: %w", event, errors.Join(errs...))
	}
	return nil
}

// Encode builds the envelope and its JSON body. The signature covers the
// envelope encoded with an empty sig field.
func (p *Publisher) Encode(topic, event string, payload map[string]any) (Envelope, []byte, error) {
	env := Envelope{
		Topic:     topic,
		Event:     event,
		Payload:   payload,
		Timestamp: p.now().Unix(),
	}
	unsigned, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("notify: encode %s: %w", event, err)
	}
	if p.signer == nil {
		return env, unsigned, nil
	}
	env.Signature = p.signer.Sign(env.Timestamp, topic, unsigned)
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("notify: encode signed %s: %w", event, err)
	}
	return env, body, nil
}

// VerifyEnvelope checks a signed body produced by Encode.
func VerifyEnvelope(signer *crypto.EnvelopeSigner, body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("notify: decode envelope: %w", err)
	}
	sig := env.Signature
	env.Signature = ""
	unsigned, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("notify: re-encode envelope: %w", err)
	}
	if !signer.Verify(env.Timestamp, env.Topic, unsigned, sig) {
		return Envelope{}, errors.New("notify: envelope signature mismatch")
	}
	env.Signature = sig
	return env, nil
}
