package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// BusSink publishes envelopes on the signal bus, using the event topic as
// the channel.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink wraps bus.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// Deliver publishes body on env.Topic.
func (s *BusSink) Deliver(ctx context.Context, env Envelope, body []byte) error {
	return s.bus.Publish(ctx, env.Topic, body)
}

// Name returns "bus".
func (s *BusSink) Name() string { return "bus" }

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends envelopes to a Kafka topic keyed by event topic, so
// all events of one party land on the same partition in order.
type KafkaSink struct {
	w MessageWriter
}

// NewKafkaWriter creates a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// NewKafkaSink wraps w.
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

// Deliver writes one message carrying body.
func (s *KafkaSink) Deliver(ctx context.Context, env Envelope, body []byte) error {
	msg := kafka.Message{
		Key:   []byte(env.Topic),
		Value: body,
		Time:  time.Unix(env.Timestamp, 0),
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(env.Event)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// Name returns "kafka".
func (s *KafkaSink) Name() string { return "kafka" }

// LogSink writes envelopes to the debug log. It gives single-node runs
// without a bus or broker a trace of every event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

// Deliver logs the envelope.
func (s *LogSink) Deliver(ctx context.Context, env Envelope, _ []byte) error {
	s.logger.DebugContext(ctx, "event",
		slog.String("topic", env.Topic),
		slog.String("event", env.Event),
		slog.Any("payload", env.Payload),
	)
	return nil
}

// Name returns "log".
func (s *LogSink) Name() string { return "log" }
