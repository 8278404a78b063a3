// Package intake consumes wager commands from a Kafka topic and applies them
// to the wager engine. Results reach the caller as lifecycle events on the
// party topic; a rejected command produces a command-failed event.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/wager"
)

// Command operations.
const (
	OpAdmit  = "admit"
	OpPlace  = "place"
	OpStart  = "start"
	OpCancel = "cancel"
)

// Command is the JSON message read from the commands topic.
type Command struct {
	Op          string          `json:"op"`
	WagerID     string          `json:"wager_id,omitempty"`
	PartyID     string          `json:"party_id"`
	Direction   string          `json:"direction,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token,omitempty"`
	DurationSec int             `json:"duration_sec,omitempty"`
	InboundRef  string          `json:"inbound_ref,omitempty"`
}

// Engine is the slice of *wager.Engine the consumer drives.
type Engine interface {
	Admit(ctx context.Context, req wager.AdmitRequest) (domain.Wager, error)
	Place(ctx context.Context, req wager.AdmitRequest) (domain.Wager, error)
	Start(ctx context.Context, id string) (domain.Wager, error)
	Cancel(ctx context.Context, id string) (domain.Wager, error)
	Get(ctx context.Context, id string) (domain.Wager, error)
}

// MessageReader is the subset of *kafka.Reader used here.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader creates a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Consumer applies commands in order of arrival.
type Consumer struct {
	reader   MessageReader
	engine   Engine
	notifier domain.EventNotifier
	logger   *slog.Logger
	retry    time.Duration
}

// New creates a Consumer.
func New(reader MessageReader, engine Engine, notifier domain.EventNotifier, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		engine:   engine,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "intake")),
		retry:    500 * time.Millisecond,
	}
}

// Run reads until ctx ends. Read failures are retried after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WarnContext(ctx, "kafka read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry):
			}
			continue
		}
		c.Handle(ctx, msg.Value)
	}
}

// Handle decodes and applies one command.
func (c *Consumer) Handle(ctx context.Context, body []byte) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		c.logger.WarnContext(ctx, "invalid command", slog.String("error", err.Error()))
		return
	}
	w, err := c.apply(ctx, cmd)
	if err != nil {
		c.reject(ctx, cmd, err)
		return
	}
	c.logger.DebugContext(ctx, "command applied",
		slog.String("op", cmd.Op),
		slog.String("wager_id", w.ID),
		slog.String("status", string(w.Status)),
	)
}

func (c *Consumer) apply(ctx context.Context, cmd Command) (domain.Wager, error) {
	switch strings.ToLower(cmd.Op) {
	case OpAdmit:
		return c.engine.Admit(ctx, admitRequest(cmd))
	case OpPlace:
		return c.engine.Place(ctx, admitRequest(cmd))
	case OpStart, OpCancel:
		if cmd.WagerID == "" {
			return domain.Wager{}, domain.NewValidationError("wager_id", "required for %s", cmd.Op)
		}
		if err := c.checkOwner(ctx, cmd); err != nil {
			return domain.Wager{}, err
		}
		if strings.EqualFold(cmd.Op, OpStart) {
			return c.engine.Start(ctx, cmd.WagerID)
		}
		return c.engine.Cancel(ctx, cmd.WagerID)
	default:
		return domain.Wager{}, domain.NewValidationError("op", "unknown operation %q", cmd.Op)
	}
}

// checkOwner rejects start and cancel from anyone but the wager's party.
func (c *Consumer) checkOwner(ctx context.Context, cmd Command) error {
	w, err := c.engine.Get(ctx, cmd.WagerID)
	if err != nil {
		return err
	}
	if w.PartyID != cmd.PartyID {
		return domain.NewValidationError("party_id", "wager %s belongs to another party", cmd.WagerID)
	}
	return nil
}

func admitRequest(cmd Command) wager.AdmitRequest {
	return wager.AdmitRequest{
		WagerID:     cmd.WagerID,
		PartyID:     cmd.PartyID,
		Direction:   domain.Direction(strings.ToUpper(cmd.Direction)),
		Amount:      cmd.Amount,
		Token:       cmd.Token,
		DurationSec: cmd.DurationSec,
		InboundRef:  cmd.InboundRef,
	}
}

func (c *Consumer) reject(ctx context.Context, cmd Command, err error) {
	c.logger.InfoContext(ctx, "command rejected",
		slog.String("op", cmd.Op),
		slog.String("party_id", cmd.PartyID),
		slog.String("error", err.Error()),
	)
	if cmd.PartyID == "" {
		return
	}
	payload := map[string]any{
		"op":     cmd.Op,
		"reason": errorKind(err),
		"error":  err.Error(),
	}
	if cmd.WagerID != "" {
		payload["wager_id"] = cmd.WagerID
	}
	if perr := c.notifier.Publish(ctx, domain.PartyTopic(cmd.PartyID), domain.EventCommandFailed, payload); perr != nil {
		c.logger.WarnContext(ctx, "publish rejection failed", slog.String("error", perr.Error()))
	}
}

// errorKind maps the error taxonomy to a stable reason code.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrReserveInsufficient):
		return "reserve_insufficient"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStaleStatus):
		return "conflict"
	default:
		return "internal"
	}
}
