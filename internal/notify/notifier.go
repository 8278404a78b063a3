// Package notify pushes lifecycle events to observers and raises operator
// alerts. Events fan out to sinks (Redis pub/sub, Kafka); alerts go to chat
// senders (Telegram, Discord) filtered by alert type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender delivers an operator alert to one chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches operator alerts to every Sender. Notify forwards only
// alert types in the allowed set; an empty set allows all.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, allowing the listed alert
// types.
func NewNotifier(senders []Sender, alerts []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		if a = strings.TrimSpace(a); a != "" {
			allowed[a] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "alerts")),
	}
}

// Notify sends the alert if its type is allowed.
func (n *Notifier) Notify(ctx context.Context, alert, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[alert] {
		n.logger.DebugContext(ctx, "alert filtered", slog.String("alert", alert))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends regardless of type. Used for process lifecycle messages.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
