package domain

import "context"

// Event names published to the EventNotifier.
const (
	EventWagerCreated   = "wager-created"
	EventMatchFound     = "match-found"
	EventGameStarted    = "game-started"
	EventCountdownTick  = "countdown-tick"
	EventGameCompleted  = "game-completed"
	EventWagerCancelled = "wager-cancelled"
	EventBalanceUpdated = "balance-updated"
	EventPriceUpdate    = "price-update"
	EventCommandFailed  = "command-failed"
)

// EventNotifier is a one-way push of lifecycle events to observers.
type EventNotifier interface {
	Publish(ctx context.Context, topic, event string, payload map[string]any) error
}

// PartyTopic returns the topic scoped to a single party.
func PartyTopic(partyID string) string {
	return "party:" + partyID
}

// PriceTopic returns the topic carrying blended price updates for symbol.
func PriceTopic(symbol string) string {
	return "prices:" + symbol
}
