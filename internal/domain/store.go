package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MatchQuery describes the opposing wager a resolver is looking for. Direction
// is the direction the candidate must have, i.e. the opposite of the request.
type MatchQuery struct {
	ExcludeWagerID string
	PartyID        string
	Direction      Direction
	Amount         decimal.Decimal
	Token          string
	DurationSec    int
}

// WagerStore persists wagers. UpdateTransition and MatchPair are conditional
// on the current status so concurrent writers serialize in the store: the
// loser gets ErrStaleStatus.
type WagerStore interface {
	Create(ctx context.Context, w Wager) error
	Get(ctx context.Context, id string) (Wager, error)
	FindByStatusAndParty(ctx context.Context, partyID string, statuses ...WagerStatus) ([]Wager, error)
	ListByStatus(ctx context.Context, status WagerStatus, limit int) ([]Wager, error)

	// UpdateTransition writes the lifecycle fields of next onto wager id only
	// if its stored status is still expected.
	UpdateTransition(ctx context.Context, id string, expected WagerStatus, next Wager) error

	// FindOpenMatch returns the oldest PENDING wager satisfying q, or
	// ErrNotFound.
	FindOpenMatch(ctx context.Context, q MatchQuery) (Wager, error)

	// MatchPair atomically moves both wagers from PENDING to MATCHED with
	// each other as counterparty and returns them as stored. Nothing is
	// written when either one has left PENDING.
	MatchPair(ctx context.Context, candidateID, requestID string) (request, candidate Wager, err error)

	// UpdateSettlement replaces the settlement metadata without touching
	// status, result, payout or fee.
	UpdateSettlement(ctx context.Context, id string, s Settlement) error

	// ListTerminalAfter pages terminal wagers last updated before the
	// cutoff, ordered by (UpdatedAt, ID) and strictly after cursor.
	ListTerminalAfter(ctx context.Context, cursor ArchiveCursor, before time.Time, limit int) ([]Wager, error)
}

// ArchiveCursor is a keyset position in the (UpdatedAt, ID) order.
type ArchiveCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

// TokenSettings are the per-token admission limits.
type TokenSettings struct {
	Symbol     string
	Enabled    bool
	MinStake   decimal.Decimal
	MaxStake   decimal.Decimal
	Instrument string
}

// Settings is a read-only snapshot of the game configuration.
type Settings struct {
	Tokens         map[string]TokenSettings
	FeeRate        decimal.Decimal
	ReserveAddress string
	MinDurationSec int
	MaxDurationSec int
}

// Token returns the settings for symbol.
func (s Settings) Token(symbol string) (TokenSettings, bool) {
	t, ok := s.Tokens[symbol]
	return t, ok
}

// EnabledTokens returns the enabled token settings.
func (s Settings) EnabledTokens() []TokenSettings {
	out := make([]TokenSettings, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// SettingsSource provides the current settings snapshot.
type SettingsSource interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
