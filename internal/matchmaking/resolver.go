// Package matchmaking pairs a new wager with an open opposing wager on
// identical terms.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// maxClaimAttempts bounds how often a lost race on a candidate is retried.
const maxClaimAttempts = 3

// Request carries the terms of the wager looking for an opponent.
type Request struct {
	WagerID     string
	PartyID     string
	Direction   domain.Direction
	Amount      decimal.Decimal
	Token       string
	DurationSec int
}

// Match is the outcome of Resolve. When Found is false there is no match and
// the caller decides on a house fallback.
type Match struct {
	Found bool
	// Wager is the requesting wager after the claim.
	Wager domain.Wager
	// Counterpart is the claimed opposing wager.
	Counterpart domain.Wager
}

// Resolver is a point-in-time exact-terms lookup. It keeps no queue.
type Resolver struct {
	store  domain.WagerStore
	logger *slog.Logger
}

// New creates a Resolver.
func New(store domain.WagerStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With(slog.String("component", "matchmaking")),
	}
}

// Resolve looks for the oldest PENDING wager with opposite direction and the
// same token, amount and duration from a different party, and claims both
// wagers as MATCHED. A lost race on the candidate is retried against a fresh
// lookup.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Match, error) {
	if !req.Direction.Valid() {
		return Match{}, domain.NewValidationError("direction", "unknown direction %q", req.Direction)
	}
	q := domain.MatchQuery{
		ExcludeWagerID: req.WagerID,
		PartyID:        req.PartyID,
		Direction:      req.Direction.Opposite(),
		Amount:         req.Amount,
		Token:          req.Token,
		DurationSec:    req.DurationSec,
	}

	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		candidate, err := r.store.FindOpenMatch(ctx, q)
		if errors.Is(err, domain.ErrNotFound) {
			return Match{}, nil
		}
		if err != nil {
			return Match{}, fmt.Errorf("matchmaking: find match for %s: %w", req.WagerID, err)
		}

		self, other, err := r.store.MatchPair(ctx, candidate.ID, req.WagerID)
		if errors.Is(err, domain.ErrStaleStatus) {
			r.logger.DebugContext(ctx, "candidate claimed concurrently, retrying",
				slog.String("wager_id", req.WagerID),
				slog.String("candidate_id", candidate.ID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return Match{}, fmt.Errorf("matchmaking: claim %s with %s: %w", req.WagerID, candidate.ID, err)
		}

		r.logger.InfoContext(ctx, "wagers matched",
			slog.String("wager_id", self.ID),
			slog.String("counterpart_id", other.ID),
			slog.String("token", req.Token),
			slog.String("amount", req.Amount.String()),
		)
		return Match{Found: true, Wager: self, Counterpart: other}, nil
	}
	return Match{}, nil
}
