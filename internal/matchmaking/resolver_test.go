package matchmaking_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/matchmaking"
	"github.com/alanyoungcy/updownbet/internal/store/sqlite"
)

func setup(t *testing.T) (*matchmaking.Resolver, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return matchmaking.New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func seed(t *testing.T, store domain.WagerStore, id, party string, dir domain.Direction, amount int64, duration int, created time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), domain.Wager{
		ID:          id,
		PartyID:     party,
		Direction:   dir,
		Amount:      decimal.NewFromInt(amount),
		Token:       "TOKEN",
		Instrument:  "SOLUSD",
		DurationSec: duration,
		LockedPrice: decimal.NewFromInt(100),
		LockedAt:    created,
		Status:      domain.WagerStatusPending,
		CreatedAt:   created,
	}))
}

func requestFor(id, party string, dir domain.Direction) matchmaking.Request {
	return matchmaking.Request{
		WagerID:     id,
		PartyID:     party,
		Direction:   dir,
		Amount:      decimal.NewFromInt(100),
		Token:       "TOKEN",
		DurationSec: 30,
	}
}

func TestResolver_MatchesOpposingWagerOnIdenticalTerms(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	now := time.Now()
	seed(t, store, "A", "alice", domain.DirectionUp, 100, 30, now)
	seed(t, store, "B", "bob", domain.DirectionDown, 100, 30, now.Add(time.Second))

	m, err := r.Resolve(ctx, requestFor("B", "bob", domain.DirectionDown))
	require.NoError(t, err)
	require.True(t, m.Found)
	assert.Equal(t, "A", m.Counterpart.ID)
	assert.Equal(t, "B", m.Wager.ID)

	a, err := store.Get(ctx, "A")
	require.NoError(t, err)
	b, err := store.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, domain.WagerStatusMatched, a.Status)
	assert.Equal(t, domain.WagerStatusMatched, b.Status)
	assert.Equal(t, "bob", a.CounterpartyID)
	assert.Equal(t, "B", a.CounterpartyWagerID)
	assert.Equal(t, "alice", b.CounterpartyID)
	assert.Equal(t, "A", b.CounterpartyWagerID)
}

func TestResolver_NoMatchOnDifferentTerms(t *testing.T) {
	cases := []struct {
		name     string
		party    string
		dir      domain.Direction
		amount   int64
		duration int
	}{
		{name: "same direction", party: "alice", dir: domain.DirectionDown, amount: 100, duration: 30},
		{name: "different amount", party: "alice", dir: domain.DirectionUp, amount: 101, duration: 30},
		{name: "different duration", party: "alice", dir: domain.DirectionUp, amount: 100, duration: 60},
		{name: "same party", party: "bob", dir: domain.DirectionUp, amount: 100, duration: 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, store := setup(t)
			now := time.Now()
			seed(t, store, "A", tc.party, tc.dir, tc.amount, tc.duration, now)
			seed(t, store, "B", "bob", domain.DirectionDown, 100, 30, now.Add(time.Second))

			m, err := r.Resolve(context.Background(), requestFor("B", "bob", domain.DirectionDown))
			require.NoError(t, err)
			assert.False(t, m.Found)

			b, err := store.Get(context.Background(), "B")
			require.NoError(t, err)
			assert.Equal(t, domain.WagerStatusPending, b.Status)
		})
	}
}

func TestResolver_ConcurrentRequestsClaimCandidateOnce(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	now := time.Now()
	seed(t, store, "A", "alice", domain.DirectionUp, 100, 30, now)
	for i := 0; i < 4; i++ {
		seed(t, store, fmt.Sprintf("B%d", i), fmt.Sprintf("bob%d", i), domain.DirectionDown, 100, 30, now.Add(time.Second))
	}

	results := make(chan matchmaking.Match, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			m, err := r.Resolve(ctx, requestFor(fmt.Sprintf("B%d", i), fmt.Sprintf("bob%d", i), domain.DirectionDown))
			assert.NoError(t, err)
			results <- m
		}(i)
	}

	found := 0
	for i := 0; i < 4; i++ {
		if m := <-results; m.Found {
			found++
			assert.Equal(t, "A", m.Counterpart.ID)
		}
	}
	assert.Equal(t, 1, found)
}

func TestResolver_RejectsUnknownDirection(t *testing.T) {
	r, _ := setup(t)
	_, err := r.Resolve(context.Background(), requestFor("B", "bob", domain.Direction("SIDEWAYS")))
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}
