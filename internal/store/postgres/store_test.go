package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/updown?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "updown", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6432/updown?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6432, Database: "updown", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestDecText(t *testing.T) {
	assert.Nil(t, decText(nil))
	v := decimal.RequireFromString("1.50")
	assert.Equal(t, "1.5", *decText(&v))
}

// integrationClient connects to UPDOWN_TEST_POSTGRES_DSN or skips.
func integrationClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("UPDOWN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("UPDOWN_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	t.Cleanup(c.Close)
	return c
}

func pendingWager(party string, dir domain.Direction) domain.Wager {
	now := time.Now()
	return domain.Wager{
		ID:          uuid.New().String(),
		PartyID:     party,
		Direction:   dir,
		Amount:      decimal.RequireFromString("25.5"),
		Token:       "USDC-" + party,
		Instrument:  "BTCUSD",
		DurationSec: 30,
		LockedPrice: decimal.RequireFromString("64000.12"),
		LockedAt:    now,
		Status:      domain.WagerStatusPending,
		CreatedAt:   now,
	}
}

func TestWagerStore_Integration_LifecycleCAS(t *testing.T) {
	c := integrationClient(t)
	store := NewWagerStore(c.Pool())
	ctx := context.Background()

	w := pendingWager("alice-"+uuid.NewString(), domain.DirectionUp)
	require.NoError(t, store.Create(ctx, w))
	assert.ErrorIs(t, store.Create(ctx, w), domain.ErrAlreadyExists)

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(w.Amount))
	assert.True(t, got.LockedPrice.Equal(w.LockedPrice))

	next := got
	next.Status = domain.WagerStatusMatched
	next.CounterpartyID = domain.HouseParty
	next.IsHouse = true
	require.NoError(t, store.UpdateTransition(ctx, w.ID, domain.WagerStatusPending, next))
	err = store.UpdateTransition(ctx, w.ID, domain.WagerStatusPending, next)
	assert.ErrorIs(t, err, domain.ErrStaleStatus)

	next.Status = domain.WagerStatusCompleted
	err = store.UpdateTransition(ctx, w.ID, domain.WagerStatusMatched, next)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = store.UpdateTransition(ctx, w.ID, domain.WagerStatusCompleted, next)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.Get(ctx, "missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWagerStore_Integration_MatchPair(t *testing.T) {
	c := integrationClient(t)
	store := NewWagerStore(c.Pool())
	ctx := context.Background()

	a := pendingWager("pair", domain.DirectionUp)
	a.PartyID = "alice-" + uuid.NewString()
	b := pendingWager("pair", domain.DirectionDown)
	b.PartyID = "bob-" + uuid.NewString()
	b.Token = a.Token
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	cand, err := store.FindOpenMatch(ctx, domain.MatchQuery{
		ExcludeWagerID: b.ID, PartyID: b.PartyID, Direction: domain.DirectionUp,
		Amount: b.Amount, Token: b.Token, DurationSec: b.DurationSec,
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, cand.ID)

	req, got, err := store.MatchPair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, req.CounterpartyWagerID)
	assert.Equal(t, b.ID, got.CounterpartyWagerID)

	_, _, err = store.MatchPair(ctx, a.ID, b.ID)
	assert.ErrorIs(t, err, domain.ErrStaleStatus)
}
