package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingWager(id, party string, dir domain.Direction, created time.Time) domain.Wager {
	return domain.Wager{
		ID:          id,
		PartyID:     party,
		Direction:   dir,
		Amount:      decimal.RequireFromString("100.00"),
		Token:       "USDC",
		Instrument:  "SOLUSD",
		DurationSec: 30,
		LockedPrice: decimal.RequireFromString("101.25"),
		LockedAt:    created,
		Status:      domain.WagerStatusPending,
		Settlement:  domain.Settlement{InboundRef: "0xabc", InboundVerified: true},
		CreatedAt:   created,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	w := pendingWager("w1", "alice", domain.DirectionUp, now)
	require.NoError(t, s.Create(ctx, w))

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PartyID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.LockedPrice.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, domain.WagerStatusPending, got.Status)
	assert.Equal(t, "0xabc", got.Settlement.InboundRef)
	assert.True(t, got.Settlement.InboundVerified)
	assert.Nil(t, got.Payout)
	assert.Nil(t, got.FinalizedAt)
	assert.True(t, got.CreatedAt.Equal(now))

	err = s.Create(ctx, w)
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_UpdateTransitionIsConditional(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingWager("w1", "alice", domain.DirectionUp, time.Now())))

	w, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	w.Status = domain.WagerStatusCancelled
	w.Result = domain.ResultCancelled
	require.NoError(t, s.UpdateTransition(ctx, "w1", domain.WagerStatusPending, w))

	w.Status = domain.WagerStatusMatched
	err = s.UpdateTransition(ctx, "w1", domain.WagerStatusPending, w)
	assert.True(t, errors.Is(err, domain.ErrStaleStatus))

	err = s.UpdateTransition(ctx, "missing", domain.WagerStatusPending, w)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	w.Status = domain.WagerStatusCompleted
	err = s.UpdateTransition(ctx, "w1", domain.WagerStatusPending, w)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WagerStatusCancelled, got.Status)
	assert.Equal(t, domain.ResultCancelled, got.Result)
}

func TestStore_UpdateTransitionRejectsRewriteOfCompleted(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingWager("w1", "alice", domain.DirectionUp, time.Now())))

	w, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	for _, step := range []struct{ from, to domain.WagerStatus }{
		{domain.WagerStatusPending, domain.WagerStatusMatched},
		{domain.WagerStatusMatched, domain.WagerStatusInProgress},
	} {
		w.Status = step.to
		require.NoError(t, s.UpdateTransition(ctx, "w1", step.from, w))
	}

	payout, fee := decimal.RequireFromString("190"), decimal.RequireFromString("10")
	w.Status = domain.WagerStatusCompleted
	w.Result = domain.ResultWin
	w.Payout, w.Fee = &payout, &fee
	require.NoError(t, s.UpdateTransition(ctx, "w1", domain.WagerStatusInProgress, w))

	zero := decimal.Zero
	w.Result = domain.ResultLoss
	w.Payout, w.Fee = &zero, &zero
	err = s.UpdateTransition(ctx, "w1", domain.WagerStatusCompleted, w)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultWin, got.Result)
	require.NotNil(t, got.Payout)
	assert.True(t, got.Payout.Equal(payout))
}

func TestStore_FindOpenMatchAndMatchPair(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Create(ctx, pendingWager("a-old", "alice", domain.DirectionUp, base)))
	require.NoError(t, s.Create(ctx, pendingWager("a-new", "carol", domain.DirectionUp, base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, pendingWager("b", "bob", domain.DirectionDown, base.Add(2*time.Second))))

	other := pendingWager("x", "dave", domain.DirectionUp, base)
	other.DurationSec = 60
	require.NoError(t, s.Create(ctx, other))

	cand, err := s.FindOpenMatch(ctx, domain.MatchQuery{
		ExcludeWagerID: "b",
		PartyID:        "bob",
		Direction:      domain.DirectionUp,
		Amount:         decimal.NewFromInt(100),
		Token:          "USDC",
		DurationSec:    30,
	})
	require.NoError(t, err)
	assert.Equal(t, "a-old", cand.ID)

	req, matched, err := s.MatchPair(ctx, cand.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", req.ID)
	assert.Equal(t, domain.WagerStatusMatched, req.Status)
	assert.Equal(t, "alice", req.CounterpartyID)
	assert.Equal(t, "a-old", req.CounterpartyWagerID)
	assert.Equal(t, "bob", matched.CounterpartyID)

	stored, err := s.Get(ctx, "a-old")
	require.NoError(t, err)
	assert.Equal(t, domain.WagerStatusMatched, stored.Status)
	assert.Equal(t, "b", stored.CounterpartyWagerID)

	_, _, err = s.MatchPair(ctx, "a-old", "a-new")
	assert.True(t, errors.Is(err, domain.ErrStaleStatus))
}

func TestStore_FindOpenMatchSkipsSameParty(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingWager("a", "alice", domain.DirectionUp, time.Now())))

	_, err := s.FindOpenMatch(ctx, domain.MatchQuery{
		ExcludeWagerID: "a2",
		PartyID:        "alice",
		Direction:      domain.DirectionUp,
		Amount:         decimal.NewFromInt(100),
		Token:          "USDC",
		DurationSec:    30,
	})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_PartyAndTerminalListings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingWager("w1", "alice", domain.DirectionUp, time.Now())))
	require.NoError(t, s.Create(ctx, pendingWager("w2", "alice", domain.DirectionDown, time.Now())))

	w, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	w.Status = domain.WagerStatusCancelled
	w.Result = domain.ResultCancelled
	require.NoError(t, s.UpdateTransition(ctx, "w1", domain.WagerStatusPending, w))

	pending, err := s.FindByStatusAndParty(ctx, "alice", domain.WagerStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w2", pending[0].ID)

	all, err := s.FindByStatusAndParty(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	terminal, err := s.ListTerminalAfter(ctx, domain.ArchiveCursor{}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "w1", terminal[0].ID)

	next, err := s.ListTerminalAfter(ctx, domain.ArchiveCursor{UpdatedAt: terminal[0].UpdatedAt, ID: "w1"}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestStore_UpdateSettlementKeepsResult(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingWager("w1", "alice", domain.DirectionUp, time.Now())))

	require.NoError(t, s.UpdateSettlement(ctx, "w1", domain.Settlement{RefundRef: "0xrefund"}))
	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "0xrefund", got.Settlement.RefundRef)
	assert.Equal(t, domain.WagerStatusPending, got.Status)

	err = s.UpdateSettlement(ctx, "missing", domain.Settlement{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_AuditLog(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "transfer_failed", map[string]any{"wager_id": "w1"}))
	entries, err := s.AuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transfer_failed", entries[0].Event)
	assert.Equal(t, "w1", entries[0].Detail["wager_id"])
}
