package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HouseParty is the sentinel counterparty that backs a wager with no human
// opponent. House wagers settle against the reserve.
const HouseParty = "house"

// Direction is the predicted price move.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is UP or DOWN.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// WagerStatus tracks the wager lifecycle.
type WagerStatus string

const (
	WagerStatusPending    WagerStatus = "PENDING"
	WagerStatusMatched    WagerStatus = "MATCHED"
	WagerStatusInProgress WagerStatus = "IN_PROGRESS"
	WagerStatusCompleted  WagerStatus = "COMPLETED"
	WagerStatusCancelled  WagerStatus = "CANCELLED"
	WagerStatusExpired    WagerStatus = "EXPIRED" // legal edge, no operation triggers it
)

// Terminal reports whether no further transition is allowed from s.
func (s WagerStatus) Terminal() bool {
	switch s {
	case WagerStatusCompleted, WagerStatusCancelled, WagerStatusExpired:
		return true
	default:
		return false
	}
}

// validTransitions lists every edge of the wager state machine.
var validTransitions = map[WagerStatus][]WagerStatus{
	WagerStatusPending:    {WagerStatusMatched, WagerStatusCancelled},
	WagerStatusMatched:    {WagerStatusInProgress},
	WagerStatusInProgress: {WagerStatusCompleted, WagerStatusExpired},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to WagerStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanWrite reports whether a stored wager in status expected may be
// overwritten with status next: either an edge of the state machine or an
// in-place update of a non-terminal wager.
func CanWrite(expected, next WagerStatus) bool {
	if next == expected {
		return !expected.Terminal()
	}
	return CanTransition(expected, next)
}

// WagerResult is set only when a wager reaches a terminal state.
type WagerResult string

const (
	ResultNone      WagerResult = ""
	ResultWin       WagerResult = "WIN"
	ResultLoss      WagerResult = "LOSS"
	ResultDraw      WagerResult = "DRAW"
	ResultCancelled WagerResult = "CANCELLED"
)

// Mirror returns the result the opposing party of a peer-to-peer pair gets.
func (r WagerResult) Mirror() WagerResult {
	switch r {
	case ResultWin:
		return ResultLoss
	case ResultLoss:
		return ResultWin
	default:
		return r
	}
}

// Settlement is the ledger bookkeeping attached to a wager.
type Settlement struct {
	InboundRef      string `json:"inbound_ref,omitempty"`
	InboundVerified bool   `json:"inbound_verified"`
	InboundError    string `json:"inbound_error,omitempty"`
	OutboundRef     string `json:"outbound_ref,omitempty"`
	RefundRef       string `json:"refund_ref,omitempty"`
	// PayoutPending is set by the claim that completes a wager with a
	// non-zero payout and cleared once the transfer attempt is recorded. A
	// completed wager that still carries it had its settling process die
	// mid-transfer.
	PayoutPending  bool   `json:"payout_pending"`
	TransferFailed bool   `json:"transfer_failed"`
	TransferError  string `json:"transfer_error,omitempty"`
}

// Wager is a single stake on a direction prediction for one settlement cycle.
type Wager struct {
	ID                  string
	PartyID             string
	CounterpartyID      string
	CounterpartyWagerID string
	Direction           Direction
	Amount              decimal.Decimal
	Token               string
	Instrument          string
	DurationSec         int
	LockedPrice         decimal.Decimal
	LockedAt            time.Time
	FinalPrice          *decimal.Decimal
	FinalizedAt         *time.Time
	Status              WagerStatus
	Result              WagerResult
	Payout              *decimal.Decimal
	Fee                 *decimal.Decimal
	IsHouse             bool
	Settlement          Settlement
	StartedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsPeerToPeer reports whether the wager was matched against another party's
// wager rather than the house.
func (w Wager) IsPeerToPeer() bool {
	return !w.IsHouse && w.CounterpartyWagerID != ""
}

// SettleAt returns when the countdown for a started wager ends. The zero time
// is returned for wagers that have not started.
func (w Wager) SettleAt() time.Time {
	if w.StartedAt == nil {
		return time.Time{}
	}
	return w.StartedAt.Add(time.Duration(w.DurationSec) * time.Second)
}

// LockedQuote is the price snapshot bound to a wager at admission.
type LockedQuote struct {
	OwnerID   string
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
	ExpiresAt time.Time
}

// Expired reports whether the quote is no longer usable at now.
func (q LockedQuote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// PriceSample is one raw observation from an upstream price source.
type PriceSample struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Source    string
}

// Quote is the aggregator's current view of an instrument.
type Quote struct {
	Symbol     string
	Price      decimal.Decimal
	Timestamp  time.Time
	Confidence int
}
