// Package memory is an in-process LedgerGateway for development and tests.
// Balances live in a map; transfers move value out of a single reserve
// account.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

var _ domain.LedgerGateway = (*Ledger)(nil)

// Transfer is a recorded outbound transfer.
type Transfer struct {
	Reference   string
	Destination string
	Amount      decimal.Decimal
	Token       string
}

// Ledger keeps balances per (address, token).
type Ledger struct {
	reserve string

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	inbound   map[string]bool
	transfers []Transfer
	failNext  error
}

// New creates a ledger whose outbound transfers debit reserve.
func New(reserve string) *Ledger {
	return &Ledger{
		reserve:  reserve,
		balances: make(map[string]decimal.Decimal),
		inbound:  make(map[string]bool),
	}
}

func key(address, token string) string { return address + "/" + token }

// Fund credits amount of token to address.
func (l *Ledger) Fund(address, token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(address, token)
	l.balances[k] = l.balances[k].Add(amount)
}

// Deposit moves amount from party into the reserve and returns the inbound
// reference VerifyInbound will confirm.
func (l *Ledger) Deposit(party, token string, amount decimal.Decimal) string {
	ref := "mem-in-" + uuid.New().String()
	l.mu.Lock()
	defer l.mu.Unlock()
	pk, rk := key(party, token), key(l.reserve, token)
	l.balances[pk] = l.balances[pk].Sub(amount)
	l.balances[rk] = l.balances[rk].Add(amount)
	l.inbound[ref] = true
	return ref
}

// FailNext makes the next TransferOut return err.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

// Transfers returns a copy of every executed outbound transfer.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// VerifyInbound reports whether reference came from Deposit.
func (l *Ledger) VerifyInbound(_ context.Context, reference string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inbound[reference], nil
}

// TransferOut debits the reserve and credits destination.
func (l *Ledger) TransferOut(ctx context.Context, destination string, amount decimal.Decimal, token string) (domain.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransferResult{}, err
	}
	if !amount.IsPositive() {
		return domain.TransferResult{}, fmt.Errorf("memory: transfer %s %s: amount must be positive", amount, token)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failNext; err != nil {
		l.failNext = nil
		return domain.TransferResult{}, err
	}
	rk := key(l.reserve, token)
	if l.balances[rk].LessThan(amount) {
		return domain.TransferResult{}, fmt.Errorf("memory: transfer %s %s to %s: reserve balance %s too low",
			amount, token, destination, l.balances[rk])
	}
	l.balances[rk] = l.balances[rk].Sub(amount)
	dk := key(destination, token)
	l.balances[dk] = l.balances[dk].Add(amount)

	t := Transfer{
		Reference:   "mem-out-" + uuid.New().String(),
		Destination: destination,
		Amount:      amount,
		Token:       token,
	}
	l.transfers = append(l.transfers, t)
	return domain.TransferResult{
		Reference:   t.Reference,
		Destination: destination,
		Amount:      amount,
		Token:       token,
	}, nil
}

// GetBalance returns the balance of address in token.
func (l *Ledger) GetBalance(_ context.Context, address, token string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key(address, token)], nil
}
