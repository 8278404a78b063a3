package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferResult describes an executed outbound transfer.
type TransferResult struct {
	Reference   string
	Destination string
	Amount      decimal.Decimal
	Token       string
}

// LedgerGateway verifies inbound transfers and executes outbound transfers
// against the external value-transfer network. Party identifiers double as
// ledger destination addresses.
type LedgerGateway interface {
	VerifyInbound(ctx context.Context, reference string) (bool, error)
	TransferOut(ctx context.Context, destination string, amount decimal.Decimal, token string) (TransferResult, error)
	GetBalance(ctx context.Context, address, token string) (decimal.Decimal, error)
}

// AddressValidator is implemented by gateways whose destinations have a fixed
// format. Admission rejects party ids the gateway could never pay.
type AddressValidator interface {
	ValidAddress(address string) bool
}
