package wager

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// DefaultDrawThreshold is the absolute price move below which a wager draws.
var DefaultDrawThreshold = decimal.RequireFromString("0.01")

var two = decimal.NewFromInt(2)

// Outcome is the settlement decision for one wager.
type Outcome struct {
	Result domain.WagerResult
	Payout decimal.Decimal
	Fee    decimal.Decimal
}

// DetermineResult compares the final price against the locked one. A move
// smaller than threshold is a DRAW; otherwise the wager wins when the move
// has the predicted sign.
func DetermineResult(locked, final decimal.Decimal, dir domain.Direction, threshold decimal.Decimal) domain.WagerResult {
	delta := final.Sub(locked)
	if delta.Abs().LessThan(threshold) {
		return domain.ResultDraw
	}
	up := delta.IsPositive()
	if up == (dir == domain.DirectionUp) {
		return domain.ResultWin
	}
	return domain.ResultLoss
}

// ComputeOutcome applies the payout rule for result. A win pays the pooled
// stake minus the fee, a draw refunds the stake and a loss pays nothing. The
// fee is only ever charged on a win.
func ComputeOutcome(result domain.WagerResult, amount, feeRate decimal.Decimal) Outcome {
	switch result {
	case domain.ResultWin:
		pool := amount.Mul(two)
		fee := pool.Mul(feeRate)
		return Outcome{Result: result, Payout: pool.Sub(fee), Fee: fee}
	case domain.ResultDraw:
		return Outcome{Result: result, Payout: amount, Fee: decimal.Zero}
	default:
		return Outcome{Result: result, Payout: decimal.Zero, Fee: decimal.Zero}
	}
}
