// Package ledger owns balance movements of funding sources: the settlement
// guard that keeps balances non-negative and the hash-chained entry log.
package ledger

import "github.com/shopspring/decimal"

// Settlement is the outcome of returning margin and booking PnL.
type Settlement struct {
	Balance decimal.Decimal
	// AppliedPnL is the realized PnL after capping; never below
	// -(balance + margin returned).
	AppliedPnL decimal.Decimal
	// CappedLoss is the part of the loss that was not charged.
	CappedLoss decimal.Decimal
	Floored    bool
}

// Settle is the only place a loss is capped. Manual closes and sweep closes
// both book through it.
func Settle(balance, marginReturned, realized decimal.Decimal) Settlement {
	available := balance.Add(marginReturned)
	floor := available.Neg()
	if floor.IsPositive() {
		floor = decimal.Zero
	}
	applied := realized
	if applied.LessThan(floor) {
		applied = floor
	}
	next := available.Add(applied)
	out := Settlement{
		Balance:    next,
		AppliedPnL: applied,
		CappedLoss: applied.Sub(realized),
	}
	if next.IsNegative() {
		out.Balance = decimal.Zero
		out.Floored = true
	}
	return out
}

// Capped reports whether any loss was absorbed.
func (s Settlement) Capped() bool {
	return s.CappedLoss.GreaterThan(decimal.Zero) || s.Floored
}
