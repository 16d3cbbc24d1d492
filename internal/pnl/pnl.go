// Package pnl computes position profit and loss. Results are unrounded;
// callers round with Round when a value is displayed or booked.
package pnl

import (
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

// ExitPrice is the price a position can be unwound at right now: the bid
// for a long, the ask for a short.
func ExitPrice(side types.OrderSide, bid, ask decimal.Decimal) decimal.Decimal {
	if side == types.OrderSideSell {
		return ask
	}
	return bid
}

// Floating is the unrealized PnL of lot units at the current quote.
func Floating(side types.OrderSide, entry, bid, ask, lot, contractSize decimal.Decimal) decimal.Decimal {
	return Realized(side, entry, ExitPrice(side, bid, ask), lot, contractSize)
}

// Realized is the booked PnL of lot units closed at closePrice.
func Realized(side types.OrderSide, entry, closePrice, lot, contractSize decimal.Decimal) decimal.Decimal {
	if !entry.GreaterThan(decimal.Zero) || !closePrice.GreaterThan(decimal.Zero) ||
		!lot.GreaterThan(decimal.Zero) || !contractSize.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	size := lot.Mul(contractSize)
	switch side {
	case types.OrderSideBuy:
		return closePrice.Sub(entry).Mul(size)
	case types.OrderSideSell:
		return entry.Sub(closePrice).Mul(size)
	default:
		return decimal.Zero
	}
}

// Round rounds a money amount to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
