package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Valid reports whether both sides are positive and not crossed.
func (q Quote) Valid() bool {
	return q.Bid.GreaterThan(decimal.Zero) && q.Ask.GreaterThan(decimal.Zero) && !q.Ask.LessThan(q.Bid)
}

func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}
