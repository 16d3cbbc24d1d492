package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FundingSource is the balance sheet shared by wallets and challenge accounts.
type FundingSource struct {
	Ref            FundingRef      `json:"ref"`
	UserID         string          `json:"user_id"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	Equity         decimal.Decimal `json:"equity"`
	Margin         decimal.Decimal `json:"margin"`
	FreeMargin     decimal.Decimal `json:"free_margin"`
	MarginLevel    decimal.Decimal `json:"margin_level"`
	FloatingProfit decimal.Decimal `json:"floating_profit"`
	Leverage       int             `json:"leverage"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Revalue recomputes the derived fields from balance, used margin and the
// floating PnL of the open positions.
func (f *FundingSource) Revalue(margin, floating decimal.Decimal) {
	f.Margin = margin
	f.FloatingProfit = floating
	f.Equity = f.Balance.Add(floating)
	f.FreeMargin = f.Equity.Sub(margin)
	f.MarginLevel = MarginLevel(f.Equity, margin)
}

// MarginLevel is equity/margin in percent, or zero without used margin.
func MarginLevel(equity, margin decimal.Decimal) decimal.Decimal {
	if !margin.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	return equity.Div(margin).Mul(hundred).Round(2)
}

// EquitySnapshot is a point-in-time copy of a funding source's figures as
// seen by the liquidation sweep.
type EquitySnapshot struct {
	Ref            FundingRef      `json:"funding_ref"`
	Balance        decimal.Decimal `json:"balance"`
	Equity         decimal.Decimal `json:"equity"`
	Margin         decimal.Decimal `json:"margin"`
	MarginLevel    decimal.Decimal `json:"margin_level"`
	FloatingProfit decimal.Decimal `json:"floating_profit"`
	StopOut        bool            `json:"stop_out"`
	At             time.Time       `json:"at"`
}
