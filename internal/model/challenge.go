package model

import (
	"time"

	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

// DateLayout keys daily statistics and trading days by UTC calendar date.
const DateLayout = "2006-01-02"

func UTCDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

type PhaseRule struct {
	ProfitTarget   decimal.Decimal `json:"profit_target" yaml:"profit_target"`
	MinTradingDays int             `json:"min_trading_days" yaml:"min_trading_days"`
	MaxDays        int             `json:"max_days" yaml:"max_days"`
}

// ChallengeRules are fixed at purchase time. Percentages are expressed as
// whole percent values (8 means 8%).
type ChallengeRules struct {
	Name                  string          `json:"name" yaml:"name"`
	InitialBalance        decimal.Decimal `json:"initial_balance" yaml:"initial_balance"`
	PurchasePrice         decimal.Decimal `json:"purchase_price" yaml:"purchase_price"`
	Leverage              int             `json:"leverage" yaml:"leverage"`
	Phases                []PhaseRule     `json:"phases" yaml:"phases"`
	MaxDailyLoss          decimal.Decimal `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxTotalLoss          decimal.Decimal `json:"max_total_loss" yaml:"max_total_loss"`
	MaxSingleTradeLoss    decimal.Decimal `json:"max_single_trade_loss" yaml:"max_single_trade_loss"`
	ResetBalanceOnAdvance bool            `json:"reset_balance_on_advance" yaml:"reset_balance_on_advance"`
	RefundPercent         decimal.Decimal `json:"refund_percent" yaml:"refund_percent"`
	ProfitSplit           decimal.Decimal `json:"profit_split" yaml:"profit_split"`
	InactivityDays        int             `json:"inactivity_days" yaml:"inactivity_days"`
}

// TotalLossLimit is the absolute balance floor.
func (r ChallengeRules) TotalLossLimit() decimal.Decimal {
	return r.InitialBalance.Mul(hundred.Sub(r.MaxTotalLoss)).Div(hundred)
}

func (r ChallengeRules) DailyLossLimit() decimal.Decimal {
	return r.InitialBalance.Mul(r.MaxDailyLoss).Div(hundred)
}

func (r ChallengeRules) SingleTradeLossLimit() decimal.Decimal {
	return r.InitialBalance.Mul(r.MaxSingleTradeLoss).Div(hundred)
}

type Phase struct {
	Number          int               `json:"number"`
	ProfitTarget    decimal.Decimal   `json:"profit_target"`
	MinTradingDays  int               `json:"min_trading_days"`
	MaxDays         int               `json:"max_days"`
	StartBalance    decimal.Decimal   `json:"start_balance"`
	AchievedPercent decimal.Decimal   `json:"achieved_percent"`
	TradingDays     []string          `json:"trading_days"`
	Status          types.PhaseStatus `json:"status"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

type DailyStat struct {
	Date           string          `json:"date"`
	StartingEquity decimal.Decimal `json:"starting_equity"`
	EndingEquity   decimal.Decimal `json:"ending_equity"`
	HighEquity     decimal.Decimal `json:"high_equity"`
	LowEquity      decimal.Decimal `json:"low_equity"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	Trades         int             `json:"trades"`
	Breached       bool            `json:"breached"`
}

type Payout struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	TraderShare decimal.Decimal `json:"trader_share"`
	At          time.Time       `json:"at"`
}

// ChallengeAccount is a funding source governed by evaluation rules. The
// embedded FundingSource carries the balance sheet.
type ChallengeAccount struct {
	FundingSource
	Rules           ChallengeRules        `json:"rules"`
	Status          types.ChallengeStatus `json:"status"`
	CurrentPhase    int                   `json:"current_phase"`
	TotalPhases     int                   `json:"total_phases"`
	Phases          []Phase               `json:"phases"`
	DailyStats      []DailyStat           `json:"daily_stats"`
	TradingDays     []string              `json:"trading_days"`
	HighWaterMark   decimal.Decimal       `json:"high_water_mark"`
	CurrentDrawdown decimal.Decimal       `json:"current_drawdown"`
	BreachReason    types.BreachReason    `json:"breach_reason,omitempty"`
	BreachedAt      *time.Time            `json:"breached_at,omitempty"`
	BreachDetails   string                `json:"breach_details,omitempty"`
	FundedAt        *time.Time            `json:"funded_at,omitempty"`
	LastTradeAt     *time.Time            `json:"last_trade_at,omitempty"`
	PayoutHistory   []Payout              `json:"payout_history"`
	PurchasedAt     time.Time             `json:"purchased_at"`
}

func (c *ChallengeAccount) ID() string {
	return c.Ref.ID
}

// ActivePhase returns the phase currentPhase points at, or nil once every
// phase has been consumed.
func (c *ChallengeAccount) ActivePhase() *Phase {
	idx := c.CurrentPhase - 1
	if idx < 0 || idx >= len(c.Phases) {
		return nil
	}
	return &c.Phases[idx]
}

// DailyStat returns the row for date, or nil.
func (c *ChallengeAccount) DailyStat(date string) *DailyStat {
	for i := range c.DailyStats {
		if c.DailyStats[i].Date == date {
			return &c.DailyStats[i]
		}
	}
	return nil
}

// UpsertDailyStat returns the row for date, creating it seeded with
// startingEquity when this is the first event of that day.
func (c *ChallengeAccount) UpsertDailyStat(date string, startingEquity decimal.Decimal) *DailyStat {
	if ds := c.DailyStat(date); ds != nil {
		return ds
	}
	c.DailyStats = append(c.DailyStats, DailyStat{
		Date:           date,
		StartingEquity: startingEquity,
		EndingEquity:   startingEquity,
		HighEquity:     startingEquity,
		LowEquity:      startingEquity,
		DailyPnL:       decimal.Zero,
	})
	return &c.DailyStats[len(c.DailyStats)-1]
}

// Clone returns a deep copy so a unit of work can be discarded on error.
func (c ChallengeAccount) Clone() ChallengeAccount {
	out := c
	out.Rules.Phases = append([]PhaseRule(nil), c.Rules.Phases...)
	out.Phases = make([]Phase, len(c.Phases))
	for i, p := range c.Phases {
		p.TradingDays = append([]string(nil), p.TradingDays...)
		out.Phases[i] = p
	}
	out.DailyStats = append([]DailyStat(nil), c.DailyStats...)
	out.TradingDays = append([]string(nil), c.TradingDays...)
	out.PayoutHistory = append([]Payout(nil), c.PayoutHistory...)
	return out
}

func containsDate(days []string, date string) bool {
	for _, d := range days {
		if d == date {
			return true
		}
	}
	return false
}

// CountTradingDay records date on the account and on the active phase.
// It reports whether the account saw its first trade of that day.
func (c *ChallengeAccount) CountTradingDay(date string) bool {
	first := !containsDate(c.TradingDays, date)
	if first {
		c.TradingDays = append(c.TradingDays, date)
	}
	if p := c.ActivePhase(); p != nil && !containsDate(p.TradingDays, date) {
		p.TradingDays = append(p.TradingDays, date)
	}
	return first
}
