// Package challenge runs the evaluation rules of funded-account programs.
// Evaluate is pure; Service wraps it with persistence and notifications.
package challenge

import (
	"fmt"
	"time"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type ClosedTrade struct {
	TradeID    string          `json:"trade_id"`
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Lots       decimal.Decimal `json:"lots"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	// Profit is the PnL applied to the balance, after loss capping.
	Profit   decimal.Decimal `json:"profit"`
	OpenedAt time.Time       `json:"opened_at"`
	ClosedAt time.Time       `json:"closed_at"`
}

// TradeClosed is dispatched inside the unit of work that returned the margin.
type TradeClosed struct {
	ChallengeID string      `json:"challenge_id"`
	Trade       ClosedTrade `json:"trade"`
}

type Transition string

const (
	TransitionIgnored     Transition = "ignored"
	TransitionUpdated     Transition = "updated"
	TransitionBreached    Transition = "breached"
	TransitionPhasePassed Transition = "phase_passed"
	TransitionFunded      Transition = "funded"
	TransitionExpired     Transition = "expired"
)

type Outcome struct {
	ChallengeID string             `json:"challenge_id"`
	UserID      string             `json:"user_id"`
	Transition  Transition         `json:"transition"`
	Breach      types.BreachReason `json:"breach_reason,omitempty"`
	Details     string             `json:"details,omitempty"`
	// PassedPhase is the number of the phase that was just passed.
	PassedPhase int `json:"passed_phase,omitempty"`
	// Reset is the balance adjustment made when a phase advance resets it.
	Reset  decimal.Decimal `json:"reset"`
	Refund decimal.Decimal `json:"refund"`
}

// Evaluate applies one closed trade to acc. The balance has already been
// settled; Evaluate updates statistics, then checks breaches in a fixed
// order (total loss, daily loss, single trade loss, phase time limit), the
// first match winning, and finally the pass condition of the active phase.
// Terminal accounts are left untouched.
func Evaluate(acc *model.ChallengeAccount, evt TradeClosed, now time.Time) Outcome {
	out := Outcome{ChallengeID: acc.ID(), UserID: acc.UserID, Transition: TransitionIgnored}
	if acc.Status.Terminal() {
		return out
	}
	out.Transition = TransitionUpdated

	closedAt := evt.Trade.ClosedAt
	if closedAt.IsZero() {
		closedAt = now
	}
	closedAt = closedAt.UTC()
	date := model.UTCDate(closedAt)
	profit := evt.Trade.Profit
	balance := acc.Balance

	ds := acc.UpsertDailyStat(date, balance.Sub(profit))
	ds.DailyPnL = ds.DailyPnL.Add(profit)
	ds.Trades++
	ds.EndingEquity = acc.Equity
	if acc.Equity.GreaterThan(ds.HighEquity) {
		ds.HighEquity = acc.Equity
	}
	if acc.Equity.LessThan(ds.LowEquity) {
		ds.LowEquity = acc.Equity
	}
	acc.CountTradingDay(date)
	acc.LastTradeAt = &closedAt
	trackDrawdown(acc)

	phase := acc.ActivePhase()
	if phase != nil && acc.Rules.InitialBalance.IsPositive() {
		phase.AchievedPercent = balance.Sub(phase.StartBalance).Div(acc.Rules.InitialBalance).Mul(hundred).Round(2)
	}

	if reason, details := checkBreach(acc, ds, profit, now); reason != "" {
		if reason == types.BreachMaxDailyLoss {
			ds.Breached = true
		}
		breach(acc, reason, details, now)
		out.Transition = TransitionBreached
		out.Breach = reason
		out.Details = details
		return out
	}

	if acc.Status != types.ChallengeStatusEvaluation || phase == nil {
		return out
	}
	if phase.AchievedPercent.LessThan(phase.ProfitTarget) || len(phase.TradingDays) < phase.MinTradingDays {
		return out
	}

	completed := now.UTC()
	phase.Status = types.PhaseStatusPassed
	phase.CompletedAt = &completed
	out.PassedPhase = phase.Number
	out.Transition = TransitionPhasePassed

	if acc.CurrentPhase < len(acc.Phases) {
		acc.CurrentPhase++
		next := acc.ActivePhase()
		next.Status = types.PhaseStatusActive
		next.StartedAt = &completed
		if acc.Rules.ResetBalanceOnAdvance {
			out.Reset = acc.Rules.InitialBalance.Sub(acc.Balance)
			acc.Balance = acc.Rules.InitialBalance
			acc.Revalue(acc.Margin, acc.FloatingProfit)
			acc.HighWaterMark = acc.Balance
			acc.CurrentDrawdown = decimal.Zero
		}
		next.StartBalance = acc.Balance
		return out
	}

	acc.Status = types.ChallengeStatusFunded
	acc.FundedAt = &completed
	out.Transition = TransitionFunded
	if acc.Rules.RefundPercent.IsPositive() {
		out.Refund = acc.Rules.PurchasePrice.Mul(acc.Rules.RefundPercent).Div(hundred).Round(2)
	}
	return out
}

func trackDrawdown(acc *model.ChallengeAccount) {
	if acc.Balance.GreaterThan(acc.HighWaterMark) {
		acc.HighWaterMark = acc.Balance
	}
	if acc.HighWaterMark.IsPositive() {
		acc.CurrentDrawdown = acc.HighWaterMark.Sub(acc.Balance).Div(acc.HighWaterMark).Mul(hundred).Round(2)
	}
}

func checkBreach(acc *model.ChallengeAccount, ds *model.DailyStat, profit decimal.Decimal, now time.Time) (types.BreachReason, string) {
	rules := acc.Rules
	if rules.MaxTotalLoss.IsPositive() {
		floor := rules.TotalLossLimit()
		if acc.Balance.LessThanOrEqual(floor) {
			return types.BreachMaxTotalLoss, fmt.Sprintf("balance %s at or below floor %s", acc.Balance.StringFixed(2), floor.StringFixed(2))
		}
	}
	if rules.MaxDailyLoss.IsPositive() && ds.DailyPnL.IsNegative() {
		limit := rules.DailyLossLimit()
		if ds.DailyPnL.Abs().GreaterThanOrEqual(limit) {
			return types.BreachMaxDailyLoss, fmt.Sprintf("daily loss %s on %s reached limit %s", ds.DailyPnL.Abs().StringFixed(2), ds.Date, limit.StringFixed(2))
		}
	}
	if acc.Status == types.ChallengeStatusFunded && rules.MaxSingleTradeLoss.IsPositive() && profit.IsNegative() {
		limit := rules.SingleTradeLossLimit()
		if profit.Abs().GreaterThan(limit) {
			return types.BreachMaxSingleTradeLoss, fmt.Sprintf("trade loss %s exceeded limit %s", profit.Abs().StringFixed(2), limit.StringFixed(2))
		}
	}
	if acc.Status == types.ChallengeStatusEvaluation && phaseTimedOut(acc.ActivePhase(), now) {
		p := acc.ActivePhase()
		return types.BreachPhaseTimeLimit, fmt.Sprintf("phase %d exceeded %d days", p.Number, p.MaxDays)
	}
	return "", ""
}

func phaseTimedOut(p *model.Phase, now time.Time) bool {
	if p == nil || p.MaxDays <= 0 || p.StartedAt == nil {
		return false
	}
	return now.After(p.StartedAt.Add(time.Duration(p.MaxDays) * 24 * time.Hour))
}

// breach moves acc to its terminal breached state. During evaluation the
// active phase is marked failed.
func breach(acc *model.ChallengeAccount, reason types.BreachReason, details string, now time.Time) {
	at := now.UTC()
	if acc.Status == types.ChallengeStatusEvaluation {
		if p := acc.ActivePhase(); p != nil {
			p.Status = types.PhaseStatusFailed
			p.CompletedAt = &at
		}
	}
	acc.Status = types.ChallengeStatusBreached
	acc.BreachReason = reason
	acc.BreachedAt = &at
	acc.BreachDetails = details
}

// NewAccount builds a fresh evaluation account from a product.
func NewAccount(id, userID string, rules model.ChallengeRules, now time.Time) model.ChallengeAccount {
	now = now.UTC()
	acc := model.ChallengeAccount{
		FundingSource: model.FundingSource{
			Ref:       model.FundingRef{Kind: types.FundingKindChallenge, ID: id},
			UserID:    userID,
			Currency:  "USD",
			Balance:   rules.InitialBalance,
			Leverage:  rules.Leverage,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Rules:         rules,
		Status:        types.ChallengeStatusEvaluation,
		CurrentPhase:  1,
		TotalPhases:   len(rules.Phases),
		HighWaterMark: rules.InitialBalance,
		PurchasedAt:   now,
	}
	acc.Revalue(decimal.Zero, decimal.Zero)
	for i, r := range rules.Phases {
		p := model.Phase{
			Number:         i + 1,
			ProfitTarget:   r.ProfitTarget,
			MinTradingDays: r.MinTradingDays,
			MaxDays:        r.MaxDays,
			Status:         types.PhaseStatusPending,
		}
		if i == 0 {
			p.Status = types.PhaseStatusActive
			p.StartBalance = rules.InitialBalance
			p.StartedAt = &now
		}
		acc.Phases = append(acc.Phases, p)
	}
	return acc
}
