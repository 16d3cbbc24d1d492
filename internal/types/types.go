package types

type OrderSide string

type TradeStatus string

type CloseReason string

type ChargeType string

type FundingKind string

type ChallengeStatus string

type PhaseStatus string

type BreachReason string

type TradingSession string

type LedgerEntryType string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	TradeStatusOpen    TradeStatus = "open"
	TradeStatusPartial TradeStatus = "partial"
	TradeStatusClosed  TradeStatus = "closed"
)

const (
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonStopLoss   CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit CloseReason = "TAKE_PROFIT"
	CloseReasonMarginCall CloseReason = "MARGIN_CALL"
)

const (
	ChargeTypePerLot       ChargeType = "per_lot"
	ChargeTypePerExecution ChargeType = "per_execution"
	ChargeTypePercentage   ChargeType = "percentage"
)

const (
	FundingKindWallet    FundingKind = "wallet"
	FundingKindChallenge FundingKind = "challenge"
)

const (
	ChallengeStatusEvaluation ChallengeStatus = "evaluation"
	ChallengeStatusFunded     ChallengeStatus = "funded"
	ChallengeStatusBreached   ChallengeStatus = "breached"
	ChallengeStatusExpired    ChallengeStatus = "expired"
)

const (
	PhaseStatusPending PhaseStatus = "pending"
	PhaseStatusActive  PhaseStatus = "active"
	PhaseStatusPassed  PhaseStatus = "passed"
	PhaseStatusFailed  PhaseStatus = "failed"
)

const (
	BreachMaxTotalLoss       BreachReason = "MAX_TOTAL_LOSS"
	BreachMaxDailyLoss       BreachReason = "MAX_DAILY_LOSS"
	BreachMaxSingleTradeLoss BreachReason = "MAX_SINGLE_TRADE_LOSS"
	BreachPhaseTimeLimit     BreachReason = "PHASE_TIME_LIMIT"
	BreachAdminOverride      BreachReason = "ADMIN_OVERRIDE"
)

const (
	SessionLondon  TradingSession = "London"
	SessionNewYork TradingSession = "NewYork"
	SessionTokyo   TradingSession = "Tokyo"
	SessionSydney  TradingSession = "Sydney"
	SessionOther   TradingSession = "Other"
)

const (
	LedgerEntryMarginReserve LedgerEntryType = "margin_reserve"
	LedgerEntryCharge        LedgerEntryType = "charge"
	LedgerEntryMarginRelease LedgerEntryType = "margin_release"
	LedgerEntryPnL           LedgerEntryType = "pnl"
	LedgerEntryLossCap       LedgerEntryType = "loss_cap"
	LedgerEntryRefund        LedgerEntryType = "refund"
	LedgerEntryPayout        LedgerEntryType = "payout"
	LedgerEntryDeposit       LedgerEntryType = "deposit"
	LedgerEntryWithdraw      LedgerEntryType = "withdraw"
	LedgerEntryPhaseReset    LedgerEntryType = "phase_reset"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeStatusBreached || s == ChallengeStatusExpired
}

func (s ChallengeStatus) Valid() bool {
	switch s {
	case ChallengeStatusEvaluation, ChallengeStatusFunded, ChallengeStatusBreached, ChallengeStatusExpired:
		return true
	}
	return false
}
