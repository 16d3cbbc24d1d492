package model

import (
	"errors"
	"strings"
	"time"

	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

// FundingRef points at the balance a trade draws margin from.
type FundingRef struct {
	Kind types.FundingKind `json:"kind"`
	ID   string            `json:"id"`
}

func (r FundingRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

func (r FundingRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func ParseFundingRef(raw string) (FundingRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return FundingRef{}, errors.New("funding reference must look like wallet:<id> or challenge:<id>")
	}
	ref := FundingRef{Kind: types.FundingKind(strings.ToLower(kind)), ID: id}
	if ref.Kind != types.FundingKindWallet && ref.Kind != types.FundingKindChallenge {
		return FundingRef{}, errors.New("unknown funding kind " + kind)
	}
	return ref, nil
}

type Charges struct {
	SpreadPips   decimal.Decimal  `json:"spread_pips"`
	SpreadCost   decimal.Decimal  `json:"spread_cost"`
	ChargeType   types.ChargeType `json:"charge_type"`
	ChargeAmount decimal.Decimal  `json:"charge_amount"`
	TotalCharges decimal.Decimal  `json:"total_charges"`
}

// Trade is an open or historical position. Margin holds the amount still
// reserved; it is released proportionally as lots are closed.
type Trade struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	FundingRef   FundingRef           `json:"funding_ref"`
	Symbol       string               `json:"symbol"`
	Side         types.OrderSide      `json:"side"`
	Lot          decimal.Decimal      `json:"lot"`
	ClosedLot    decimal.Decimal      `json:"closed_lot"`
	EntryPrice   decimal.Decimal      `json:"entry_price"`
	ClosePrice   *decimal.Decimal     `json:"close_price,omitempty"`
	StopLoss     *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal     `json:"take_profit,omitempty"`
	Margin       decimal.Decimal      `json:"margin"`
	ContractSize decimal.Decimal      `json:"contract_size"`
	Leverage     int                  `json:"leverage"`
	Status       types.TradeStatus    `json:"status"`
	RealizedPnL  decimal.Decimal      `json:"realized_pnl"`
	FloatingPnL  decimal.Decimal      `json:"floating_pnl"`
	Charges      Charges              `json:"charges"`
	CloseReason  types.CloseReason    `json:"close_reason,omitempty"`
	Session      types.TradingSession `json:"session,omitempty"`
	OpenedAt     time.Time            `json:"opened_at"`
	ClosedAt     *time.Time           `json:"closed_at,omitempty"`
}

func (t Trade) RemainingLot() decimal.Decimal {
	return t.Lot.Sub(t.ClosedLot)
}

func (t Trade) IsOpen() bool {
	return t.Status == types.TradeStatusOpen || t.Status == types.TradeStatusPartial
}

// LedgerEntry is one balance movement. Entries of a funding source form a
// hash chain ordered by Seq.
type LedgerEntry struct {
	Ref          string                `json:"ref"`
	FundingRef   FundingRef            `json:"funding_ref"`
	TradeID      string                `json:"trade_id,omitempty"`
	Type         types.LedgerEntryType `json:"type"`
	Amount       decimal.Decimal       `json:"amount"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Seq          int64                 `json:"seq"`
	PrevHash     string                `json:"prev_hash,omitempty"`
	Hash         string                `json:"hash"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Closing describes one close of some or all of a trade's lots.
type Closing struct {
	TradeID      string            `json:"trade_id"`
	UserID       string            `json:"user_id"`
	FundingRef   FundingRef        `json:"funding_ref"`
	Symbol       string            `json:"symbol"`
	Side         types.OrderSide   `json:"side"`
	Lot          decimal.Decimal   `json:"lot"`
	EntryPrice   decimal.Decimal   `json:"entry_price"`
	ClosePrice   decimal.Decimal   `json:"close_price"`
	RealizedPnL  decimal.Decimal   `json:"realized_pnl"`
	CappedLoss   decimal.Decimal   `json:"capped_loss"`
	MarginFreed  decimal.Decimal   `json:"margin_released"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	Status       types.TradeStatus `json:"status"`
	Reason       types.CloseReason `json:"reason"`
	OpenedAt     time.Time         `json:"opened_at"`
	ClosedAt     time.Time         `json:"closed_at"`
}
