// Package pricing turns a raw quote into the execution terms of a market
// order: the spread-adjusted entry price, the margin to reserve and the
// charges to book.
package pricing

import (
	"fmt"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

type Request struct {
	Symbol   string
	Side     types.OrderSide
	Lot      decimal.Decimal
	Leverage int
}

type Execution struct {
	Symbol       string          `json:"symbol"`
	Side         types.OrderSide `json:"side"`
	Lot          decimal.Decimal `json:"lot"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Notional     decimal.Decimal `json:"notional"`
	Margin       decimal.Decimal `json:"margin"`
	ContractSize decimal.Decimal `json:"contract_size"`
	Leverage     int             `json:"leverage"`
	Charges      model.Charges   `json:"charges"`
}

// Deduction is what leaves the balance when the order is opened. The spread
// is already inside EntryPrice so only the charge is booked next to margin.
func (e Execution) Deduction() decimal.Decimal {
	return e.Margin.Add(e.Charges.ChargeAmount)
}

func Calculate(req Request, q model.Quote, s Settings) (Execution, error) {
	inst, ok := s.Instrument(req.Symbol)
	if !ok {
		return Execution{}, fmt.Errorf("%w: unknown symbol %s", apperr.ErrInvalidOrder, req.Symbol)
	}
	if !req.Side.Valid() {
		return Execution{}, fmt.Errorf("%w: invalid side %q", apperr.ErrInvalidOrder, req.Side)
	}
	if !req.Lot.GreaterThan(decimal.Zero) {
		return Execution{}, fmt.Errorf("%w: lot must be positive", apperr.ErrInvalidOrder)
	}
	if !q.Valid() {
		return Execution{}, fmt.Errorf("%w: %s", apperr.ErrNoLiveFeed, inst.Symbol)
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = s.DefaultLeverage
	}
	if leverage <= 0 {
		leverage = 100
	}

	pips := s.SpreadPipsFor(inst.Symbol)
	half := pips.Mul(inst.PipSize).Div(two)
	var entry decimal.Decimal
	if req.Side == types.OrderSideBuy {
		entry = q.Ask.Add(half)
	} else {
		entry = q.Bid.Sub(half)
	}
	entry = entry.Round(inst.Digits)
	if !entry.GreaterThan(decimal.Zero) {
		return Execution{}, fmt.Errorf("%w: %s spread exceeds price", apperr.ErrNoLiveFeed, inst.Symbol)
	}

	units := req.Lot.Mul(inst.ContractSize)
	notional := units.Mul(entry)
	cfg := s.ChargeFor(inst.Segment)
	charge := chargeAmount(cfg, req.Lot, notional)
	spreadCost := pips.Mul(inst.PipSize).Mul(units).Round(2)

	return Execution{
		Symbol:       inst.Symbol,
		Side:         req.Side,
		Lot:          req.Lot,
		EntryPrice:   entry,
		Notional:     notional.Round(2),
		Margin:       notional.Div(decimal.NewFromInt(int64(leverage))).Round(2),
		ContractSize: inst.ContractSize,
		Leverage:     leverage,
		Charges: model.Charges{
			SpreadPips:   pips,
			SpreadCost:   spreadCost,
			ChargeType:   cfg.Type,
			ChargeAmount: charge,
			TotalCharges: spreadCost.Add(charge),
		},
	}, nil
}

func chargeAmount(cfg ChargeConfig, lot, notional decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch cfg.Type {
	case types.ChargeTypePerLot:
		amount = cfg.Rate.Mul(lot)
	case types.ChargeTypePerExecution:
		amount = cfg.Rate
	case types.ChargeTypePercentage:
		amount = notional.Mul(cfg.Rate).Div(hundred)
	default:
		return decimal.Zero
	}
	if cfg.Min.GreaterThan(decimal.Zero) && amount.LessThan(cfg.Min) {
		amount = cfg.Min
	}
	if cfg.Max.GreaterThan(decimal.Zero) && amount.GreaterThan(cfg.Max) {
		amount = cfg.Max
	}
	return amount.Round(2)
}
