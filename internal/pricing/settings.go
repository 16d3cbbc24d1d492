package pricing

import (
	"errors"
	"fmt"
	"strings"

	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Instrument struct {
	Symbol       string          `yaml:"symbol" json:"symbol"`
	Segment      string          `yaml:"segment" json:"segment"`
	ContractSize decimal.Decimal `yaml:"contract_size" json:"contract_size"`
	PipSize      decimal.Decimal `yaml:"pip_size" json:"pip_size"`
	Digits       int32           `yaml:"digits" json:"digits"`
	MaxLot       decimal.Decimal `yaml:"max_lot" json:"max_lot"`
}

// ChargeConfig describes the commission for one execution. Rate is a money
// amount for per_lot and per_execution, and a percent of notional for
// percentage. Min and Max clamp the result when positive.
type ChargeConfig struct {
	Type types.ChargeType `yaml:"type" json:"type"`
	Rate decimal.Decimal  `yaml:"rate" json:"rate"`
	Min  decimal.Decimal  `yaml:"min" json:"min"`
	Max  decimal.Decimal  `yaml:"max" json:"max"`
}

// Settings is an immutable snapshot of the trading configuration. A new
// snapshot replaces the old one as a whole; nothing mutates it in place.
type Settings struct {
	SpreadPips       decimal.Decimal            `yaml:"spread_pips" json:"spread_pips"`
	SymbolSpreadPips map[string]decimal.Decimal `yaml:"symbol_spread_pips" json:"symbol_spread_pips"`
	Charges          ChargeConfig               `yaml:"charges" json:"charges"`
	SegmentCharges   map[string]ChargeConfig    `yaml:"segment_charges" json:"segment_charges"`
	DefaultLeverage  int                        `yaml:"default_leverage" json:"default_leverage"`
	Instruments      []Instrument               `yaml:"instruments" json:"instruments"`
}

var MinLot = decimal.RequireFromString("0.01")

func DefaultSettings() Settings {
	return Settings{
		SpreadPips: decimal.NewFromInt(1),
		SymbolSpreadPips: map[string]decimal.Decimal{
			"XAUUSD": decimal.NewFromInt(20),
			"BTCUSD": decimal.NewFromInt(15),
		},
		Charges: ChargeConfig{Type: types.ChargeTypePerLot, Rate: decimal.NewFromInt(7)},
		SegmentCharges: map[string]ChargeConfig{
			"crypto": {Type: types.ChargeTypePercentage, Rate: decimal.RequireFromString("0.05"), Min: decimal.NewFromInt(1)},
		},
		DefaultLeverage: 100,
		Instruments: []Instrument{
			{Symbol: "XAUUSD", Segment: "metals", ContractSize: decimal.NewFromInt(100), PipSize: decimal.RequireFromString("0.01"), Digits: 2, MaxLot: decimal.NewFromInt(50)},
			{Symbol: "EURUSD", Segment: "forex", ContractSize: decimal.NewFromInt(100000), PipSize: decimal.RequireFromString("0.0001"), Digits: 5, MaxLot: decimal.NewFromInt(100)},
			{Symbol: "GBPUSD", Segment: "forex", ContractSize: decimal.NewFromInt(100000), PipSize: decimal.RequireFromString("0.0001"), Digits: 5, MaxLot: decimal.NewFromInt(100)},
			{Symbol: "BTCUSD", Segment: "crypto", ContractSize: decimal.NewFromInt(1), PipSize: decimal.NewFromInt(1), Digits: 2, MaxLot: decimal.NewFromInt(20)},
		},
	}
}

func (s Settings) Instrument(symbol string) (Instrument, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, in := range s.Instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return Instrument{}, false
}

func (s Settings) Symbols() []string {
	out := make([]string, 0, len(s.Instruments))
	for _, in := range s.Instruments {
		out = append(out, in.Symbol)
	}
	return out
}

func (s Settings) SpreadPipsFor(symbol string) decimal.Decimal {
	if v, ok := s.SymbolSpreadPips[symbol]; ok {
		return v
	}
	return s.SpreadPips
}

func (s Settings) ChargeFor(segment string) ChargeConfig {
	if c, ok := s.SegmentCharges[segment]; ok {
		return c
	}
	return s.Charges
}

func (s Settings) Validate() error {
	if len(s.Instruments) == 0 {
		return errors.New("at least one instrument is required")
	}
	if s.SpreadPips.IsNegative() {
		return errors.New("spread_pips must not be negative")
	}
	seen := make(map[string]bool, len(s.Instruments))
	for _, in := range s.Instruments {
		if in.Symbol == "" {
			return errors.New("instrument symbol is required")
		}
		if seen[in.Symbol] {
			return fmt.Errorf("duplicate instrument %s", in.Symbol)
		}
		seen[in.Symbol] = true
		if !in.ContractSize.GreaterThan(decimal.Zero) || !in.PipSize.GreaterThan(decimal.Zero) {
			return fmt.Errorf("instrument %s needs positive contract_size and pip_size", in.Symbol)
		}
		if in.Digits <= 0 {
			return fmt.Errorf("instrument %s needs digits > 0", in.Symbol)
		}
		if !in.PipSize.Round(in.Digits).Equal(in.PipSize) {
			return fmt.Errorf("instrument %s pip_size %s is finer than %d digits", in.Symbol, in.PipSize, in.Digits)
		}
	}
	for symbol, pips := range s.SymbolSpreadPips {
		if pips.IsNegative() {
			return fmt.Errorf("spread for %s must not be negative", symbol)
		}
	}
	if err := s.Charges.validate(); err != nil {
		return err
	}
	for segment, c := range s.SegmentCharges {
		if err := c.validate(); err != nil {
			return fmt.Errorf("segment %s: %w", segment, err)
		}
	}
	return nil
}

func (c ChargeConfig) validate() error {
	switch c.Type {
	case types.ChargeTypePerLot, types.ChargeTypePerExecution, types.ChargeTypePercentage:
	case "":
		if !c.Rate.IsZero() {
			return errors.New("charge type is required when rate is set")
		}
	default:
		return fmt.Errorf("unknown charge type %q", c.Type)
	}
	if c.Rate.IsNegative() || c.Min.IsNegative() || c.Max.IsNegative() {
		return errors.New("charge values must not be negative")
	}
	if c.Min.GreaterThan(decimal.Zero) && c.Max.GreaterThan(decimal.Zero) && c.Min.GreaterThan(c.Max) {
		return errors.New("charge min exceeds max")
	}
	return nil
}
