package pricing

import (
	"testing"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func gold(bid, ask string) model.Quote {
	return model.Quote{Symbol: "XAUUSD", Bid: d(bid), Ask: d(ask), ObservedAt: time.Now()}
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s got %s", want, got)
}

func TestCalculateBuy(t *testing.T) {
	exec, err := Calculate(Request{Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("1")}, gold("2625.00", "2625.50"), DefaultSettings())
	require.NoError(t, err)

	assertDec(t, "2625.60", exec.EntryPrice)
	assertDec(t, "2625.60", exec.Margin)
	assert.Equal(t, 100, exec.Leverage)
	assertDec(t, "20", exec.Charges.SpreadPips)
	assertDec(t, "20", exec.Charges.SpreadCost)
	assert.Equal(t, types.ChargeTypePerLot, exec.Charges.ChargeType)
	assertDec(t, "7", exec.Charges.ChargeAmount)
	assertDec(t, "27", exec.Charges.TotalCharges)
	assertDec(t, "2632.60", exec.Deduction())
}

func TestCalculateSell(t *testing.T) {
	exec, err := Calculate(Request{Symbol: "xauusd", Side: types.OrderSideSell, Lot: d("0.5"), Leverage: 50}, gold("2625.00", "2625.50"), DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", exec.Symbol)
	assertDec(t, "2624.90", exec.EntryPrice)
	// 0.5 * 100 * 2624.90 / 50
	assertDec(t, "2624.90", exec.Margin)
	assertDec(t, "10", exec.Charges.SpreadCost)
	assertDec(t, "3.5", exec.Charges.ChargeAmount)
}

func TestCalculateSymbolSpreadOverride(t *testing.T) {
	s := DefaultSettings()
	q := model.Quote{Symbol: "EURUSD", Bid: d("1.10000"), Ask: d("1.10010"), ObservedAt: time.Now()}

	exec, err := Calculate(Request{Symbol: "EURUSD", Side: types.OrderSideBuy, Lot: d("1")}, q, s)
	require.NoError(t, err)
	// global 1 pip spread, half a pip on top of the ask
	assertDec(t, "1.10015", exec.EntryPrice)
	assertDec(t, "10", exec.Charges.SpreadCost)

	s.SymbolSpreadPips = map[string]decimal.Decimal{"EURUSD": d("3")}
	exec, err = Calculate(Request{Symbol: "EURUSD", Side: types.OrderSideBuy, Lot: d("1")}, q, s)
	require.NoError(t, err)
	assertDec(t, "1.10025", exec.EntryPrice)
	assertDec(t, "30", exec.Charges.SpreadCost)
}

func TestChargeAmount(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ChargeConfig
		lot      string
		notional string
		want     string
	}{
		{"per lot", ChargeConfig{Type: types.ChargeTypePerLot, Rate: d("7")}, "2", "1000", "14"},
		{"per execution", ChargeConfig{Type: types.ChargeTypePerExecution, Rate: d("5")}, "3", "1000", "5"},
		{"percentage", ChargeConfig{Type: types.ChargeTypePercentage, Rate: d("0.1")}, "1", "50000", "50"},
		{"clamped to min", ChargeConfig{Type: types.ChargeTypePercentage, Rate: d("0.1"), Min: d("2")}, "1", "1000", "2"},
		{"clamped to max", ChargeConfig{Type: types.ChargeTypePerLot, Rate: d("7"), Max: d("20")}, "10", "1000", "20"},
		{"none", ChargeConfig{}, "1", "1000", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDec(t, tt.want, chargeAmount(tt.cfg, d(tt.lot), d(tt.notional)))
		})
	}
}

func TestCalculateSegmentCharge(t *testing.T) {
	q := model.Quote{Symbol: "BTCUSD", Bid: d("60000"), Ask: d("60010"), ObservedAt: time.Now()}
	exec, err := Calculate(Request{Symbol: "BTCUSD", Side: types.OrderSideBuy, Lot: d("1")}, q, DefaultSettings())
	require.NoError(t, err)

	assertDec(t, "60017.5", exec.EntryPrice)
	assert.Equal(t, types.ChargeTypePercentage, exec.Charges.ChargeType)
	// 0.05% of 60017.5
	assertDec(t, "30.01", exec.Charges.ChargeAmount)
}

func TestCalculateErrors(t *testing.T) {
	s := DefaultSettings()
	_, err := Calculate(Request{Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("1")}, model.Quote{}, s)
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	_, err = Calculate(Request{Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("1")}, gold("2626", "2625"), s)
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	_, err = Calculate(Request{Symbol: "DOGEUSD", Side: types.OrderSideBuy, Lot: d("1")}, gold("1", "1"), s)
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	_, err = Calculate(Request{Symbol: "XAUUSD", Side: "HOLD", Lot: d("1")}, gold("2625", "2625.5"), s)
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	_, err = Calculate(Request{Symbol: "XAUUSD", Side: types.OrderSideSell, Lot: d("0")}, gold("2625", "2625.5"), s)
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.Charges = ChargeConfig{Type: "bogus"}
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.Instruments = append(s.Instruments, s.Instruments[0])
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.SegmentCharges = map[string]ChargeConfig{"forex": {Type: types.ChargeTypePerLot, Rate: d("1"), Min: d("5"), Max: d("2")}}
	assert.Error(t, s.Validate())

	assert.Error(t, Settings{}.Validate())

	s = DefaultSettings()
	s.Instruments[1].Digits = 0
	assert.EqualError(t, s.Validate(), "instrument EURUSD needs digits > 0")

	s = DefaultSettings()
	s.Instruments[1].Digits = 2
	assert.ErrorContains(t, s.Validate(), "pip_size 0.0001 is finer than 2 digits")

	s = DefaultSettings()
	s.Instruments[1].Digits = 4
	assert.NoError(t, s.Validate())
}
