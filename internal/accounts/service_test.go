package accounts

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/orders"
	"lv-propdesk/internal/store/memstore"
	"lv-propdesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newService(t *testing.T) (*Service, *orders.Service, *marketdata.QuoteBook) {
	t.Helper()
	st := memstore.New()
	book := marketdata.NewQuoteBook(nil)
	log := zerolog.New(&bytes.Buffer{})
	ord := orders.NewService(orders.Deps{
		Store:    st,
		Quotes:   book,
		Settings: config.NewSettingsHolder(config.DefaultTradingSettings()),
		Log:      log,
	})
	return NewService(st, ord, log), ord, book
}

func TestEnsureIsIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	refs := make([]model.FundingRef, 10)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := svc.Ensure(ctx, "u1")
			assert.NoError(t, err)
			refs[i] = w.Ref
		}(i)
	}
	wg.Wait()
	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}

	_, err := svc.Ensure(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	m, err := svc.Deposit(ctx, "u1", d("1500.25"), "bank-1")
	require.NoError(t, err)
	assert.Equal(t, "1500.25", m.Balance.String())

	_, err = svc.Deposit(ctx, "u1", d("0.001"), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)
	_, err = svc.Deposit(ctx, "u1", d("-5"), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	_, err = svc.Withdraw(ctx, "u1", d("1500.26"), "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	m, err = svc.Withdraw(ctx, "u1", d("500.25"), "payout-1")
	require.NoError(t, err)
	assert.Equal(t, "1000", m.Balance.String())

	_, err = svc.Withdraw(ctx, "u9", d("1"), "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	entries, err := svc.Ledger(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.LedgerEntryDeposit, entries[0].Type)
	assert.Equal(t, types.LedgerEntryWithdraw, entries[1].Type)
	assert.Equal(t, "payout-1", entries[1].TradeID)
	require.NoError(t, ledger.Verify(entries))
}

func TestWithdrawLimitedByFreeMargin(t *testing.T) {
	svc, ord, book := newService(t)
	ctx := context.Background()
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2000"), Ask: d("2000.5"), ObservedAt: time.Now()}))

	w, err := svc.Ensure(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "u1", d("10000"), "")
	require.NoError(t, err)
	_, err = ord.Open(ctx, orders.OpenRequest{UserID: "u1", Ref: w.Ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("1")})
	require.NoError(t, err)

	// balance 7992.40, floating -60, margin 2000.60: free margin 5931.80
	_, err = svc.Withdraw(ctx, "u1", d("5931.81"), "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	m, err := svc.Withdraw(ctx, "u1", d("5931.80"), "")
	require.NoError(t, err)
	assert.Equal(t, "2060.6", m.Balance.String())

	wallet, err := svc.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, wallet.FreeMargin.IsZero())
	assert.Equal(t, 1, wallet.OpenTrades)
}

func TestSetLeverage(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.SetLeverage(ctx, "u1", 3)
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	fs, err := svc.SetLeverage(ctx, "u1", 500)
	require.NoError(t, err)
	assert.Equal(t, 500, fs.Leverage)
}
