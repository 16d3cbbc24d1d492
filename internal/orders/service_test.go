package orders

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/challenge"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/store/memstore"
	"lv-propdesk/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type recorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recorder) Publish(subject string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

type memJournal struct {
	mu       sync.Mutex
	closings []model.Closing
}

func (j *memJournal) RecordClose(_ context.Context, c model.Closing) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closings = append(j.closings, c)
	return nil
}

type fixture struct {
	svc        *Service
	challenges *challenge.Service
	store      *memstore.Store
	book       *marketdata.QuoteBook
	pub        *recorder
	journal    *memJournal
	metrics    *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		book:    marketdata.NewQuoteBook(nil),
		pub:     &recorder{},
		journal: &memJournal{},
		metrics: observability.NewMetrics(nil),
	}
	log := zerolog.New(&bytes.Buffer{})
	settings := config.NewSettingsHolder(config.DefaultTradingSettings())
	f.challenges = challenge.NewService(f.store, settings, f.metrics, f.pub, log)
	f.svc = NewService(Deps{
		Store:      f.store,
		Quotes:     f.book,
		Settings:   settings,
		Challenges: f.challenges,
		Journal:    f.journal,
		Notifier:   f.pub,
		Metrics:    f.metrics,
		Log:        log,
	})
	f.svc.now = func() time.Time { return clock }
	f.quote(t, "XAUUSD", "2000", "2000.5")
	return f
}

func (f *fixture) quote(t *testing.T, symbol, bid, ask string) {
	t.Helper()
	require.NoError(t, f.book.Set(model.Quote{Symbol: symbol, Bid: d(bid), Ask: d(ask), ObservedAt: time.Now()}))
}

func (f *fixture) wallet(t *testing.T, user, balance string) model.FundingRef {
	t.Helper()
	ref := store.WalletRef("w-" + user)
	require.NoError(t, f.store.CreateWallet(context.Background(), model.FundingSource{Ref: ref, UserID: user, Currency: "USD", Balance: d(balance)}))
	return ref
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	w, err := f.store.WalletByUser(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) buyGold(t *testing.T, user string, ref model.FundingRef, lot string) model.Trade {
	t.Helper()
	res, err := f.svc.Open(context.Background(), OpenRequest{UserID: user, Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d(lot)})
	require.NoError(t, err)
	return res.Trade
}

func TestOpenReservesMarginAndCharges(t *testing.T) {
	f := newFixture(t)
	ref := f.wallet(t, "u1", "10000")

	res, err := f.svc.Open(context.Background(), OpenRequest{
		UserID: "u1", Ref: ref, Symbol: "xauusd", Side: types.OrderSideBuy, Lot: d("1"),
		StopLoss: ptr("1990"), TakeProfit: ptr("2050"),
	})
	require.NoError(t, err)

	// ask 2000.50 plus half of the 20 pip spread
	assert.Equal(t, "2000.6", res.ExecutionPrice.String())
	assert.Equal(t, "2000.6", res.Trade.Margin.String())
	assert.Equal(t, "7", res.Charges.ChargeAmount.String())
	assert.Equal(t, "20", res.Charges.SpreadCost.String())
	assert.Equal(t, types.TradeStatusOpen, res.Trade.Status)
	assert.Equal(t, ref, res.Trade.FundingRef)
	assert.Equal(t, 100, res.Trade.Leverage)

	m, err := f.svc.AccountMetrics(context.Background(), "u1", ref)
	require.NoError(t, err)
	assert.Equal(t, "7992.4", m.Balance.String())
	assert.Equal(t, "-60", m.FloatingProfit.String())
	assert.Equal(t, "7932.4", m.Equity.String())
	assert.Equal(t, "5931.8", m.FreeMargin.String())
	assert.Equal(t, 1, m.OpenTrades)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TradesOpened.WithLabelValues("XAUUSD", "BUY")))

	entries, err := f.store.LedgerEntries(context.Background(), ref, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.LedgerEntryMarginReserve, entries[0].Type)
	assert.Equal(t, types.LedgerEntryCharge, entries[1].Type)
	require.NoError(t, ledger.Verify(entries))
}

func TestAccountMetricsWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "10000")
	f.buyGold(t, "u1", ref, "1")
	f.quote(t, "XAUUSD", "2010", "2010.5")

	before, err := f.store.GetFundingSource(ctx, ref)
	require.NoError(t, err)
	entries, err := f.store.LedgerEntries(ctx, ref, 0)
	require.NoError(t, err)

	// a sweep or order holding the account must not block a snapshot
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.store.WithFundingSource(ctx, ref, func(tx store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	m, err := f.svc.AccountMetrics(tctx, "u1", ref)
	close(release)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, "7992.4", m.Balance.String())
	assert.Equal(t, "940", m.FloatingProfit.String())
	assert.Equal(t, "8932.4", m.Equity.String())
	assert.Equal(t, "2000.6", m.Margin.String())
	assert.Equal(t, 0, m.Unpriced)

	after, err := f.store.GetFundingSource(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	again, err := f.store.LedgerEntries(ctx, ref, 0)
	require.NoError(t, err)
	assert.Len(t, again, len(entries))

	_, err = f.svc.AccountMetrics(ctx, "u2", ref)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.AccountMetrics(ctx, "u1", store.WalletRef("missing"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOpenRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "1000")
	f.wallet(t, "u2", "100000")

	_, err := f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("1")})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.True(t, d("1000").Equal(f.balance(t, "u1")))

	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("0.1"), StopLoss: ptr("2001")})
	assert.ErrorIs(t, err, apperr.ErrInvalidStopLevel)
	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideSell, Lot: d("0.1"), TakeProfit: ptr("2001")})
	assert.ErrorIs(t, err, apperr.ErrInvalidStopLevel)

	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("0.005")})
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)
	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: "HOLD", Lot: d("0.1")})
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)
	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "DOGEUSD", Side: types.OrderSideBuy, Lot: d("0.1")})
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "EURUSD", Side: types.OrderSideBuy, Lot: d("0.1")})
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrderRejected.WithLabelValues("no_live_feed")))

	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u2", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("0.1")})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	entries, err := f.store.LedgerEntries(ctx, ref, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPartialThenFullClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "10000")
	tr := f.buyGold(t, "u1", ref, "1")
	f.quote(t, "XAUUSD", "2010", "2010.5")

	c, err := f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID, Lot: ptr("0.4")})
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusPartial, c.Status)
	assert.Equal(t, "376", c.RealizedPnL.String())
	assert.Equal(t, "800.24", c.MarginFreed.String())
	assert.Equal(t, "9168.64", c.BalanceAfter.String())

	got, err := f.svc.Get(ctx, "u1", tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.6", got.RemainingLot().String())
	assert.Equal(t, "1200.36", got.Margin.String())
	assert.Nil(t, got.ClosedAt)

	_, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID, Lot: ptr("0.7")})
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	c, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusClosed, c.Status)
	assert.Equal(t, "564", c.RealizedPnL.String())
	assert.True(t, d("10933").Equal(f.balance(t, "u1")))

	got, err = f.svc.Get(ctx, "u1", tr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CloseReasonManual, got.CloseReason)
	assert.Equal(t, types.SessionLondon, got.Session)
	assert.True(t, got.Margin.IsZero())
	assert.Equal(t, "940", got.RealizedPnL.String())
	require.NotNil(t, got.ClosePrice)
	assert.Equal(t, "2010", got.ClosePrice.String())

	assert.Len(t, f.journal.closings, 2)
	assert.Contains(t, f.pub.subjects, "propdesk.events.trade.closed")

	m, err := f.svc.AccountMetrics(ctx, "u1", ref)
	require.NoError(t, err)
	assert.True(t, m.Margin.IsZero())
	assert.True(t, m.Equity.Equal(m.Balance))
}

func TestCloseTwiceCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "10000")
	tr := f.buyGold(t, "u1", ref, "1")

	_, err := f.svc.Close(ctx, CloseRequest{UserID: "u2", TradeID: tr.ID})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	require.NoError(t, err)
	after := f.balance(t, "u1")

	_, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	assert.ErrorIs(t, err, apperr.ErrTradeAlreadyClosed)
	assert.True(t, after.Equal(f.balance(t, "u1")))

	_, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: "missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLossIsCappedAtAvailableFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "2100")
	tr := f.buyGold(t, "u1", ref, "1")
	f.quote(t, "XAUUSD", "1970", "1970.5")

	c, err := f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	require.NoError(t, err)
	assert.Equal(t, "-2093", c.RealizedPnL.String())
	assert.Equal(t, "967", c.CappedLoss.String())
	assert.True(t, f.balance(t, "u1").IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LossCapped))

	entries, err := f.store.LedgerEntries(ctx, ref, 0)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
	last := entries[len(entries)-1]
	assert.Equal(t, types.LedgerEntryLossCap, last.Type)
	assert.True(t, last.BalanceAfter.IsZero())
}

func TestModify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "10000")
	tr := f.buyGold(t, "u1", ref, "1")

	got, err := f.svc.Modify(ctx, ModifyRequest{UserID: "u1", TradeID: tr.ID, StopLoss: ptr("1990"), TakeProfit: ptr("2100")})
	require.NoError(t, err)
	require.NotNil(t, got.StopLoss)
	assert.Equal(t, "1990", got.StopLoss.String())

	_, err = f.svc.Modify(ctx, ModifyRequest{UserID: "u1", TradeID: tr.ID, StopLoss: ptr("2100")})
	assert.ErrorIs(t, err, apperr.ErrInvalidStopLevel)

	got, err = f.svc.Modify(ctx, ModifyRequest{UserID: "u1", TradeID: tr.ID, ClearTakeProfit: true})
	require.NoError(t, err)
	assert.Nil(t, got.TakeProfit)
	assert.Equal(t, "1990", got.StopLoss.String())

	_, err = f.svc.Modify(ctx, ModifyRequest{UserID: "u2", TradeID: tr.ID})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	require.NoError(t, err)
	_, err = f.svc.Modify(ctx, ModifyRequest{UserID: "u1", TradeID: tr.ID, StopLoss: ptr("1980")})
	assert.ErrorIs(t, err, apperr.ErrTradeAlreadyClosed)
}

func TestConcurrentOpensNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "10000")

	// each 0.5 lot open takes 1000.30 margin plus 3.50 charge
	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("0.5")})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
				rejected++
				return
			}
			opened++
		}()
	}
	wg.Wait()
	assert.Equal(t, 9, opened)
	assert.Equal(t, 11, rejected)
	assert.Equal(t, "965.8", f.balance(t, "u1").String())

	f.quote(t, "XAUUSD", "1500", "1500.5")
	open, err := f.svc.List(ctx, "u1", ref, "open", 0)
	require.NoError(t, err)
	for _, tr := range open {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: id})
			assert.NoError(t, err)
		}(tr.ID)
	}
	wg.Wait()
	assert.False(t, f.balance(t, "u1").IsNegative())

	entries, err := f.store.LedgerEntries(ctx, ref, 0)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
}

func TestCloseAllByScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.wallet(t, "u1", "100000")
	f.buyGold(t, "u1", ref, "1")
	_, err := f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: ref, Symbol: "XAUUSD", Side: types.OrderSideSell, Lot: d("1")})
	require.NoError(t, err)
	f.quote(t, "XAUUSD", "2010", "2010.5")

	_, err = f.svc.CloseAll(ctx, "u1", ref, "winners")
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	res, err := f.svc.CloseAll(ctx, "u1", ref, "profit")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, types.OrderSideBuy, res.Closings[0].Side)

	res, err = f.svc.CloseAll(ctx, "u1", ref, "")
	require.NoError(t, err)
	assert.Equal(t, "all", res.Scope)
	assert.Equal(t, 1, res.Closed)

	open, err := f.svc.List(ctx, "u1", ref, "open", 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestChallengeCloseEvaluatedInSameUnitOfWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.challenges.Purchase(ctx, "u1", "starter-10k")
	require.NoError(t, err)

	tr := f.buyGold(t, "u1", acc.Ref, "1")
	assert.Equal(t, 50, tr.Leverage)
	assert.Equal(t, "4001.2", tr.Margin.String())
	f.quote(t, "XAUUSD", "1990", "1990.5")

	c, err := f.svc.Close(ctx, CloseRequest{UserID: "u1", TradeID: tr.ID})
	require.NoError(t, err)
	assert.Equal(t, "-1060", c.RealizedPnL.String())

	got, err := f.challenges.Get(ctx, "u1", acc.ID())
	require.NoError(t, err)
	assert.Equal(t, "8933", got.Balance.String())
	assert.Equal(t, types.ChallengeStatusBreached, got.Status)
	assert.Equal(t, types.BreachMaxTotalLoss, got.BreachReason)
	assert.Contains(t, f.pub.subjects, "propdesk.events.challenge.breached")

	_, err = f.svc.Open(ctx, OpenRequest{UserID: "u1", Ref: acc.Ref, Symbol: "XAUUSD", Side: types.OrderSideBuy, Lot: d("0.01")})
	assert.ErrorIs(t, err, apperr.ErrAccountInactive)
}
