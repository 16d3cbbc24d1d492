package challenge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/store/memstore"
	"lv-propdesk/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recorder) Publish(subject string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	pub     *recorder
	metrics *observability.Metrics
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), pub: &recorder{}, metrics: observability.NewMetrics(nil), clock: day1}
	settings := config.NewSettingsHolder(config.DefaultTradingSettings())
	f.svc = NewService(f.store, settings, f.metrics, f.pub, zerolog.New(&bytes.Buffer{}))
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) settle(t *testing.T, id, profit string, at time.Time) Outcome {
	t.Helper()
	var out Outcome
	err := f.store.WithFundingSource(context.Background(), store.ChallengeRef(id), func(tx store.Tx) error {
		fs := tx.FundingSource()
		fs.Balance = fs.Balance.Add(d(profit))
		fs.Revalue(fs.Margin, fs.FloatingProfit)
		ledger.Post(tx, "t", types.LedgerEntryPnL, d(profit), at)
		var err error
		out, err = f.svc.Dispatch(tx, TradeClosed{Trade: ClosedTrade{TradeID: "t", Profit: d(profit), ClosedAt: at}}, at)
		return err
	})
	require.NoError(t, err)
	f.svc.Announce(out)
	return out
}

func TestPurchaseCreatesWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, err := f.svc.Purchase(ctx, "u1", "classic-100k")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusEvaluation, acc.Status)
	assert.True(t, d("100000").Equal(acc.Balance))

	w, err := f.store.WalletByUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	_, err = f.svc.Purchase(ctx, "u1", "classic-100k")
	require.NoError(t, err, "a second purchase reuses the wallet")

	_, err = f.svc.Purchase(ctx, "u1", "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := f.svc.Get(ctx, "u1", acc.ID())
	require.NoError(t, err)
	assert.Equal(t, acc.ID(), got.ID())
	_, err = f.svc.Get(ctx, "u2", acc.ID())
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	list, err := f.svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDispatchFundsAndRefundsWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Purchase(ctx, "u1", "starter-10k")
	require.NoError(t, err)
	// starter-10k carries no refund; give it one for this test
	require.NoError(t, f.store.WithFundingSource(ctx, acc.Ref, func(tx store.Tx) error {
		tx.Challenge().Rules.RefundPercent = d("50")
		return nil
	}))

	f.settle(t, acc.ID(), "400", day1)
	f.settle(t, acc.ID(), "400", day1.Add(24*time.Hour))
	out := f.settle(t, acc.ID(), "300", day1.Add(48*time.Hour))

	require.Equal(t, TransitionFunded, out.Transition)
	assert.Equal(t, "49.5", out.Refund.String())

	w, err := f.store.WalletByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "49.5", w.Balance.String())

	got, err := f.svc.Get(ctx, "u1", acc.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusFunded, got.Status)
	assert.Contains(t, f.pub.subjects, "propdesk.events.challenge.funded")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChallengeMoves.WithLabelValues("funded")))
}

func TestDispatchIgnoresWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateWallet(ctx, model.FundingSource{Ref: store.WalletRef("w1"), UserID: "u1"}))
	err := f.store.WithFundingSource(ctx, store.WalletRef("w1"), func(tx store.Tx) error {
		out, err := f.svc.Dispatch(tx, TradeClosed{}, day1)
		assert.Equal(t, TransitionIgnored, out.Transition)
		return err
	})
	require.NoError(t, err)
}

func TestRecordPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Purchase(ctx, "u1", "classic-100k")
	require.NoError(t, err)

	_, err = f.svc.RecordPayout(ctx, "u1", acc.ID(), d("100"))
	assert.ErrorIs(t, err, apperr.ErrAccountInactive)

	_, err = f.svc.SetStatus(ctx, acc.ID(), types.ChallengeStatusFunded, "")
	require.NoError(t, err)
	f.settle(t, acc.ID(), "5000", day1)

	_, err = f.svc.RecordPayout(ctx, "u2", acc.ID(), d("100"))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.RecordPayout(ctx, "u1", acc.ID(), d("5000.01"))
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	_, err = f.svc.RecordPayout(ctx, "u1", acc.ID(), d("0"))
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	p, err := f.svc.RecordPayout(ctx, "u1", acc.ID(), d("4000"))
	require.NoError(t, err)
	assert.Equal(t, "3200", p.TraderShare.String())

	got, err := f.svc.Get(ctx, "u1", acc.ID())
	require.NoError(t, err)
	assert.True(t, d("101000").Equal(got.Balance))
	require.Len(t, got.PayoutHistory, 1)

	w, err := f.store.WalletByUser(ctx, "u1")
	require.NoError(t, err)
	// 549 refund from the admin funding plus the trader share
	assert.Equal(t, "3749", w.Balance.String())

	entries, err := f.store.LedgerEntries(ctx, acc.Ref, 0)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Purchase(ctx, "u1", "classic-100k")
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, acc.ID(), types.ChallengeStatusEvaluation, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOrder)

	got, err := f.svc.SetStatus(ctx, acc.ID(), types.ChallengeStatusBreached, "")
	require.NoError(t, err)
	assert.Equal(t, types.BreachAdminOverride, got.BreachReason)
	assert.Equal(t, "set by administrator", got.BreachDetails)

	_, err = f.svc.SetStatus(ctx, acc.ID(), types.ChallengeStatusFunded, "")
	assert.ErrorIs(t, err, apperr.ErrAccountInactive)

	_, err = f.svc.SetStatus(ctx, "missing", types.ChallengeStatusExpired, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, f.pub.subjects, "propdesk.events.challenge.breached")
}

func TestExpireInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle, err := f.svc.Purchase(ctx, "u1", "starter-10k")
	require.NoError(t, err)
	slow, err := f.svc.Purchase(ctx, "u2", "classic-100k")
	require.NoError(t, err)
	busy, err := f.svc.Purchase(ctx, "u3", "starter-10k")
	require.NoError(t, err)
	require.NoError(t, f.store.WithFundingSource(ctx, busy.Ref, func(tx store.Tx) error {
		tx.InsertTrade(model.Trade{ID: "open", UserID: "u3", Status: types.TradeStatusOpen, OpenedAt: day1})
		return nil
	}))

	f.clock = day1.Add(31 * 24 * time.Hour)
	res, err := f.svc.ExpireInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.TimedOut)

	got, err := f.svc.Get(ctx, "", idle.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusExpired, got.Status)
	got, err = f.svc.Get(ctx, "", slow.ID())
	require.NoError(t, err)
	assert.Equal(t, types.BreachPhaseTimeLimit, got.BreachReason)
	got, err = f.svc.Get(ctx, "", busy.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeStatusEvaluation, got.Status)
}
