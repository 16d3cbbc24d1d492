package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestSchemaCreated(t *testing.T) {
	t.Parallel()
	_, path := newTestSQLite(t)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('closings','equity')`)
	require.NoError(t, err)
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())
	assert.True(t, found["closings"])
	assert.True(t, found["equity"])
}

func TestRecordAndListClosings(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	ctx := context.Background()
	ref := store.WalletRef("w1")
	opened := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, pnl := range []string{"376", "-2093"} {
		require.NoError(t, j.RecordClose(ctx, model.Closing{
			TradeID:      "t1",
			UserID:       "u1",
			FundingRef:   ref,
			Symbol:       "XAUUSD",
			Side:         types.OrderSideBuy,
			Lot:          decimal.RequireFromString("0.4"),
			EntryPrice:   decimal.RequireFromString("2000.6"),
			ClosePrice:   decimal.RequireFromString("2010"),
			RealizedPnL:  decimal.RequireFromString(pnl),
			CappedLoss:   decimal.Zero,
			MarginFreed:  decimal.RequireFromString("800.24"),
			BalanceAfter: decimal.RequireFromString("9168.64"),
			Status:       types.TradeStatusPartial,
			Reason:       types.CloseReasonManual,
			OpenedAt:     opened,
			ClosedAt:     opened.Add(time.Duration(i+1) * time.Hour),
		}))
	}
	require.NoError(t, j.RecordClose(ctx, model.Closing{TradeID: "other", FundingRef: store.WalletRef("w2"), OpenedAt: opened, ClosedAt: opened}))

	got, err := j.Closings(ctx, ref, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "-2093", got[0].RealizedPnL.String())
	assert.Equal(t, "800.24", got[1].MarginFreed.String())
	assert.Equal(t, types.CloseReasonManual, got[1].Reason)
	assert.Equal(t, ref, got[1].FundingRef)
	assert.True(t, opened.Equal(got[1].OpenedAt))
}

func TestRecordEquity(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	ctx := context.Background()
	ref := store.ChallengeRef("c1")
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordEquity(ctx, model.EquitySnapshot{
		Ref: ref, Balance: decimal.NewFromInt(1000), Equity: decimal.NewFromInt(250), Margin: decimal.NewFromInt(500),
		MarginLevel: decimal.NewFromInt(50), FloatingProfit: decimal.NewFromInt(-750), StopOut: true, At: at,
	}))
	require.NoError(t, j.RecordEquity(ctx, model.EquitySnapshot{Ref: ref, At: at.Add(time.Minute)}))

	got, err := j.Equity(ctx, ref, at)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].StopOut)
	assert.Equal(t, "-750", got[0].FloatingProfit.String())
	assert.False(t, got[1].StopOut)

	got, err = j.Equity(ctx, ref, at.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, j.Ping(ctx))
}
