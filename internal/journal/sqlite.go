// Package journal keeps an append-only SQLite record of closed trades and
// the equity figures seen by the liquidation sweep. It is a reporting copy;
// the store remains the source of truth.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const Schema = `
CREATE TABLE IF NOT EXISTS closings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id      TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	funding_ref   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	lot           TEXT NOT NULL,
	entry_price   TEXT NOT NULL,
	close_price   TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL,
	capped_loss   TEXT NOT NULL,
	margin_freed  TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL,
	opened_at     TIMESTAMP NOT NULL,
	closed_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS closings_ref ON closings (funding_ref, closed_at);

CREATE TABLE IF NOT EXISTS equity (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	funding_ref  TEXT NOT NULL,
	balance      TEXT NOT NULL,
	equity       TEXT NOT NULL,
	margin       TEXT NOT NULL,
	margin_level TEXT NOT NULL,
	floating     TEXT NOT NULL,
	stop_out     INTEGER NOT NULL,
	at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS equity_ref ON equity (funding_ref, at);
`

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordClose(ctx context.Context, c model.Closing) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO closings
		(trade_id, user_id, funding_ref, symbol, side, lot, entry_price, close_price, realized_pnl,
		 capped_loss, margin_freed, balance_after, status, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TradeID, c.UserID, c.FundingRef.String(), c.Symbol, string(c.Side), c.Lot.String(),
		c.EntryPrice.String(), c.ClosePrice.String(), c.RealizedPnL.String(), c.CappedLoss.String(),
		c.MarginFreed.String(), c.BalanceAfter.String(), string(c.Status), string(c.Reason),
		c.OpenedAt.UTC(), c.ClosedAt.UTC(),
	)
	return err
}

func (j *SQLite) RecordEquity(ctx context.Context, e model.EquitySnapshot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO equity
		(funding_ref, balance, equity, margin, margin_level, floating, stop_out, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Ref.String(), e.Balance.String(), e.Equity.String(), e.Margin.String(),
		e.MarginLevel.String(), e.FloatingProfit.String(), e.StopOut, e.At.UTC(),
	)
	return err
}

// Closings returns the latest closes of a funding source, newest first.
func (j *SQLite) Closings(ctx context.Context, ref model.FundingRef, limit int) ([]model.Closing, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT trade_id, user_id, symbol, side, lot, entry_price, close_price, realized_pnl,
		       capped_loss, margin_freed, balance_after, status, reason, opened_at, closed_at
		FROM closings WHERE funding_ref = ? ORDER BY id DESC LIMIT ?`, ref.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Closing
	for rows.Next() {
		var c model.Closing
		var side, status, reason string
		var lot, entry, closePrice, realized, capped, freed, bal string
		var openedAt, closedAt time.Time
		if err := rows.Scan(&c.TradeID, &c.UserID, &c.Symbol, &side, &lot, &entry, &closePrice, &realized,
			&capped, &freed, &bal, &status, &reason, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		c.FundingRef = ref
		c.Side = types.OrderSide(side)
		c.Status = types.TradeStatus(status)
		c.Reason = types.CloseReason(reason)
		c.OpenedAt, c.ClosedAt = openedAt.UTC(), closedAt.UTC()
		if err := parseAll(
			[]string{lot, entry, closePrice, realized, capped, freed, bal},
			[]*decimal.Decimal{&c.Lot, &c.EntryPrice, &c.ClosePrice, &c.RealizedPnL, &c.CappedLoss, &c.MarginFreed, &c.BalanceAfter},
		); err != nil {
			return nil, fmt.Errorf("closing %s: %w", c.TradeID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Equity returns equity snapshots of a funding source, oldest first.
func (j *SQLite) Equity(ctx context.Context, ref model.FundingRef, since time.Time) ([]model.EquitySnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT balance, equity, margin, margin_level, floating, stop_out, at
		FROM equity WHERE funding_ref = ? AND at >= ? ORDER BY at, id`, ref.String(), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EquitySnapshot
	for rows.Next() {
		var s model.EquitySnapshot
		var bal, eq, margin, level, floating string
		if err := rows.Scan(&bal, &eq, &margin, &level, &floating, &s.StopOut, &s.At); err != nil {
			return nil, err
		}
		s.Ref = ref
		s.At = s.At.UTC()
		if err := parseAll(
			[]string{bal, eq, margin, level, floating},
			[]*decimal.Decimal{&s.Balance, &s.Equity, &s.Margin, &s.MarginLevel, &s.FloatingProfit},
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseAll(raw []string, dst []*decimal.Decimal) error {
	for i, r := range raw {
		v, err := decimal.NewFromString(r)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

func (j *SQLite) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
