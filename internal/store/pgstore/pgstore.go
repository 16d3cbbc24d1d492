// Package pgstore is the PostgreSQL store. A unit of work is a serializable
// transaction holding the funding source row with SELECT ... FOR UPDATE.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const fundingColumns = "kind, id, user_id, currency, balance, equity, margin, free_margin, margin_level, floating_profit, leverage, created_at, updated_at"

const tradeColumns = "id, user_id, funding_kind, funding_id, symbol, side, lot, closed_lot, entry_price, close_price, stop_loss, take_profit, margin, contract_size, leverage, status, realized_pnl, floating_pnl, charges, close_reason, session, opened_at, closed_at"

const entryColumns = "ref, funding_kind, funding_id, trade_id, type, amount, balance_after, seq, prev_hash, hash, created_at"

func scanFunding(row pgx.Row) (model.FundingSource, error) {
	var f model.FundingSource
	var kind string
	err := row.Scan(&kind, &f.Ref.ID, &f.UserID, &f.Currency, &f.Balance, &f.Equity, &f.Margin, &f.FreeMargin, &f.MarginLevel, &f.FloatingProfit, &f.Leverage, &f.CreatedAt, &f.UpdatedAt)
	f.Ref.Kind = types.FundingKind(kind)
	return f, err
}

func scanTrade(row pgx.Row) (model.Trade, error) {
	var t model.Trade
	var kind, side, status, reason, session string
	var charges []byte
	err := row.Scan(&t.ID, &t.UserID, &kind, &t.FundingRef.ID, &t.Symbol, &side, &t.Lot, &t.ClosedLot, &t.EntryPrice, &t.ClosePrice, &t.StopLoss, &t.TakeProfit, &t.Margin, &t.ContractSize, &t.Leverage, &status, &t.RealizedPnL, &t.FloatingPnL, &charges, &reason, &session, &t.OpenedAt, &t.ClosedAt)
	if err != nil {
		return t, err
	}
	t.FundingRef.Kind = types.FundingKind(kind)
	t.Side = types.OrderSide(side)
	t.Status = types.TradeStatus(status)
	t.CloseReason = types.CloseReason(reason)
	t.Session = types.TradingSession(session)
	if err := json.Unmarshal(charges, &t.Charges); err != nil {
		return t, fmt.Errorf("trade %s charges: %w", t.ID, err)
	}
	return t, nil
}

func scanEntry(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind, typ string
	err := row.Scan(&e.Ref, &kind, &e.FundingRef.ID, &e.TradeID, &typ, &e.Amount, &e.BalanceAfter, &e.Seq, &e.PrevHash, &e.Hash, &e.CreatedAt)
	e.FundingRef.Kind = types.FundingKind(kind)
	e.Type = types.LedgerEntryType(typ)
	return e, err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) WithFundingSource(ctx context.Context, ref model.FundingRef, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	fs, err := scanFunding(tx.QueryRow(ctx, "select "+fundingColumns+" from funding_sources where kind = $1 and id = $2 for update", string(ref.Kind), ref.ID))
	if err != nil {
		return notFound(err, "funding source "+ref.String())
	}
	w := &pgTx{ctx: ctx, tx: tx, ref: ref, trades: map[string]*model.Trade{}, inserted: map[string]bool{}}
	if ref.Kind == types.FundingKindChallenge {
		c, err := loadChallenge(ctx, tx, ref.ID)
		if err != nil {
			return err
		}
		c.FundingSource = fs
		w.challenge = &c
		w.fs = &c.FundingSource
	} else {
		w.fs = &fs
	}
	last, err := lastEntry(ctx, tx, ref)
	if err != nil {
		return err
	}
	w.lastCommitted = last

	if err := fn(w); err != nil {
		return err
	}
	if w.err != nil {
		return w.err
	}
	if err := w.flush(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func loadChallenge(ctx context.Context, q pgx.Tx, id string) (model.ChallengeAccount, error) {
	var state []byte
	var c model.ChallengeAccount
	if err := q.QueryRow(ctx, "select state from challenge_accounts where id = $1", id).Scan(&state); err != nil {
		return c, notFound(err, "challenge "+id)
	}
	if err := json.Unmarshal(state, &c); err != nil {
		return c, fmt.Errorf("challenge %s state: %w", id, err)
	}
	return c, nil
}

func lastEntry(ctx context.Context, q pgx.Tx, ref model.FundingRef) (*model.LedgerEntry, error) {
	e, err := scanEntry(q.QueryRow(ctx, "select "+entryColumns+" from ledger_entries where funding_kind = $1 and funding_id = $2 order by seq desc limit 1", string(ref.Kind), ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type pendingCredit struct {
	walletID string
	amount   decimal.Decimal
	typ      types.LedgerEntryType
	tradeID  string
	at       time.Time
}

type pgTx struct {
	ctx           context.Context
	tx            pgx.Tx
	ref           model.FundingRef
	fs            *model.FundingSource
	challenge     *model.ChallengeAccount
	trades        map[string]*model.Trade
	inserted      map[string]bool
	loadedOpen    bool
	lastCommitted *model.LedgerEntry
	entries       []model.LedgerEntry
	credits       []pendingCredit
	// err keeps the first read failure of a method that cannot return one.
	err error
}

func (t *pgTx) FundingSource() *model.FundingSource { return t.fs }

func (t *pgTx) Challenge() *model.ChallengeAccount { return t.challenge }

func (t *pgTx) AppendEntry(e model.LedgerEntry) { t.entries = append(t.entries, e) }

func (t *pgTx) LastEntry() *model.LedgerEntry {
	if n := len(t.entries); n > 0 {
		return &t.entries[n-1]
	}
	return t.lastCommitted
}

func (t *pgTx) OpenTrades() []*model.Trade {
	if !t.loadedOpen {
		t.loadedOpen = true
		rows, err := t.tx.Query(t.ctx, "select "+tradeColumns+" from trades where funding_kind = $1 and funding_id = $2 and status in ('open','partial') for update", string(t.ref.Kind), t.ref.ID)
		if err != nil {
			t.err = err
			return nil
		}
		for rows.Next() {
			tr, err := scanTrade(rows)
			if err != nil {
				t.err = err
				break
			}
			if _, ok := t.trades[tr.ID]; !ok {
				t.trades[tr.ID] = &tr
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil && t.err == nil {
			t.err = err
		}
	}
	out := make([]*model.Trade, 0, len(t.trades))
	for _, tr := range t.trades {
		if tr.IsOpen() {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (t *pgTx) Trade(id string) (*model.Trade, error) {
	if tr, ok := t.trades[id]; ok {
		return tr, nil
	}
	tr, err := scanTrade(t.tx.QueryRow(t.ctx, "select "+tradeColumns+" from trades where id = $1 and funding_kind = $2 and funding_id = $3 for update", id, string(t.ref.Kind), t.ref.ID))
	if err != nil {
		return nil, notFound(err, "trade "+id)
	}
	t.trades[id] = &tr
	return &tr, nil
}

func (t *pgTx) InsertTrade(tr model.Trade) *model.Trade {
	tr.FundingRef = t.ref
	cp := tr
	t.trades[tr.ID] = &cp
	t.inserted[tr.ID] = true
	return &cp
}

func (t *pgTx) CreditWallet(userID string, amount decimal.Decimal, typ types.LedgerEntryType, tradeID string) error {
	if !amount.GreaterThan(decimal.Zero) {
		return nil
	}
	var id string
	err := t.tx.QueryRow(t.ctx, "select id from funding_sources where kind = 'wallet' and user_id = $1", userID).Scan(&id)
	if err != nil {
		return notFound(err, "wallet of user "+userID)
	}
	now := time.Now().UTC()
	if store.WalletRef(id) == t.ref {
		t.fs.Balance = t.fs.Balance.Add(amount)
		ledger.Post(t, tradeID, typ, amount, now)
		return nil
	}
	t.credits = append(t.credits, pendingCredit{walletID: id, amount: amount, typ: typ, tradeID: tradeID, at: now})
	return nil
}

func (t *pgTx) flush() error {
	ctx := t.ctx
	if err := updateFunding(ctx, t.tx, *t.fs); err != nil {
		return err
	}
	if t.challenge != nil {
		state, err := json.Marshal(t.challenge)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, "update challenge_accounts set status = $1, state = $2 where id = $3", string(t.challenge.Status), state, t.ref.ID); err != nil {
			return err
		}
	}
	ids := make([]string, 0, len(t.trades))
	for id := range t.trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := saveTrade(ctx, t.tx, *t.trades[id], t.inserted[id]); err != nil {
			return fmt.Errorf("save trade %s: %w", id, err)
		}
	}
	for _, e := range t.entries {
		if err := insertEntry(ctx, t.tx, e); err != nil {
			return err
		}
	}
	return t.applyCredits()
}

// applyCredits locks each credited wallet after the source row, the same
// order memstore uses.
func (t *pgTx) applyCredits() error {
	byWallet := map[string][]pendingCredit{}
	var walletIDs []string
	for _, c := range t.credits {
		if _, ok := byWallet[c.walletID]; !ok {
			walletIDs = append(walletIDs, c.walletID)
		}
		byWallet[c.walletID] = append(byWallet[c.walletID], c)
	}
	sort.Strings(walletIDs)
	for _, id := range walletIDs {
		ref := store.WalletRef(id)
		w, err := scanFunding(t.tx.QueryRow(t.ctx, "select "+fundingColumns+" from funding_sources where kind = 'wallet' and id = $1 for update", id))
		if err != nil {
			return notFound(err, "wallet "+id)
		}
		prev, err := lastEntry(t.ctx, t.tx, ref)
		if err != nil {
			return err
		}
		for _, c := range byWallet[id] {
			w.Balance = w.Balance.Add(c.amount)
			w.Revalue(w.Margin, w.FloatingProfit)
			w.UpdatedAt = c.at
			e := ledger.Next(prev, ref, c.tradeID, c.typ, c.amount, w.Balance, c.at)
			if err := insertEntry(t.ctx, t.tx, e); err != nil {
				return err
			}
			prev = &e
		}
		if err := updateFunding(t.ctx, t.tx, w); err != nil {
			return err
		}
	}
	return nil
}

func updateFunding(ctx context.Context, q pgx.Tx, f model.FundingSource) error {
	_, err := q.Exec(ctx, "update funding_sources set balance = $1, equity = $2, margin = $3, free_margin = $4, margin_level = $5, floating_profit = $6, leverage = $7, updated_at = $8 where kind = $9 and id = $10",
		f.Balance, f.Equity, f.Margin, f.FreeMargin, f.MarginLevel, f.FloatingProfit, f.Leverage, time.Now().UTC(), string(f.Ref.Kind), f.Ref.ID)
	return err
}

func saveTrade(ctx context.Context, q pgx.Tx, t model.Trade, insert bool) error {
	charges, err := json.Marshal(t.Charges)
	if err != nil {
		return err
	}
	if insert {
		_, err = q.Exec(ctx, "insert into trades ("+tradeColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)",
			t.ID, t.UserID, string(t.FundingRef.Kind), t.FundingRef.ID, t.Symbol, string(t.Side), t.Lot, t.ClosedLot, t.EntryPrice, t.ClosePrice, t.StopLoss, t.TakeProfit, t.Margin, t.ContractSize, t.Leverage, string(t.Status), t.RealizedPnL, t.FloatingPnL, charges, string(t.CloseReason), string(t.Session), t.OpenedAt, t.ClosedAt)
		return err
	}
	_, err = q.Exec(ctx, "update trades set closed_lot = $1, close_price = $2, stop_loss = $3, take_profit = $4, margin = $5, status = $6, realized_pnl = $7, floating_pnl = $8, charges = $9, close_reason = $10, session = $11, closed_at = $12 where id = $13",
		t.ClosedLot, t.ClosePrice, t.StopLoss, t.TakeProfit, t.Margin, string(t.Status), t.RealizedPnL, t.FloatingPnL, charges, string(t.CloseReason), string(t.Session), t.ClosedAt, t.ID)
	return err
}

func insertEntry(ctx context.Context, q pgx.Tx, e model.LedgerEntry) error {
	_, err := q.Exec(ctx, "insert into ledger_entries ("+entryColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)",
		e.Ref, string(e.FundingRef.Kind), e.FundingRef.ID, e.TradeID, string(e.Type), e.Amount, e.BalanceAfter, e.Seq, e.PrevHash, e.Hash, e.CreatedAt)
	return err
}

func insertFunding(ctx context.Context, q pgx.Tx, f model.FundingSource) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.Currency == "" {
		f.Currency = "USD"
	}
	_, err := q.Exec(ctx, "insert into funding_sources ("+fundingColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)",
		string(f.Ref.Kind), f.Ref.ID, f.UserID, f.Currency, f.Balance, f.Equity, f.Margin, f.FreeMargin, f.MarginLevel, f.FloatingProfit, f.Leverage, f.CreatedAt, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("funding source %s: %w", f.Ref, apperr.ErrConflict)
	}
	return err
}

func (s *Store) GetFundingSource(ctx context.Context, ref model.FundingRef) (model.FundingSource, error) {
	f, err := scanFunding(s.pool.QueryRow(ctx, "select "+fundingColumns+" from funding_sources where kind = $1 and id = $2", string(ref.Kind), ref.ID))
	return f, notFound(err, "funding source "+ref.String())
}

func (s *Store) CreateWallet(ctx context.Context, w model.FundingSource) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	w.Ref = store.WalletRef(w.Ref.ID)
	if err := insertFunding(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) WalletByUser(ctx context.Context, userID string) (model.FundingSource, error) {
	f, err := scanFunding(s.pool.QueryRow(ctx, "select "+fundingColumns+" from funding_sources where kind = 'wallet' and user_id = $1", userID))
	return f, notFound(err, "wallet of user "+userID)
}

func (s *Store) CreateChallenge(ctx context.Context, c model.ChallengeAccount) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	c.Ref = store.ChallengeRef(c.Ref.ID)
	if err := insertFunding(ctx, tx, c.FundingSource); err != nil {
		return err
	}
	state, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "insert into challenge_accounts (id, user_id, status, state, purchased_at) values ($1,$2,$3,$4,$5)", c.Ref.ID, c.UserID, string(c.Status), state, c.PurchasedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("challenge %s: %w", c.Ref.ID, apperr.ErrConflict)
		}
		return err
	}
	return tx.Commit(ctx)
}

const challengeQuery = "select c.state, f.kind, f.id, f.user_id, f.currency, f.balance, f.equity, f.margin, f.free_margin, f.margin_level, f.floating_profit, f.leverage, f.created_at, f.updated_at from challenge_accounts c join funding_sources f on f.kind = 'challenge' and f.id = c.id"

func scanChallenge(row pgx.Row) (model.ChallengeAccount, error) {
	var c model.ChallengeAccount
	var state []byte
	var f model.FundingSource
	var kind string
	if err := row.Scan(&state, &kind, &f.Ref.ID, &f.UserID, &f.Currency, &f.Balance, &f.Equity, &f.Margin, &f.FreeMargin, &f.MarginLevel, &f.FloatingProfit, &f.Leverage, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal(state, &c); err != nil {
		return c, err
	}
	f.Ref.Kind = types.FundingKind(kind)
	c.FundingSource = f
	return c, nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (model.ChallengeAccount, error) {
	c, err := scanChallenge(s.pool.QueryRow(ctx, challengeQuery+" where c.id = $1", id))
	return c, notFound(err, "challenge "+id)
}

func (s *Store) ListChallenges(ctx context.Context, userID string) ([]model.ChallengeAccount, error) {
	var rows pgx.Rows
	var err error
	if userID == "" {
		rows, err = s.pool.Query(ctx, challengeQuery+" order by c.purchased_at desc")
	} else {
		rows, err = s.pool.Query(ctx, challengeQuery+" where c.user_id = $1 order by c.purchased_at desc", userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ChallengeAccount, 0)
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetTrade(ctx context.Context, id string) (model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, "select "+tradeColumns+" from trades where id = $1", id))
	return t, notFound(err, "trade "+id)
}

func (s *Store) ListTrades(ctx context.Context, f store.TradeFilter) ([]model.Trade, error) {
	query := "select " + tradeColumns + " from trades where true"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		query += " and user_id = " + arg(f.UserID)
	}
	if !f.Ref.IsZero() {
		query += " and funding_kind = " + arg(string(f.Ref.Kind)) + " and funding_id = " + arg(f.Ref.ID)
	}
	switch f.Status {
	case "open":
		query += " and status in ('open','partial')"
	case "closed":
		query += " and status = 'closed'"
	}
	query += " order by opened_at desc, id desc"
	if f.Limit > 0 {
		query += " limit " + arg(f.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) OpenFundingRefs(ctx context.Context) ([]model.FundingRef, error) {
	rows, err := s.pool.Query(ctx, "select distinct funding_kind, funding_id from trades where status in ('open','partial') order by funding_kind, funding_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FundingRef
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out = append(out, model.FundingRef{Kind: types.FundingKind(kind), ID: id})
	}
	return out, rows.Err()
}

func (s *Store) LedgerEntries(ctx context.Context, ref model.FundingRef, limit int) ([]model.LedgerEntry, error) {
	query := "select " + entryColumns + " from (select * from ledger_entries where funding_kind = $1 and funding_id = $2 order by seq desc"
	args := []any{string(ref.Kind), ref.ID}
	if limit > 0 {
		query += " limit $3"
		args = append(args, limit)
	}
	query += ") e order by seq asc"
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
