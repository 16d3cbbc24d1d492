// Package memstore keeps everything in process memory. Each funding source
// has its own mutex; a unit of work edits private copies that are written
// back only when it succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Store struct {
	mu           sync.RWMutex
	wallets      map[string]model.FundingSource
	walletByUser map[string]string
	challenges   map[string]model.ChallengeAccount
	trades       map[string]model.Trade
	tradesByRef  map[model.FundingRef][]string
	entries      map[model.FundingRef][]model.LedgerEntry

	lockMu sync.Mutex
	locks  map[model.FundingRef]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		wallets:      map[string]model.FundingSource{},
		walletByUser: map[string]string{},
		challenges:   map[string]model.ChallengeAccount{},
		trades:       map[string]model.Trade{},
		tradesByRef:  map[model.FundingRef][]string{},
		entries:      map[model.FundingRef][]model.LedgerEntry{},
		locks:        map[model.FundingRef]*sync.Mutex{},
	}
}

func (s *Store) lockFor(ref model.FundingRef) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ref] = l
	}
	return l
}

func (s *Store) WithFundingSource(ctx context.Context, ref model.FundingRef, fn func(tx store.Tx) error) error {
	lock := s.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, ref: ref, trades: map[string]*model.Trade{}}
	s.mu.RLock()
	switch ref.Kind {
	case types.FundingKindWallet:
		w, ok := s.wallets[ref.ID]
		if ok {
			tx.fs = &w
		}
	case types.FundingKindChallenge:
		c, ok := s.challenges[ref.ID]
		if ok {
			cp := c.Clone()
			tx.challenge = &cp
			tx.fs = &cp.FundingSource
		}
	}
	if n := len(s.entries[ref]); n > 0 {
		last := s.entries[ref][n-1]
		tx.lastCommitted = &last
	}
	s.mu.RUnlock()
	if tx.fs == nil {
		return fmt.Errorf("funding source %s: %w", ref, apperr.ErrNotFound)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	// Wallet locks are taken while the source lock is held. A wallet unit of
	// work never credits another source, so the order is acyclic.
	credits := make(map[model.FundingRef][]pendingCredit)
	var refs []model.FundingRef
	for _, c := range tx.credits {
		if _, ok := credits[c.ref]; !ok {
			refs = append(refs, c.ref)
		}
		credits[c.ref] = append(credits[c.ref], c)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	for _, ref := range refs {
		l := s.lockFor(ref)
		l.Lock()
		defer l.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if _, ok := s.wallets[ref.ID]; !ok {
			return fmt.Errorf("wallet %s: %w", ref.ID, apperr.ErrNotFound)
		}
	}

	if tx.challenge != nil {
		s.challenges[tx.ref.ID] = tx.challenge.Clone()
	} else {
		s.wallets[tx.ref.ID] = *tx.fs
	}
	for _, id := range tx.inserted {
		s.tradesByRef[tx.ref] = append(s.tradesByRef[tx.ref], id)
	}
	for id, t := range tx.trades {
		s.trades[id] = *t
	}
	s.entries[tx.ref] = append(s.entries[tx.ref], tx.entries...)

	for _, ref := range refs {
		w := s.wallets[ref.ID]
		for _, c := range credits[ref] {
			w.Balance = w.Balance.Add(c.amount)
			w.Revalue(w.Margin, w.FloatingProfit)
			w.UpdatedAt = c.at
			var prev *model.LedgerEntry
			if n := len(s.entries[ref]); n > 0 {
				prev = &s.entries[ref][n-1]
			}
			s.entries[ref] = append(s.entries[ref], ledger.Next(prev, ref, c.tradeID, c.typ, c.amount, w.Balance, c.at))
		}
		s.wallets[ref.ID] = w
	}
	return nil
}

type pendingCredit struct {
	ref     model.FundingRef
	amount  decimal.Decimal
	typ     types.LedgerEntryType
	tradeID string
	at      time.Time
}

type memTx struct {
	store         *Store
	ref           model.FundingRef
	fs            *model.FundingSource
	challenge     *model.ChallengeAccount
	trades        map[string]*model.Trade
	inserted      []string
	loadedOpen    bool
	lastCommitted *model.LedgerEntry
	entries       []model.LedgerEntry
	credits       []pendingCredit
}

func (t *memTx) FundingSource() *model.FundingSource { return t.fs }

func (t *memTx) Challenge() *model.ChallengeAccount { return t.challenge }

func (t *memTx) AppendEntry(e model.LedgerEntry) { t.entries = append(t.entries, e) }

func (t *memTx) LastEntry() *model.LedgerEntry {
	if n := len(t.entries); n > 0 {
		return &t.entries[n-1]
	}
	return t.lastCommitted
}

func (t *memTx) OpenTrades() []*model.Trade {
	if !t.loadedOpen {
		t.store.mu.RLock()
		for _, id := range t.store.tradesByRef[t.ref] {
			if _, ok := t.trades[id]; ok {
				continue
			}
			tr := t.store.trades[id]
			if tr.IsOpen() {
				cp := tr
				t.trades[id] = &cp
			}
		}
		t.store.mu.RUnlock()
		t.loadedOpen = true
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

func (t *memTx) Trade(id string) (*model.Trade, error) {
	if tr, ok := t.trades[id]; ok {
		return tr, nil
	}
	t.store.mu.RLock()
	tr, ok := t.store.trades[id]
	t.store.mu.RUnlock()
	if !ok || tr.FundingRef != t.ref {
		return nil, fmt.Errorf("trade %s: %w", id, apperr.ErrNotFound)
	}
	cp := tr
	t.trades[id] = &cp
	return &cp, nil
}

func (t *memTx) InsertTrade(tr model.Trade) *model.Trade {
	tr.FundingRef = t.ref
	cp := tr
	t.trades[tr.ID] = &cp
	t.inserted = append(t.inserted, tr.ID)
	return &cp
}

func (t *memTx) CreditWallet(userID string, amount decimal.Decimal, typ types.LedgerEntryType, tradeID string) error {
	if !amount.GreaterThan(decimal.Zero) {
		return nil
	}
	t.store.mu.RLock()
	id, ok := t.store.walletByUser[userID]
	t.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wallet of user %s: %w", userID, apperr.ErrNotFound)
	}
	now := time.Now().UTC()
	ref := store.WalletRef(id)
	if ref == t.ref {
		t.fs.Balance = t.fs.Balance.Add(amount)
		ledger.Post(t, tradeID, typ, amount, now)
		return nil
	}
	t.credits = append(t.credits, pendingCredit{ref: ref, amount: amount, typ: typ, tradeID: tradeID, at: now})
	return nil
}

func (s *Store) GetFundingSource(ctx context.Context, ref model.FundingRef) (model.FundingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch ref.Kind {
	case types.FundingKindWallet:
		if w, ok := s.wallets[ref.ID]; ok {
			return w, nil
		}
	case types.FundingKindChallenge:
		if c, ok := s.challenges[ref.ID]; ok {
			return c.FundingSource, nil
		}
	}
	return model.FundingSource{}, fmt.Errorf("funding source %s: %w", ref, apperr.ErrNotFound)
}

func (s *Store) CreateWallet(ctx context.Context, w model.FundingSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.walletByUser[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, apperr.ErrConflict)
	}
	w.Ref = store.WalletRef(w.Ref.ID)
	s.wallets[w.Ref.ID] = w
	s.walletByUser[w.UserID] = w.Ref.ID
	return nil
}

func (s *Store) WalletByUser(ctx context.Context, userID string) (model.FundingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.walletByUser[userID]
	if !ok {
		return model.FundingSource{}, fmt.Errorf("wallet of user %s: %w", userID, apperr.ErrNotFound)
	}
	return s.wallets[id], nil
}

func (s *Store) CreateChallenge(ctx context.Context, c model.ChallengeAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.Ref.ID]; ok {
		return fmt.Errorf("challenge %s: %w", c.Ref.ID, apperr.ErrConflict)
	}
	c.Ref = store.ChallengeRef(c.Ref.ID)
	s.challenges[c.Ref.ID] = c.Clone()
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (model.ChallengeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return model.ChallengeAccount{}, fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) ListChallenges(ctx context.Context, userID string) ([]model.ChallengeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChallengeAccount, 0)
	for _, c := range s.challenges {
		if userID == "" || c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	return out, nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return model.Trade{}, fmt.Errorf("trade %s: %w", id, apperr.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTrades(ctx context.Context, f store.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	out := make([]model.Trade, 0)
	for _, t := range s.trades {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) OpenFundingRefs(ctx context.Context) ([]model.FundingRef, error) {
	s.mu.RLock()
	var out []model.FundingRef
	for ref, ids := range s.tradesByRef {
		for _, id := range ids {
			if s.trades[id].IsOpen() {
				out = append(out, ref)
				break
			}
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) LedgerEntries(ctx context.Context, ref model.FundingRef, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[ref]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]model.LedgerEntry(nil), all...), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() {}
