// Package store defines persistence for funding sources, trades and ledger
// entries. Every mutation of a funding source happens inside that source's
// exclusive unit of work; see Store.WithFundingSource.
package store

import (
	"context"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

// Tx is a unit of work on one locked funding source. Pointers returned by
// Tx are working copies: changes made through them are persisted when the
// unit of work commits and discarded when it fails.
type Tx interface {
	FundingSource() *model.FundingSource
	// Challenge is nil unless the locked source is a challenge account. Its
	// embedded FundingSource is the one FundingSource returns.
	Challenge() *model.ChallengeAccount
	OpenTrades() []*model.Trade
	// Trade returns a trade booked on the locked source, open or closed.
	Trade(id string) (*model.Trade, error)
	InsertTrade(t model.Trade) *model.Trade
	LastEntry() *model.LedgerEntry
	AppendEntry(e model.LedgerEntry)
	// CreditWallet credits the user's wallet when the unit of work commits.
	CreditWallet(userID string, amount decimal.Decimal, typ types.LedgerEntryType, tradeID string) error
}

type TradeFilter struct {
	UserID string
	Ref    model.FundingRef
	// Status is "open" (open or partial), "closed" or empty for any.
	Status string
	Limit  int
}

func (f TradeFilter) Match(t model.Trade) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if !f.Ref.IsZero() && t.FundingRef != f.Ref {
		return false
	}
	switch f.Status {
	case "open":
		return t.IsOpen()
	case "closed":
		return t.Status == types.TradeStatusClosed
	}
	return true
}

type Store interface {
	// WithFundingSource runs fn with exclusive access to ref. Nothing fn
	// changed is kept when fn returns an error.
	WithFundingSource(ctx context.Context, ref model.FundingRef, fn func(tx Tx) error) error

	// GetFundingSource reads the committed balance sheet of ref without
	// taking its lock.
	GetFundingSource(ctx context.Context, ref model.FundingRef) (model.FundingSource, error)
	CreateWallet(ctx context.Context, w model.FundingSource) error
	WalletByUser(ctx context.Context, userID string) (model.FundingSource, error)
	CreateChallenge(ctx context.Context, c model.ChallengeAccount) error
	GetChallenge(ctx context.Context, id string) (model.ChallengeAccount, error)
	// ListChallenges lists a user's challenges, or all when userID is empty.
	ListChallenges(ctx context.Context, userID string) ([]model.ChallengeAccount, error)

	GetTrade(ctx context.Context, id string) (model.Trade, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)
	// OpenFundingRefs lists every funding source holding an open trade.
	OpenFundingRefs(ctx context.Context) ([]model.FundingRef, error)
	LedgerEntries(ctx context.Context, ref model.FundingRef, limit int) ([]model.LedgerEntry, error)

	Ping(ctx context.Context) error
	Close()
}

// WalletRef is the funding reference of a wallet id.
func WalletRef(id string) model.FundingRef {
	return model.FundingRef{Kind: types.FundingKindWallet, ID: id}
}

func ChallengeRef(id string) model.FundingRef {
	return model.FundingRef{Kind: types.FundingKindChallenge, ID: id}
}
