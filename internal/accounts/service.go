// Package accounts manages user wallets: creation, deposits, withdrawals and
// the leverage applied to new wallet trades.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/ids"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/orders"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var allowedLeverageValues = map[int]struct{}{
	2: {}, 5: {}, 10: {}, 20: {}, 30: {}, 40: {}, 50: {},
	100: {}, 200: {}, 500: {}, 1000: {},
}

const defaultWalletLeverage = 100

func isAllowedLeverage(v int) bool {
	_, ok := allowedLeverageValues[v]
	return ok
}

type Service struct {
	store  store.Store
	orders *orders.Service
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(st store.Store, ord *orders.Service, log zerolog.Logger) *Service {
	return &Service{store: st, orders: ord, log: log, now: time.Now}
}

// Movement is the result of a deposit or withdrawal.
type Movement struct {
	Ref       string          `json:"ref"`
	WalletID  string          `json:"wallet_id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference,omitempty"`
	At        time.Time       `json:"at"`
}

// Ensure returns the user's wallet, creating an empty one on first use.
func (s *Service) Ensure(ctx context.Context, userID string) (model.FundingSource, error) {
	if userID == "" {
		return model.FundingSource{}, apperr.ErrUnauthorized
	}
	w, err := s.store.WalletByUser(ctx, userID)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) {
		return w, err
	}
	now := s.now().UTC()
	w = model.FundingSource{
		Ref:       store.WalletRef(ids.New()),
		UserID:    userID,
		Currency:  "USD",
		Balance:   decimal.Zero,
		Leverage:  defaultWalletLeverage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.Revalue(decimal.Zero, decimal.Zero)
	if err := s.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			// created concurrently
			return s.store.WalletByUser(ctx, userID)
		}
		return model.FundingSource{}, err
	}
	s.log.Info().Str("user_id", userID).Str("wallet", w.Ref.ID).Msg("wallet created")
	return w, nil
}

// Wallet returns the wallet revalued at current quotes.
func (s *Service) Wallet(ctx context.Context, userID string) (orders.AccountMetrics, error) {
	w, err := s.Ensure(ctx, userID)
	if err != nil {
		return orders.AccountMetrics{}, err
	}
	return s.orders.AccountMetrics(ctx, userID, w.Ref)
}

func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (Movement, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return Movement{}, fmt.Errorf("%w: amount must be positive with at most 2 decimals", apperr.ErrInvalidOrder)
	}
	w, err := s.Ensure(ctx, userID)
	if err != nil {
		return Movement{}, err
	}
	var m Movement
	err = s.store.WithFundingSource(ctx, w.Ref, func(tx store.Tx) error {
		fs := tx.FundingSource()
		now := s.now().UTC()
		fs.Balance = fs.Balance.Add(amount)
		fs.Revalue(fs.Margin, fs.FloatingProfit)
		fs.UpdatedAt = now
		ledger.Post(tx, reference, types.LedgerEntryDeposit, amount, now)
		m = Movement{Ref: tx.LastEntry().Ref, WalletID: w.Ref.ID, Type: "deposit", Amount: amount, Balance: fs.Balance, Reference: reference, At: now}
		return nil
	})
	if err != nil {
		return Movement{}, err
	}
	s.log.Info().Str("user_id", userID).Str("amount", amount.StringFixed(2)).Str("reference", reference).Msg("deposit")
	return m, nil
}

// Withdraw takes amount out of the wallet. It may not exceed the balance nor
// the free margin at current quotes.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) (Movement, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return Movement{}, fmt.Errorf("%w: amount must be positive with at most 2 decimals", apperr.ErrInvalidOrder)
	}
	w, err := s.store.WalletByUser(ctx, userID)
	if err != nil {
		return Movement{}, err
	}
	open, err := s.store.ListTrades(ctx, store.TradeFilter{Ref: w.Ref, Status: "open"})
	if err != nil {
		return Movement{}, err
	}
	prices := s.orders.QuotesFor(ctx, open)

	var m Movement
	err = s.store.WithFundingSource(ctx, w.Ref, func(tx store.Tx) error {
		fs := tx.FundingSource()
		s.orders.Revalue(tx, prices)
		for _, t := range tx.OpenTrades() {
			if _, ok := prices[t.Symbol]; !ok {
				return fmt.Errorf("%w: cannot value open %s position", apperr.ErrNoLiveFeed, t.Symbol)
			}
		}
		limit := fs.Balance
		if fs.FreeMargin.LessThan(limit) {
			limit = fs.FreeMargin
		}
		if amount.GreaterThan(limit) {
			return fmt.Errorf("%w: withdrawable %s", apperr.ErrInsufficientFunds, decimal.Max(limit, decimal.Zero).StringFixed(2))
		}
		now := s.now().UTC()
		fs.Balance = fs.Balance.Sub(amount)
		fs.Revalue(fs.Margin, fs.FloatingProfit)
		fs.UpdatedAt = now
		ledger.Post(tx, reference, types.LedgerEntryWithdraw, amount.Neg(), now)
		m = Movement{Ref: tx.LastEntry().Ref, WalletID: w.Ref.ID, Type: "withdraw", Amount: amount, Balance: fs.Balance, Reference: reference, At: now}
		return nil
	})
	if err != nil {
		return Movement{}, err
	}
	s.log.Info().Str("user_id", userID).Str("amount", amount.StringFixed(2)).Str("reference", reference).Msg("withdrawal")
	return m, nil
}

// SetLeverage changes the leverage of future wallet trades. Open trades keep
// the leverage they were opened with.
func (s *Service) SetLeverage(ctx context.Context, userID string, leverage int) (model.FundingSource, error) {
	if !isAllowedLeverage(leverage) {
		return model.FundingSource{}, fmt.Errorf("%w: leverage %d is not offered", apperr.ErrInvalidOrder, leverage)
	}
	w, err := s.Ensure(ctx, userID)
	if err != nil {
		return model.FundingSource{}, err
	}
	var out model.FundingSource
	err = s.store.WithFundingSource(ctx, w.Ref, func(tx store.Tx) error {
		fs := tx.FundingSource()
		fs.Leverage = leverage
		fs.UpdatedAt = s.now().UTC()
		out = *fs
		return nil
	})
	return out, err
}

// Ledger returns the latest wallet entries, oldest first.
func (s *Service) Ledger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	w, err := s.store.WalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.LedgerEntries(ctx, w.Ref, limit)
}
