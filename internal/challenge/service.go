package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/ids"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/notify"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Service struct {
	store    store.Store
	settings *config.SettingsHolder
	metrics  *observability.Metrics
	notifier notify.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(st store.Store, settings *config.SettingsHolder, metrics *observability.Metrics, notifier notify.Publisher, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{store: st, settings: settings, metrics: metrics, notifier: notifier, log: log, now: time.Now}
}

// Dispatch evaluates a close booked on a challenge account. It runs inside
// the unit of work that settled the trade, so its changes commit or roll
// back with the margin return. Wallet sources are ignored.
func (s *Service) Dispatch(tx store.Tx, evt TradeClosed, now time.Time) (Outcome, error) {
	acc := tx.Challenge()
	if acc == nil {
		return Outcome{Transition: TransitionIgnored}, nil
	}
	evt.ChallengeID = acc.ID()
	out := Evaluate(acc, evt, now)
	if !out.Reset.IsZero() {
		ledger.Post(tx, evt.Trade.TradeID, types.LedgerEntryPhaseReset, out.Reset, now)
	}
	if out.Refund.IsPositive() {
		if err := tx.CreditWallet(acc.UserID, out.Refund, types.LedgerEntryRefund, ""); err != nil {
			return out, fmt.Errorf("refund challenge %s: %w", acc.ID(), err)
		}
	}
	acc.UpdatedAt = now.UTC()
	return out, nil
}

// Announce reports committed outcomes. Call it only after the unit of work
// that produced them has committed.
func (s *Service) Announce(outcomes ...Outcome) {
	for _, o := range outcomes {
		if o.Transition == "" || o.Transition == TransitionIgnored || o.Transition == TransitionUpdated {
			continue
		}
		if s.metrics != nil {
			s.metrics.ChallengeMoves.WithLabelValues(string(o.Transition)).Inc()
		}
		ev := s.log.Info().Str("challenge_id", o.ChallengeID).Str("transition", string(o.Transition))
		switch o.Transition {
		case TransitionBreached:
			ev.Str("reason", string(o.Breach)).Str("details", o.Details).Msg("challenge breached")
			s.notifier.Publish(notify.SubjectChallengeBreached, o)
		case TransitionPhasePassed:
			ev.Int("phase", o.PassedPhase).Msg("challenge phase passed")
			s.notifier.Publish(notify.SubjectChallengePassed, o)
		case TransitionFunded:
			ev.Str("refund", o.Refund.StringFixed(2)).Msg("challenge funded")
			s.notifier.Publish(notify.SubjectChallengeFunded, o)
		case TransitionExpired:
			ev.Msg("challenge expired")
			s.notifier.Publish(notify.SubjectChallengeExpired, o)
		}
	}
}

func (s *Service) Products() []model.ChallengeRules {
	return s.settings.Load().Challenges
}

// Purchase opens an evaluation account on the named product. Payment is
// taken elsewhere; the user's wallet is created when missing so refunds
// and payouts always have a destination.
func (s *Service) Purchase(ctx context.Context, userID, product string) (model.ChallengeAccount, error) {
	if userID == "" {
		return model.ChallengeAccount{}, apperr.ErrUnauthorized
	}
	rules, ok := s.settings.Load().Product(product)
	if !ok {
		return model.ChallengeAccount{}, fmt.Errorf("product %q: %w", product, apperr.ErrNotFound)
	}
	if err := s.ensureWallet(ctx, userID); err != nil {
		return model.ChallengeAccount{}, err
	}
	acc := NewAccount(ids.New(), userID, rules, s.now())
	if err := s.store.CreateChallenge(ctx, acc); err != nil {
		return model.ChallengeAccount{}, err
	}
	s.log.Info().Str("challenge_id", acc.ID()).Str("user_id", userID).Str("product", product).Msg("challenge purchased")
	return acc, nil
}

func (s *Service) ensureWallet(ctx context.Context, userID string) error {
	_, err := s.store.WalletByUser(ctx, userID)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	now := s.now().UTC()
	w := model.FundingSource{Ref: store.WalletRef(ids.New()), UserID: userID, Currency: "USD", Leverage: s.settings.Pricing().DefaultLeverage, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateWallet(ctx, w); err != nil && !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	return nil
}

// Get returns a challenge owned by userID. An empty userID skips the
// ownership check.
func (s *Service) Get(ctx context.Context, userID, id string) (model.ChallengeAccount, error) {
	acc, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return acc, err
	}
	if userID != "" && acc.UserID != userID {
		return model.ChallengeAccount{}, fmt.Errorf("challenge %s: %w", id, apperr.ErrUnauthorized)
	}
	return acc, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]model.ChallengeAccount, error) {
	return s.store.ListChallenges(ctx, userID)
}

// SetStatus is the administrative override. Terminal accounts cannot be
// changed and an account never returns to evaluation.
func (s *Service) SetStatus(ctx context.Context, id string, status types.ChallengeStatus, details string) (model.ChallengeAccount, error) {
	if !status.Valid() || status == types.ChallengeStatusEvaluation {
		return model.ChallengeAccount{}, fmt.Errorf("status %q: %w", status, apperr.ErrInvalidOrder)
	}
	var updated model.ChallengeAccount
	var out Outcome
	err := s.store.WithFundingSource(ctx, store.ChallengeRef(id), func(tx store.Tx) error {
		acc := tx.Challenge()
		if acc == nil {
			return fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
		}
		if acc.Status.Terminal() {
			return fmt.Errorf("challenge %s is %s: %w", id, acc.Status, apperr.ErrAccountInactive)
		}
		now := s.now()
		out = Outcome{ChallengeID: id, UserID: acc.UserID, Details: details}
		switch status {
		case types.ChallengeStatusBreached:
			if details == "" {
				details = "set by administrator"
			}
			breach(acc, types.BreachAdminOverride, details, now)
			out.Transition = TransitionBreached
			out.Breach = types.BreachAdminOverride
			out.Details = details
		case types.ChallengeStatusExpired:
			expire(acc, now)
			out.Transition = TransitionExpired
		case types.ChallengeStatusFunded:
			if acc.Status != types.ChallengeStatusEvaluation {
				return fmt.Errorf("challenge %s is already funded: %w", id, apperr.ErrConflict)
			}
			out.Refund = fund(acc, now)
			out.Transition = TransitionFunded
			if out.Refund.IsPositive() {
				if err := tx.CreditWallet(acc.UserID, out.Refund, types.LedgerEntryRefund, ""); err != nil {
					return err
				}
			}
		}
		acc.UpdatedAt = now.UTC()
		updated = acc.Clone()
		return nil
	})
	if err != nil {
		return model.ChallengeAccount{}, err
	}
	s.Announce(out)
	return updated, nil
}

// fund passes every remaining phase and returns the refund owed.
func fund(acc *model.ChallengeAccount, now time.Time) decimal.Decimal {
	at := now.UTC()
	for i := acc.CurrentPhase - 1; i < len(acc.Phases); i++ {
		if i < 0 {
			continue
		}
		acc.Phases[i].Status = types.PhaseStatusPassed
		acc.Phases[i].CompletedAt = &at
	}
	acc.CurrentPhase = len(acc.Phases)
	acc.Status = types.ChallengeStatusFunded
	acc.FundedAt = &at
	if !acc.Rules.RefundPercent.IsPositive() {
		return decimal.Zero
	}
	return acc.Rules.PurchasePrice.Mul(acc.Rules.RefundPercent).Div(hundred).Round(2)
}

func expire(acc *model.ChallengeAccount, now time.Time) {
	at := now.UTC()
	if acc.Status == types.ChallengeStatusEvaluation {
		if p := acc.ActivePhase(); p != nil {
			p.Status = types.PhaseStatusFailed
			p.CompletedAt = &at
		}
	}
	acc.Status = types.ChallengeStatusExpired
}

type ExpiryResult struct {
	Checked  int `json:"checked"`
	Expired  int `json:"expired"`
	TimedOut int `json:"timed_out"`
	Failed   int `json:"failed"`
}

func inactive(acc model.ChallengeAccount, now time.Time) bool {
	if acc.Rules.InactivityDays <= 0 {
		return false
	}
	last := acc.PurchasedAt
	if acc.LastTradeAt != nil {
		last = *acc.LastTradeAt
	}
	return now.After(last.Add(time.Duration(acc.Rules.InactivityDays) * 24 * time.Hour))
}

// ExpireInactive expires accounts idle longer than their product allows and
// fails evaluation phases past their time limit. Accounts with open trades
// are left for a later run.
func (s *Service) ExpireInactive(ctx context.Context) (ExpiryResult, error) {
	var res ExpiryResult
	all, err := s.store.ListChallenges(ctx, "")
	if err != nil {
		return res, err
	}
	now := s.now()
	for _, c := range all {
		if c.Status.Terminal() {
			continue
		}
		res.Checked++
		timedOut := c.Status == types.ChallengeStatusEvaluation && phaseTimedOut(c.ActivePhase(), now)
		if !timedOut && !inactive(c, now) {
			continue
		}
		var out Outcome
		err := s.store.WithFundingSource(ctx, c.Ref, func(tx store.Tx) error {
			acc := tx.Challenge()
			if acc == nil || acc.Status.Terminal() || len(tx.OpenTrades()) > 0 {
				return nil
			}
			out = Outcome{ChallengeID: acc.ID(), UserID: acc.UserID}
			switch {
			case acc.Status == types.ChallengeStatusEvaluation && phaseTimedOut(acc.ActivePhase(), now):
				p := acc.ActivePhase()
				out.Transition = TransitionBreached
				out.Breach = types.BreachPhaseTimeLimit
				out.Details = fmt.Sprintf("phase %d exceeded %d days", p.Number, p.MaxDays)
				breach(acc, out.Breach, out.Details, now)
			case inactive(*acc, now):
				out.Transition = TransitionExpired
				expire(acc, now)
			}
			acc.UpdatedAt = now.UTC()
			return nil
		})
		if err != nil {
			res.Failed++
			s.log.Error().Err(err).Str("challenge_id", c.ID()).Msg("expiry failed")
			continue
		}
		switch out.Transition {
		case TransitionBreached:
			res.TimedOut++
		case TransitionExpired:
			res.Expired++
		}
		s.Announce(out)
	}
	return res, nil
}

// RecordPayout withdraws profit above the initial balance from a funded
// account and credits the trader's share to their wallet.
func (s *Service) RecordPayout(ctx context.Context, userID, id string, amount decimal.Decimal) (model.Payout, error) {
	if !amount.IsPositive() {
		return model.Payout{}, fmt.Errorf("payout amount must be positive: %w", apperr.ErrInvalidOrder)
	}
	amount = amount.Round(2)
	var payout model.Payout
	err := s.store.WithFundingSource(ctx, store.ChallengeRef(id), func(tx store.Tx) error {
		acc := tx.Challenge()
		if acc == nil {
			return fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
		}
		if acc.UserID != userID {
			return fmt.Errorf("challenge %s: %w", id, apperr.ErrUnauthorized)
		}
		if acc.Status != types.ChallengeStatusFunded {
			return fmt.Errorf("challenge %s is %s: %w", id, acc.Status, apperr.ErrAccountInactive)
		}
		if len(tx.OpenTrades()) > 0 {
			return fmt.Errorf("close open trades before a payout: %w", apperr.ErrConflict)
		}
		profit := acc.Balance.Sub(acc.Rules.InitialBalance)
		if amount.GreaterThan(profit) {
			return fmt.Errorf("payout %s exceeds profit %s: %w", amount.StringFixed(2), profit.StringFixed(2), apperr.ErrInsufficientFunds)
		}
		now := s.now().UTC()
		share := amount.Mul(acc.Rules.ProfitSplit).Div(hundred).Round(2)
		acc.Balance = acc.Balance.Sub(amount)
		acc.Revalue(acc.Margin, acc.FloatingProfit)
		acc.UpdatedAt = now
		payout = model.Payout{ID: ids.Sortable(), Amount: amount, TraderShare: share, At: now}
		ledger.Post(tx, "", types.LedgerEntryPayout, amount.Neg(), now)
		if err := tx.CreditWallet(acc.UserID, share, types.LedgerEntryPayout, ""); err != nil {
			return err
		}
		acc.PayoutHistory = append(acc.PayoutHistory, payout)
		return nil
	})
	if err != nil {
		return model.Payout{}, err
	}
	s.log.Info().Str("challenge_id", id).Str("amount", amount.StringFixed(2)).Str("trader_share", payout.TraderShare.StringFixed(2)).Msg("payout recorded")
	s.notifier.Publish(notify.SubjectChallengePayout, map[string]any{"challenge_id": id, "user_id": userID, "payout": payout})
	return payout, nil
}
