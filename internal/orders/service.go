package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/challenge"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/ids"
	"lv-propdesk/internal/ledger"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/notify"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/pnl"
	"lv-propdesk/internal/pricing"
	"lv-propdesk/internal/sessions"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultQuoteTimeout = 3 * time.Second

// ChallengeHook receives every close booked on a funding source. Dispatch
// runs inside the unit of work; Announce after it committed.
type ChallengeHook interface {
	Dispatch(tx store.Tx, evt challenge.TradeClosed, now time.Time) (challenge.Outcome, error)
	Announce(outcomes ...challenge.Outcome)
}

// Journal keeps a copy of closed trades outside the store.
type Journal interface {
	RecordClose(ctx context.Context, c model.Closing) error
}

type Deps struct {
	Store        store.Store
	Quotes       marketdata.Source
	Settings     *config.SettingsHolder
	Challenges   ChallengeHook
	Journal      Journal
	Notifier     notify.Publisher
	Metrics      *observability.Metrics
	Log          zerolog.Logger
	QuoteTimeout time.Duration
}

type Service struct {
	store        store.Store
	quotes       marketdata.Source
	settings     *config.SettingsHolder
	challenges   ChallengeHook
	journal      Journal
	notifier     notify.Publisher
	metrics      *observability.Metrics
	log          zerolog.Logger
	quoteTimeout time.Duration
	now          func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		quotes:       d.Quotes,
		settings:     d.Settings,
		challenges:   d.Challenges,
		journal:      d.Journal,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		log:          d.Log,
		quoteTimeout: d.QuoteTimeout,
		now:          time.Now,
	}
	if s.quoteTimeout <= 0 {
		s.quoteTimeout = defaultQuoteTimeout
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	return s
}

type OpenRequest struct {
	UserID     string
	Ref        model.FundingRef
	Symbol     string
	Side       types.OrderSide
	Lot        decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type OpenResult struct {
	Trade          model.Trade     `json:"trade"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Charges        model.Charges   `json:"charges"`
}

type CloseRequest struct {
	UserID  string
	TradeID string
	// Lot closes part of the position; nil closes what remains.
	Lot *decimal.Decimal
}

type ModifyRequest struct {
	UserID     string
	TradeID    string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	// ClearStopLoss and ClearTakeProfit remove a level. A nil level without
	// its clear flag is left untouched.
	ClearStopLoss   bool
	ClearTakeProfit bool
}

type AccountMetrics struct {
	Ref            model.FundingRef `json:"funding_ref"`
	Balance        decimal.Decimal  `json:"balance"`
	Equity         decimal.Decimal  `json:"equity"`
	Margin         decimal.Decimal  `json:"margin"`
	FreeMargin     decimal.Decimal  `json:"free_margin"`
	MarginLevel    decimal.Decimal  `json:"margin_level"`
	FloatingProfit decimal.Decimal  `json:"floating_profit"`
	OpenTrades     int              `json:"open_trades"`
	// Unpriced counts open trades whose symbol had no fresh quote; their
	// last known floating PnL is used.
	Unpriced int `json:"unpriced"`
}

type CloseAllResult struct {
	Scope    string          `json:"scope"`
	Total    int             `json:"total"`
	Closed   int             `json:"closed"`
	Skipped  int             `json:"skipped"`
	Closings []model.Closing `json:"closings"`
}

func (s *Service) reject(kind string, err error) error {
	s.metrics.OrderRejected.WithLabelValues(kind).Inc()
	return err
}

// quote fetches a fresh quote, bounded by the request timeout. Any failure
// is reported as ErrNoLiveFeed.
func (s *Service) quote(ctx context.Context, symbol string) (model.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()
	q, err := s.quotes.GetPrice(qctx, symbol)
	if err != nil {
		if errors.Is(err, apperr.ErrNoLiveFeed) {
			return model.Quote{}, err
		}
		return model.Quote{}, fmt.Errorf("%w: %s: %v", apperr.ErrNoLiveFeed, symbol, err)
	}
	if !q.Valid() {
		return model.Quote{}, fmt.Errorf("%w: %s", apperr.ErrNoLiveFeed, symbol)
	}
	return q, nil
}

// QuotesFor fetches every distinct symbol independently; symbols without a
// fresh quote are absent from the result.
func (s *Service) QuotesFor(ctx context.Context, trades []model.Trade) map[string]model.Quote {
	out := make(map[string]model.Quote)
	tried := make(map[string]bool)
	for _, t := range trades {
		if tried[t.Symbol] {
			continue
		}
		tried[t.Symbol] = true
		q, err := s.quote(ctx, t.Symbol)
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", t.Symbol).Msg("quote unavailable")
			continue
		}
		out[t.Symbol] = q
	}
	return out
}

func validLot(lot decimal.Decimal) error {
	if lot.LessThan(pricing.MinLot) {
		return fmt.Errorf("%w: lot must be at least %s", apperr.ErrInvalidOrder, pricing.MinLot)
	}
	if !lot.Equal(lot.Round(2)) {
		return fmt.Errorf("%w: lot must be a multiple of %s", apperr.ErrInvalidOrder, pricing.MinLot)
	}
	return nil
}

// ValidateStops checks stop levels against price: below and above it for a
// BUY, the other way round for a SELL.
func ValidateStops(side types.OrderSide, price decimal.Decimal, sl, tp *decimal.Decimal) error {
	if sl != nil && !sl.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", apperr.ErrInvalidStopLevel)
	}
	if tp != nil && !tp.IsPositive() {
		return fmt.Errorf("%w: take profit must be positive", apperr.ErrInvalidStopLevel)
	}
	switch side {
	case types.OrderSideBuy:
		if sl != nil && !sl.LessThan(price) {
			return fmt.Errorf("%w: stop loss %s must be below %s for BUY", apperr.ErrInvalidStopLevel, sl, price)
		}
		if tp != nil && !tp.GreaterThan(price) {
			return fmt.Errorf("%w: take profit %s must be above %s for BUY", apperr.ErrInvalidStopLevel, tp, price)
		}
	case types.OrderSideSell:
		if sl != nil && !sl.GreaterThan(price) {
			return fmt.Errorf("%w: stop loss %s must be above %s for SELL", apperr.ErrInvalidStopLevel, sl, price)
		}
		if tp != nil && !tp.LessThan(price) {
			return fmt.Errorf("%w: take profit %s must be below %s for SELL", apperr.ErrInvalidStopLevel, tp, price)
		}
	default:
		return fmt.Errorf("%w: invalid side %q", apperr.ErrInvalidOrder, side)
	}
	return nil
}

func (s *Service) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if req.UserID == "" {
		return OpenResult{}, apperr.ErrUnauthorized
	}
	if req.Ref.IsZero() {
		return OpenResult{}, s.reject("invalid_order", fmt.Errorf("%w: funding source is required", apperr.ErrInvalidOrder))
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !req.Side.Valid() {
		return OpenResult{}, s.reject("invalid_order", fmt.Errorf("%w: invalid side %q", apperr.ErrInvalidOrder, req.Side))
	}
	if err := validLot(req.Lot); err != nil {
		return OpenResult{}, s.reject("invalid_order", err)
	}
	snapshot := s.settings.Pricing()
	inst, ok := snapshot.Instrument(req.Symbol)
	if !ok {
		return OpenResult{}, s.reject("invalid_order", fmt.Errorf("%w: unknown symbol %s", apperr.ErrInvalidOrder, req.Symbol))
	}
	if inst.MaxLot.IsPositive() && req.Lot.GreaterThan(inst.MaxLot) {
		return OpenResult{}, s.reject("invalid_order", fmt.Errorf("%w: lot exceeds %s", apperr.ErrInvalidOrder, inst.MaxLot))
	}

	q, err := s.quote(ctx, req.Symbol)
	if err != nil {
		return OpenResult{}, s.reject("no_live_feed", err)
	}

	var res OpenResult
	err = s.store.WithFundingSource(ctx, req.Ref, func(tx store.Tx) error {
		fs := tx.FundingSource()
		if fs.UserID != req.UserID {
			return fmt.Errorf("funding source %s: %w", req.Ref, apperr.ErrUnauthorized)
		}
		if c := tx.Challenge(); c != nil && c.Status.Terminal() {
			return fmt.Errorf("challenge %s is %s: %w", c.ID(), c.Status, apperr.ErrAccountInactive)
		}
		leverage := fs.Leverage
		if leverage <= 0 {
			leverage = snapshot.DefaultLeverage
		}
		exec, err := pricing.Calculate(pricing.Request{Symbol: req.Symbol, Side: req.Side, Lot: req.Lot, Leverage: leverage}, q, snapshot)
		if err != nil {
			return err
		}
		if err := ValidateStops(req.Side, exec.EntryPrice, req.StopLoss, req.TakeProfit); err != nil {
			return err
		}
		need := exec.Deduction()
		if fs.Balance.LessThan(need) {
			return fmt.Errorf("%w: need %s, balance %s", apperr.ErrInsufficientFunds, need.StringFixed(2), fs.Balance.StringFixed(2))
		}

		now := s.now().UTC()
		t := model.Trade{
			ID:           ids.New(),
			UserID:       req.UserID,
			Symbol:       exec.Symbol,
			Side:         req.Side,
			Lot:          req.Lot,
			ClosedLot:    decimal.Zero,
			EntryPrice:   exec.EntryPrice,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			Margin:       exec.Margin,
			ContractSize: exec.ContractSize,
			Leverage:     exec.Leverage,
			Status:       types.TradeStatusOpen,
			Charges:      exec.Charges,
			OpenedAt:     now,
		}
		fs.Balance = fs.Balance.Sub(exec.Margin)
		ledger.Post(tx, t.ID, types.LedgerEntryMarginReserve, exec.Margin.Neg(), now)
		fs.Balance = fs.Balance.Sub(exec.Charges.ChargeAmount)
		ledger.Post(tx, t.ID, types.LedgerEntryCharge, exec.Charges.ChargeAmount.Neg(), now)
		fs.UpdatedAt = now

		stored := tx.InsertTrade(t)
		s.Revalue(tx, map[string]model.Quote{exec.Symbol: q})
		res = OpenResult{Trade: *stored, ExecutionPrice: exec.EntryPrice, Charges: exec.Charges}
		return nil
	})
	if err != nil {
		if apperr.Kind(err) != nil {
			s.metrics.OrderRejected.WithLabelValues(apperr.Code(err)).Inc()
		}
		return OpenResult{}, err
	}
	s.metrics.TradesOpened.WithLabelValues(res.Trade.Symbol, string(res.Trade.Side)).Inc()
	s.log.Info().
		Str("trade_id", res.Trade.ID).
		Str("funding_ref", req.Ref.String()).
		Str("symbol", res.Trade.Symbol).
		Str("side", string(res.Trade.Side)).
		Str("lot", res.Trade.Lot.String()).
		Str("price", res.ExecutionPrice.String()).
		Msg("trade opened")
	return res, nil
}

// Revalue recomputes margin, floating PnL, equity and margin level of the
// locked source. Trades without a quote in prices keep their last floating
// PnL.
func (s *Service) Revalue(tx store.Tx, prices map[string]model.Quote) {
	margin := decimal.Zero
	floating := decimal.Zero
	for _, t := range tx.OpenTrades() {
		margin = margin.Add(t.Margin)
		if q, ok := prices[t.Symbol]; ok {
			t.FloatingPnL = pnl.Round(pnl.Floating(t.Side, t.EntryPrice, q.Bid, q.Ask, t.RemainingLot(), t.ContractSize))
		}
		floating = floating.Add(t.FloatingPnL)
	}
	tx.FundingSource().Revalue(margin, floating)
}

// SettleLocked closes lot units of t at the current quote. It is the single
// close path for manual closes, bulk closes and the liquidation sweep, and
// must run inside t's funding source unit of work.
func (s *Service) SettleLocked(tx store.Tx, t *model.Trade, lot decimal.Decimal, q model.Quote, reason types.CloseReason, now time.Time) (model.Closing, challenge.Outcome, error) {
	if !t.IsOpen() {
		return model.Closing{}, challenge.Outcome{}, fmt.Errorf("trade %s: %w", t.ID, apperr.ErrTradeAlreadyClosed)
	}
	remaining := t.RemainingLot()
	if !lot.IsPositive() || lot.GreaterThan(remaining) {
		return model.Closing{}, challenge.Outcome{}, fmt.Errorf("%w: close lot %s outside (0, %s]", apperr.ErrInvalidOrder, lot, remaining)
	}
	now = now.UTC()

	// 1. Price and PnL
	exit := pnl.ExitPrice(t.Side, q.Bid, q.Ask)
	realized := pnl.Round(pnl.Realized(t.Side, t.EntryPrice, exit, lot, t.ContractSize))

	// 2. Proportional margin
	released := t.Margin
	full := lot.Equal(remaining)
	if !full {
		released = t.Margin.Mul(lot).Div(remaining).Round(2)
	}

	// 3. Balance through the guard
	fs := tx.FundingSource()
	st := ledger.Settle(fs.Balance, released, realized)
	fs.Balance = fs.Balance.Add(released)
	ledger.Post(tx, t.ID, types.LedgerEntryMarginRelease, released, now)
	fs.Balance = st.Balance
	ledger.Post(tx, t.ID, types.LedgerEntryPnL, st.AppliedPnL, now)
	if st.CappedLoss.IsPositive() {
		// records the loss that was not charged; the balance does not move
		tx.AppendEntry(ledger.Next(tx.LastEntry(), fs.Ref, t.ID, types.LedgerEntryLossCap, st.CappedLoss, fs.Balance, now))
	}
	if st.Capped() {
		s.metrics.LossCapped.Inc()
		s.log.Debug().Str("trade_id", t.ID).Str("realized", realized.String()).Str("applied", st.AppliedPnL.String()).Bool("floored", st.Floored).Msg("loss capped")
	}
	fs.UpdatedAt = now

	// 4. Trade state
	t.ClosedLot = t.ClosedLot.Add(lot)
	t.Margin = t.Margin.Sub(released)
	t.RealizedPnL = t.RealizedPnL.Add(st.AppliedPnL)
	if full {
		t.Status = types.TradeStatusClosed
		t.ClosedLot = t.Lot
		t.Margin = decimal.Zero
		t.FloatingPnL = decimal.Zero
		t.ClosePrice = &exit
		t.ClosedAt = &now
		t.CloseReason = reason
		t.Session = sessions.At(now)
	} else {
		t.Status = types.TradeStatusPartial
		t.FloatingPnL = pnl.Round(pnl.Floating(t.Side, t.EntryPrice, q.Bid, q.Ask, t.RemainingLot(), t.ContractSize))
	}
	s.Revalue(tx, map[string]model.Quote{t.Symbol: q})

	closing := model.Closing{
		TradeID:      t.ID,
		UserID:       t.UserID,
		FundingRef:   fs.Ref,
		Symbol:       t.Symbol,
		Side:         t.Side,
		Lot:          lot,
		EntryPrice:   t.EntryPrice,
		ClosePrice:   exit,
		RealizedPnL:  st.AppliedPnL,
		CappedLoss:   st.CappedLoss,
		MarginFreed:  released,
		BalanceAfter: fs.Balance,
		Status:       t.Status,
		Reason:       reason,
		OpenedAt:     t.OpenedAt,
		ClosedAt:     now,
	}

	// 5. Challenge rules, in the same unit of work
	var out challenge.Outcome
	if s.challenges != nil && tx.Challenge() != nil {
		var err error
		out, err = s.challenges.Dispatch(tx, challenge.TradeClosed{Trade: challenge.ClosedTrade{
			TradeID:    t.ID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			Lots:       lot,
			OpenPrice:  t.EntryPrice,
			ClosePrice: exit,
			Profit:     st.AppliedPnL,
			OpenedAt:   t.OpenedAt,
			ClosedAt:   now,
		}}, now)
		if err != nil {
			return model.Closing{}, challenge.Outcome{}, err
		}
	}
	return closing, out, nil
}

// Report publishes committed closes: metrics, journal, notifications and
// challenge announcements.
func (s *Service) Report(ctx context.Context, closings []model.Closing, outcomes []challenge.Outcome) {
	for _, c := range closings {
		s.metrics.TradesClosed.WithLabelValues(c.Symbol, string(c.Reason)).Inc()
		s.log.Info().
			Str("trade_id", c.TradeID).
			Str("funding_ref", c.FundingRef.String()).
			Str("reason", string(c.Reason)).
			Str("lot", c.Lot.String()).
			Str("price", c.ClosePrice.String()).
			Str("pnl", c.RealizedPnL.StringFixed(2)).
			Str("status", string(c.Status)).
			Msg("trade closed")
		if s.journal != nil {
			if err := s.journal.RecordClose(ctx, c); err != nil {
				s.log.Warn().Err(err).Str("trade_id", c.TradeID).Msg("journal write failed")
			}
		}
		s.notifier.Publish(notify.SubjectTradeClosed, c)
	}
	if s.challenges != nil && len(outcomes) > 0 {
		s.challenges.Announce(outcomes...)
	}
}

func (s *Service) Close(ctx context.Context, req CloseRequest) (model.Closing, error) {
	// 1. Locate the trade and its funding source
	current, err := s.store.GetTrade(ctx, req.TradeID)
	if err != nil {
		return model.Closing{}, err
	}
	if current.UserID != req.UserID {
		return model.Closing{}, fmt.Errorf("trade %s: %w", req.TradeID, apperr.ErrUnauthorized)
	}
	if !current.IsOpen() {
		return model.Closing{}, fmt.Errorf("trade %s: %w", req.TradeID, apperr.ErrTradeAlreadyClosed)
	}
	if req.Lot != nil {
		if err := validLot(*req.Lot); err != nil {
			return model.Closing{}, err
		}
	}

	// 2. Current price
	q, err := s.quote(ctx, current.Symbol)
	if err != nil {
		return model.Closing{}, err
	}

	// 3. Settle under the source lock
	var closing model.Closing
	var out challenge.Outcome
	err = s.store.WithFundingSource(ctx, current.FundingRef, func(tx store.Tx) error {
		t, err := tx.Trade(req.TradeID)
		if err != nil {
			return err
		}
		if !t.IsOpen() {
			return fmt.Errorf("trade %s: %w", req.TradeID, apperr.ErrTradeAlreadyClosed)
		}
		lot := t.RemainingLot()
		if req.Lot != nil {
			lot = *req.Lot
		}
		closing, out, err = s.SettleLocked(tx, t, lot, q, types.CloseReasonManual, s.now())
		return err
	})
	if err != nil {
		return model.Closing{}, err
	}
	s.Report(ctx, []model.Closing{closing}, []challenge.Outcome{out})
	return closing, nil
}

func (s *Service) Modify(ctx context.Context, req ModifyRequest) (model.Trade, error) {
	current, err := s.store.GetTrade(ctx, req.TradeID)
	if err != nil {
		return model.Trade{}, err
	}
	if current.UserID != req.UserID {
		return model.Trade{}, fmt.Errorf("trade %s: %w", req.TradeID, apperr.ErrUnauthorized)
	}
	var updated model.Trade
	err = s.store.WithFundingSource(ctx, current.FundingRef, func(tx store.Tx) error {
		t, err := tx.Trade(req.TradeID)
		if err != nil {
			return err
		}
		if !t.IsOpen() {
			return fmt.Errorf("trade %s: %w", req.TradeID, apperr.ErrTradeAlreadyClosed)
		}
		sl, tp := t.StopLoss, t.TakeProfit
		if req.ClearStopLoss {
			sl = nil
		} else if req.StopLoss != nil {
			sl = req.StopLoss
		}
		if req.ClearTakeProfit {
			tp = nil
		} else if req.TakeProfit != nil {
			tp = req.TakeProfit
		}
		if err := ValidateStops(t.Side, t.EntryPrice, sl, tp); err != nil {
			return err
		}
		t.StopLoss, t.TakeProfit = sl, tp
		updated = *t
		return nil
	})
	if err != nil {
		return model.Trade{}, err
	}
	s.log.Info().Str("trade_id", updated.ID).Msg("trade modified")
	return updated, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (model.Trade, error) {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return t, err
	}
	if t.UserID != userID {
		return model.Trade{}, fmt.Errorf("trade %s: %w", id, apperr.ErrUnauthorized)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, userID string, ref model.FundingRef, status string, limit int) ([]model.Trade, error) {
	switch status {
	case "", "open", "closed":
	default:
		return nil, fmt.Errorf("%w: status must be open or closed", apperr.ErrInvalidOrder)
	}
	return s.store.ListTrades(ctx, store.TradeFilter{UserID: userID, Ref: ref, Status: status, Limit: limit})
}

// AccountMetrics values the funding source at current quotes. It reads the
// committed rows and writes nothing back.
func (s *Service) AccountMetrics(ctx context.Context, userID string, ref model.FundingRef) (AccountMetrics, error) {
	fs, err := s.store.GetFundingSource(ctx, ref)
	if err != nil {
		return AccountMetrics{}, err
	}
	if fs.UserID != userID {
		return AccountMetrics{}, fmt.Errorf("funding source %s: %w", ref, apperr.ErrUnauthorized)
	}
	open, err := s.store.ListTrades(ctx, store.TradeFilter{Ref: ref, Status: "open"})
	if err != nil {
		return AccountMetrics{}, err
	}
	prices := s.QuotesFor(ctx, open)

	var m AccountMetrics
	margin := decimal.Zero
	floating := decimal.Zero
	for _, t := range open {
		m.OpenTrades++
		margin = margin.Add(t.Margin)
		if q, ok := prices[t.Symbol]; ok {
			floating = floating.Add(pnl.Round(pnl.Floating(t.Side, t.EntryPrice, q.Bid, q.Ask, t.RemainingLot(), t.ContractSize)))
		} else {
			m.Unpriced++
			floating = floating.Add(t.FloatingPnL)
		}
	}
	fs.Revalue(margin, floating)
	m.Ref = fs.Ref
	m.Balance = fs.Balance
	m.Equity = fs.Equity
	m.Margin = fs.Margin
	m.FreeMargin = fs.FreeMargin
	m.MarginLevel = fs.MarginLevel
	m.FloatingProfit = fs.FloatingProfit
	return m, nil
}

// CloseAll closes the open trades of a funding source selected by scope:
// all, profit (floating PnL above zero) or loss (below zero). Trades whose
// symbol has no fresh quote are skipped.
func (s *Service) CloseAll(ctx context.Context, userID string, ref model.FundingRef, scope string) (CloseAllResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(scope))
	if normalized == "" {
		normalized = "all"
	}
	if normalized != "all" && normalized != "profit" && normalized != "loss" {
		return CloseAllResult{}, fmt.Errorf("%w: invalid close scope; allowed: all, profit, loss", apperr.ErrInvalidOrder)
	}
	open, err := s.store.ListTrades(ctx, store.TradeFilter{Ref: ref, Status: "open"})
	if err != nil {
		return CloseAllResult{}, err
	}
	prices := s.QuotesFor(ctx, open)

	res := CloseAllResult{Scope: normalized}
	var outcomes []challenge.Outcome
	err = s.store.WithFundingSource(ctx, ref, func(tx store.Tx) error {
		if tx.FundingSource().UserID != userID {
			return fmt.Errorf("funding source %s: %w", ref, apperr.ErrUnauthorized)
		}
		res.Total, res.Closed, res.Skipped = 0, 0, 0
		res.Closings, outcomes = nil, nil
		now := s.now()
		for _, t := range tx.OpenTrades() {
			q, ok := prices[t.Symbol]
			floating := t.FloatingPnL
			if ok {
				floating = pnl.Floating(t.Side, t.EntryPrice, q.Bid, q.Ask, t.RemainingLot(), t.ContractSize)
			}
			switch normalized {
			case "profit":
				if !floating.IsPositive() {
					continue
				}
			case "loss":
				if !floating.IsNegative() {
					continue
				}
			}
			res.Total++
			if !ok {
				res.Skipped++
				continue
			}
			c, out, err := s.SettleLocked(tx, t, t.RemainingLot(), q, types.CloseReasonManual, now)
			if err != nil {
				return err
			}
			res.Closed++
			res.Closings = append(res.Closings, c)
			outcomes = append(outcomes, out)
		}
		return nil
	})
	if err != nil {
		return CloseAllResult{}, err
	}
	s.Report(ctx, res.Closings, outcomes)
	return res, nil
}
