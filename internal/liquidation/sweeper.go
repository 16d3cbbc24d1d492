// Package liquidation runs the periodic sweep over funding sources with
// open positions: stop-out first, then stop loss and take profit.
package liquidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lv-propdesk/internal/challenge"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/notify"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/orders"
	"lv-propdesk/internal/pnl"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EquityJournal keeps the equity figures each sweep computed.
type EquityJournal interface {
	RecordEquity(ctx context.Context, s model.EquitySnapshot) error
}

type Config struct {
	Interval     time.Duration
	Concurrency  int
	StopOutLevel decimal.Decimal
	QuoteTimeout time.Duration
}

type Deps struct {
	Store    store.Store
	Orders   *orders.Service
	Quotes   marketdata.Source
	Journal  EquityJournal
	Notifier notify.Publisher
	Metrics  *observability.Metrics
	Log      zerolog.Logger
}

type Sweeper struct {
	store    store.Store
	orders   *orders.Service
	quotes   marketdata.Source
	journal  EquityJournal
	notifier notify.Publisher
	metrics  *observability.Metrics
	log      zerolog.Logger
	cfg      Config
	now      func() time.Time

	// one sweep at a time; a tick that finds a sweep running is dropped
	running sync.Mutex
}

// Result summarises one sweep.
type Result struct {
	Accounts int                       `json:"accounts"`
	StopOuts int                       `json:"stop_outs"`
	Closed   map[types.CloseReason]int `json:"closed"`
	Skipped  int                       `json:"skipped"`
	Errors   int                       `json:"errors"`
	Duration time.Duration             `json:"duration"`
}

type accountResult struct {
	stopOut  bool
	closings []model.Closing
	outcomes []challenge.Outcome
	skipped  int
	snapshot model.EquitySnapshot
}

func NewSweeper(d Deps, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 3 * time.Second
	}
	if !cfg.StopOutLevel.IsPositive() {
		cfg.StopOutLevel = decimal.NewFromInt(50)
	}
	s := &Sweeper{
		store:    d.Store,
		orders:   d.Orders,
		quotes:   d.Quotes,
		journal:  d.Journal,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		cfg:      cfg,
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.Interval).Int("concurrency", s.cfg.Concurrency).Msg("liquidation sweep started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("liquidation sweep stopped")
			return
		case <-ticker.C:
			if !s.running.TryLock() {
				s.log.Debug().Msg("previous sweep still running")
				continue
			}
			if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
			s.running.Unlock()
		}
	}
}

// SweepOnce runs a single sweep, waiting for one in progress to finish.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Closed: map[types.CloseReason]int{}}
	refs, err := s.store.OpenFundingRefs(ctx)
	if err != nil {
		return res, fmt.Errorf("list funding sources: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			ar, err := s.sweepAccount(gctx, ref)
			s.metrics.SweepAccounts.Inc()
			mu.Lock()
			defer mu.Unlock()
			res.Accounts++
			if err != nil {
				// one account must not stop the others
				res.Errors++
				s.metrics.SweepErrors.Inc()
				s.log.Error().Err(err).Str("funding_ref", ref.String()).Msg("sweep account failed")
				return nil
			}
			res.Skipped += ar.skipped
			if ar.stopOut {
				res.StopOuts++
			}
			for _, c := range ar.closings {
				res.Closed[c.Reason]++
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	s.metrics.SweepDuration.Observe(res.Duration.Seconds())
	if res.StopOuts > 0 || len(res.Closed) > 0 || res.Errors > 0 {
		s.log.Info().
			Int("accounts", res.Accounts).
			Int("stop_outs", res.StopOuts).
			Int("margin_call", res.Closed[types.CloseReasonMarginCall]).
			Int("stop_loss", res.Closed[types.CloseReasonStopLoss]).
			Int("take_profit", res.Closed[types.CloseReasonTakeProfit]).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Dur("took", res.Duration).
			Msg("sweep done")
	}
	return res, ctx.Err()
}

// prices fetches one quote per distinct symbol, each under its own timeout.
// Symbols that fail are left out.
func (s *Sweeper) prices(ctx context.Context, trades []model.Trade) map[string]model.Quote {
	out := make(map[string]model.Quote)
	tried := make(map[string]bool)
	for _, t := range trades {
		if tried[t.Symbol] {
			continue
		}
		tried[t.Symbol] = true
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
		q, err := s.quotes.GetPrice(qctx, t.Symbol)
		cancel()
		if err != nil || !q.Valid() {
			continue
		}
		out[t.Symbol] = q
	}
	return out
}

func (s *Sweeper) sweepAccount(ctx context.Context, ref model.FundingRef) (accountResult, error) {
	open, err := s.store.ListTrades(ctx, store.TradeFilter{Ref: ref, Status: "open"})
	if err != nil {
		return accountResult{}, err
	}
	if len(open) == 0 {
		return accountResult{}, nil
	}
	prices := s.prices(ctx, open)

	var ar accountResult
	err = s.store.WithFundingSource(ctx, ref, func(tx store.Tx) error {
		ar = accountResult{}
		now := s.now().UTC()
		fs := tx.FundingSource()

		// 1. Figures over priced positions only
		margin, floating := decimal.Zero, decimal.Zero
		var priced []*model.Trade
		for _, t := range tx.OpenTrades() {
			q, ok := prices[t.Symbol]
			if !ok {
				ar.skipped++
				s.metrics.StaleSkipped.WithLabelValues(t.Symbol).Inc()
				continue
			}
			priced = append(priced, t)
			margin = margin.Add(t.Margin)
			floating = floating.Add(pnl.Floating(t.Side, t.EntryPrice, q.Bid, q.Ask, t.RemainingLot(), t.ContractSize))
		}
		equity := fs.Balance.Add(floating)
		level := model.MarginLevel(equity, margin)

		// 2. Stop-out closes every priced position
		if len(priced) > 0 && StopOut(equity, margin, level, s.cfg.StopOutLevel) {
			ar.stopOut = true
			ar.snapshot = model.EquitySnapshot{
				Ref: fs.Ref, Balance: fs.Balance, Equity: equity, Margin: margin,
				MarginLevel: level, FloatingProfit: pnl.Round(floating), StopOut: true, At: now,
			}
			for _, t := range priced {
				if err := s.settle(tx, &ar, t, prices[t.Symbol], types.CloseReasonMarginCall, now); err != nil {
					return err
				}
			}
		}

		// 3. Stop loss and take profit on what is still open
		for _, t := range tx.OpenTrades() {
			q, ok := prices[t.Symbol]
			if !ok {
				continue
			}
			reason, hit := Triggered(t, q)
			if !hit {
				continue
			}
			if err := s.settle(tx, &ar, t, q, reason, now); err != nil {
				return err
			}
		}

		s.orders.Revalue(tx, prices)
		if !ar.stopOut {
			ar.snapshot = model.EquitySnapshot{
				Ref: fs.Ref, Balance: fs.Balance, Equity: fs.Equity, Margin: fs.Margin,
				MarginLevel: fs.MarginLevel, FloatingProfit: fs.FloatingProfit, At: now,
			}
		}
		return nil
	})
	if err != nil {
		return accountResult{}, err
	}

	s.orders.Report(ctx, ar.closings, ar.outcomes)
	if ar.stopOut {
		s.log.Warn().
			Str("funding_ref", ref.String()).
			Str("equity", ar.snapshot.Equity.StringFixed(2)).
			Str("margin", ar.snapshot.Margin.StringFixed(2)).
			Str("margin_level", ar.snapshot.MarginLevel.String()).
			Int("closed", len(ar.closings)).
			Msg("stop-out")
		s.notifier.Publish(notify.SubjectMarginCall, ar.snapshot)
	}
	if s.journal != nil {
		if err := s.journal.RecordEquity(ctx, ar.snapshot); err != nil {
			s.log.Warn().Err(err).Str("funding_ref", ref.String()).Msg("equity journal write failed")
		}
	}
	return ar, nil
}

func (s *Sweeper) settle(tx store.Tx, ar *accountResult, t *model.Trade, q model.Quote, reason types.CloseReason, now time.Time) error {
	c, out, err := s.orders.SettleLocked(tx, t, t.RemainingLot(), q, reason, now)
	if err != nil {
		return fmt.Errorf("close %s: %w", t.ID, err)
	}
	ar.closings = append(ar.closings, c)
	ar.outcomes = append(ar.outcomes, out)
	return nil
}

// StopOut reports whether an account must be liquidated: margin level at
// or below level while margin is used, or no equity left.
func StopOut(equity, margin, marginLevel, level decimal.Decimal) bool {
	if !equity.IsPositive() {
		return true
	}
	return margin.IsPositive() && marginLevel.LessThanOrEqual(level)
}

// Triggered checks stop loss before take profit. Longs trigger on the bid,
// shorts on the ask.
func Triggered(t *model.Trade, q model.Quote) (types.CloseReason, bool) {
	switch t.Side {
	case types.OrderSideBuy:
		if t.StopLoss != nil && q.Bid.LessThanOrEqual(*t.StopLoss) {
			return types.CloseReasonStopLoss, true
		}
		if t.TakeProfit != nil && q.Bid.GreaterThanOrEqual(*t.TakeProfit) {
			return types.CloseReasonTakeProfit, true
		}
	case types.OrderSideSell:
		if t.StopLoss != nil && q.Ask.GreaterThanOrEqual(*t.StopLoss) {
			return types.CloseReasonStopLoss, true
		}
		if t.TakeProfit != nil && q.Ask.LessThanOrEqual(*t.TakeProfit) {
			return types.CloseReasonTakeProfit, true
		}
	}
	return "", false
}
