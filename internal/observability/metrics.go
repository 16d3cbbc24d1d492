package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the trading core.
type Metrics struct {
	TradesOpened   *prometheus.CounterVec
	TradesClosed   *prometheus.CounterVec
	OrderRejected  *prometheus.CounterVec
	LossCapped     prometheus.Counter
	SweepDuration  prometheus.Histogram
	SweepAccounts  prometheus.Counter
	SweepErrors    prometheus.Counter
	StaleSkipped   *prometheus.CounterVec
	ChallengeMoves *prometheus.CounterVec
	NotifyDrops    prometheus.Counter
}

// NewMetrics builds the collectors on reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TradesOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "propdesk_trades_opened_total",
			Help: "Trades opened",
		}, []string{"symbol", "side"}),

		TradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "propdesk_trades_closed_total",
			Help: "Trade closes, partial or full",
		}, []string{"symbol", "reason"}),

		OrderRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "propdesk_orders_rejected_total",
			Help: "Orders rejected before any mutation",
		}, []string{"kind"}),

		LossCapped: f.NewCounter(prometheus.CounterOpts{
			Name: "propdesk_loss_capped_total",
			Help: "Closes where the loss exceeded the funding source",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "propdesk_sweep_duration_seconds",
			Help:    "Wall time of one liquidation sweep",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		SweepAccounts: f.NewCounter(prometheus.CounterOpts{
			Name: "propdesk_sweep_accounts_total",
			Help: "Funding sources visited by the sweep",
		}),

		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "propdesk_sweep_errors_total",
			Help: "Funding sources whose sweep failed",
		}),

		StaleSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "propdesk_sweep_positions_skipped_total",
			Help: "Positions skipped because no fresh quote was available",
		}, []string{"symbol"}),

		ChallengeMoves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "propdesk_challenge_transitions_total",
			Help: "Challenge phase and status transitions",
		}, []string{"transition"}),

		NotifyDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "propdesk_notify_failures_total",
			Help: "Outbound notifications that could not be published",
		}),
	}
}
