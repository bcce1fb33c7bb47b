// Package metrics exposes the Prometheus instrumentation for the
// decision pipeline and position lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for tradegate.
type Registry struct {
	// Decision pipeline
	Decisions     *prometheus.CounterVec
	TriggersFired *prometheus.CounterVec
	ProposerCalls *prometheus.CounterVec
	TickDuration  prometheus.Histogram

	// Budget
	BudgetRemaining *prometheus.GaugeVec
	BudgetDenials   *prometheus.CounterVec

	// Risk
	BreakerTripped    prometheus.Gauge
	DailyDrawdownPct  prometheus.Gauge
	LeverageAdjusted  prometheus.Counter
	Equity            prometheus.Gauge

	// Execution
	ExecutionMode   *prometheus.GaugeVec
	OpenPositions   *prometheus.GaugeVec
	PositionActions *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
}

// NewRegistry creates all tradegate metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_decisions_total",
				Help: "Pipeline decisions by verdict and rejection reason",
			},
			[]string{"verdict", "reason"},
		),
		TriggersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_triggers_total",
				Help: "Scanner triggers emitted by type and category",
			},
			[]string{"type", "category"},
		),
		ProposerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_proposer_calls_total",
				Help: "Proposer calls by class and outcome",
			},
			[]string{"class", "outcome"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradegate_tick_duration_seconds",
				Help:    "Duration of one full pipeline tick",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		BudgetRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_budget_remaining",
				Help: "Remaining proposer calls for the day by class",
			},
			[]string{"class"},
		),
		BudgetDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_budget_denials_total",
				Help: "Budget gate denials by class and reason",
			},
			[]string{"class", "reason"},
		),
		BreakerTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_breaker_tripped",
				Help: "1 when the daily drawdown breaker is tripped",
			},
		),
		DailyDrawdownPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_daily_drawdown_pct",
				Help: "Current drawdown from day-start equity in percent (negative when down)",
			},
		),
		LeverageAdjusted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_leverage_adjusted_total",
				Help: "Orders whose requested leverage was capped",
			},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_equity",
				Help: "Last fetched account equity",
			},
		),
		ExecutionMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_execution_mode",
				Help: "1 for the active execution mode, 0 otherwise",
			},
			[]string{"mode"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_open_positions",
				Help: "Open positions by category and book",
			},
			[]string{"category", "book"},
		),
		PositionActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_position_actions_total",
				Help: "Position lifecycle actions by type",
			},
			[]string{"action"},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_orders_total",
				Help: "Orders routed by execution mode and result",
			},
			[]string{"mode", "result"},
		),
	}
	reg.MustRegister(
		r.Decisions, r.TriggersFired, r.ProposerCalls, r.TickDuration,
		r.BudgetRemaining, r.BudgetDenials,
		r.BreakerTripped, r.DailyDrawdownPct, r.LeverageAdjusted, r.Equity,
		r.ExecutionMode, r.OpenPositions, r.PositionActions, r.OrdersPlaced,
	)
	return r
}

// SetMode flips the execution mode gauge family to the active mode.
func (r *Registry) SetMode(active string) {
	for _, m := range []string{"LIVE", "PAPER_ONLY", "SHADOW"} {
		v := 0.0
		if m == active {
			v = 1.0
		}
		r.ExecutionMode.WithLabelValues(m).Set(v)
	}
}
