package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Prometheus instrumentation for the lifecycle engine
// ═══════════════════════════════════════════════════════════════════════════════

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainflow_ticks_total",
		Help: "Reconciliation ticks executed",
	})

	TickFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainflow_tick_failures_total",
		Help: "Ticks that ended in error or panic",
	})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_orders_placed_total",
		Help: "Broker orders placed, by role",
	}, []string{"role"})

	OrdersClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_orders_closed_total",
		Help: "Broker orders closed, by close reason",
	}, []string{"reason"})

	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_recoveries_total",
		Help: "Recovery attempts, by outcome (success or failure)",
	}, []string{"outcome"})

	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_execution_skips_total",
		Help: "Executions refused by the gate, by skip reason",
	}, []string{"reason"})

	TriggersRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_triggers_registered_total",
		Help: "Pending triggers registered, by kind",
	}, []string{"kind"})

	TriggersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainflow_triggers_expired_total",
		Help: "Pending triggers swept after their window lapsed",
	})

	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainflow_open_trades",
		Help: "Trades currently open",
	})

	ActiveChains = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainflow_active_chains",
		Help: "Chains under management, by kind (reentry or profit)",
	}, []string{"kind"})

	RealizedProfitUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainflow_realized_profit_usd",
		Help: "Cumulative realized profit across all chains",
	})
)

// Handler returns the scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
