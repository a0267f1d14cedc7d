// Package metrics exposes the gate's Prometheus collectors and the local
// status server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"capital-gate/governor"
	"capital-gate/trading"
)

const namespace = "capital_gate"

// Collectors groups every metric on a private registry.
type Collectors struct {
	Registry *prometheus.Registry

	vetoes       *prometheus.CounterVec
	orders       *prometheus.CounterVec
	closes       *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram

	equity            prometheus.Gauge
	balance           prometheus.Gauge
	dailyPnL          prometheus.Gauge
	totalPnL          prometheus.Gauge
	openPositions     prometheus.Gauge
	consecutiveLosses prometheus.Gauge
	profitLockFloor   prometheus.Gauge
	sessionDisabled   prometheus.Gauge
}

func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Collectors{
		Registry: reg,
		vetoes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vetoes_total",
			Help:      "Entry rejections by category and rule",
		}, []string{"category", "rule"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order placements by side and outcome (placed, simulated, rejected, failed)",
		}, []string{"side", "outcome"}),
		closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closes_total",
			Help:      "Position closes by reason and outcome",
		}, []string{"reason", "outcome"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Polling ticks by outcome",
		}, []string{"outcome"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one polling tick",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		equity:            gauge("account_equity", "Account equity reported by the venue"),
		balance:           gauge("account_balance", "Account balance reported by the venue"),
		dailyPnL:          gauge("daily_pnl", "Daily PnL"),
		totalPnL:          gauge("total_pnl", "Equity minus starting balance"),
		openPositions:     gauge("open_positions", "Open positions owned by the strategy"),
		consecutiveLosses: gauge("consecutive_losses", "Losing closes since the last win"),
		profitLockFloor:   gauge("profit_lock_floor", "Locked profit floor, zero while unarmed"),
		sessionDisabled:   gauge("session_disabled", "1 once the session has been disabled"),
	}
}

// Veto implements governor.VetoRecorder.
func (c *Collectors) Veto(category, rule string) {
	c.vetoes.WithLabelValues(category, rule).Inc()
}

func (c *Collectors) Order(side trading.Side, outcome string) {
	c.orders.WithLabelValues(string(side), outcome).Inc()
}

func (c *Collectors) Close(reason, outcome string) {
	c.closes.WithLabelValues(reason, outcome).Inc()
}

func (c *Collectors) Tick(d time.Duration, outcome string) {
	c.ticks.WithLabelValues(outcome).Inc()
	c.tickDuration.Observe(d.Seconds())
}

// Observe publishes the account and governor gauges.
func (c *Collectors) Observe(acc trading.AccountState, state governor.State, open int) {
	c.equity.Set(acc.Equity.InexactFloat64())
	c.balance.Set(acc.Balance.InexactFloat64())
	c.dailyPnL.Set(acc.DailyPnL.InexactFloat64())
	c.totalPnL.Set(acc.TotalPnL.InexactFloat64())
	c.openPositions.Set(float64(open))
	c.consecutiveLosses.Set(float64(state.ConsecutiveLosses))
	if state.ProfitLockArmed {
		c.profitLockFloor.Set(state.LockedFloor.InexactFloat64())
	} else {
		c.profitLockFloor.Set(0)
	}
	if state.Disabled {
		c.sessionDisabled.Set(1)
	} else {
		c.sessionDisabled.Set(0)
	}
}
