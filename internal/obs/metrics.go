package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polymm"

// Metrics holds the prometheus collectors for every core component.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	busPublished *prometheus.CounterVec
	busDropped   *prometheus.CounterVec

	killSwitchState    *prometheus.GaugeVec
	killSwitchTriggers *prometheus.CounterVec
	pausedMarkets      prometheus.Gauge
	dailyLoss          prometheus.Gauge

	ordersSubmitted *prometheus.CounterVec
	ordersCancelled prometheus.Counter
	ordersTracked   prometheus.Gauge

	reconcileRuns       *prometheus.CounterVec
	reconcileMismatches *prometheus.CounterVec

	unwindRuns     *prometheus.CounterVec
	unwindMerged   prometheus.Counter
	unwindSold     prometheus.Counter
	unwindOrphaned prometheus.Counter
}

// NewMetrics allocates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Events published per topic.",
		}, []string{"topic"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}, []string{"topic"}),
		killSwitchState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "kill_switch", Name: "state",
			Help: "1 for the current kill switch state, 0 otherwise.",
		}, []string{"state"}),
		killSwitchTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kill_switch", Name: "triggers_total",
			Help: "Kill switch triggers by kind.",
		}, []string{"trigger"}),
		pausedMarkets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "kill_switch", Name: "paused_markets",
			Help: "Markets paused for stale data.",
		}),
		dailyLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "kill_switch", Name: "daily_loss",
			Help: "Loss accumulated since the last UTC day boundary.",
		}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "submitted_total",
			Help: "Orders submitted to the venue by resulting status.",
		}, []string{"status"}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "cancelled_total",
			Help: "Orders cancelled on the venue.",
		}),
		ordersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orders", Name: "tracked",
			Help: "Orders held in local tracking.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "runs_total",
			Help: "Reconciliation cycles by outcome.",
		}, []string{"status"}),
		reconcileMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "mismatches_total",
			Help: "Reconciliation mismatches by type.",
		}, []string{"type"}),
		unwindRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unwind", Name: "runs_total",
			Help: "Unwind runs by outcome.",
		}, []string{"outcome"}),
		unwindMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unwind", Name: "merged_total",
			Help: "Token pairs merged during unwind.",
		}),
		unwindSold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unwind", Name: "sold_total",
			Help: "Tokens sold during unwind.",
		}),
		unwindOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "unwind", Name: "orphaned_total",
			Help: "Position legs left orphaned by unwind.",
		}),
	}

	m.registry.MustRegister(
		m.busPublished, m.busDropped,
		m.killSwitchState, m.killSwitchTriggers, m.pausedMarkets, m.dailyLoss,
		m.ordersSubmitted, m.ordersCancelled, m.ordersTracked,
		m.reconcileRuns, m.reconcileMismatches,
		m.unwindRuns, m.unwindMerged, m.unwindSold, m.unwindOrphaned,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BusPublished(topic string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(topic).Inc()
}

func (m *Metrics) BusDropped(topic string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(topic).Inc()
}

// KillSwitchState marks state as current and clears the others.
func (m *Metrics) KillSwitchState(state string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.killSwitchState.WithLabelValues(s).Set(0)
	}
	m.killSwitchState.WithLabelValues(state).Set(1)
}

func (m *Metrics) KillSwitchTrigger(trigger string) {
	if m == nil {
		return
	}
	m.killSwitchTriggers.WithLabelValues(trigger).Inc()
}

func (m *Metrics) PausedMarkets(n int) {
	if m == nil {
		return
	}
	m.pausedMarkets.Set(float64(n))
}

func (m *Metrics) DailyLoss(v float64) {
	if m == nil {
		return
	}
	m.dailyLoss.Set(v)
}

func (m *Metrics) OrderSubmitted(status string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(status).Inc()
}

func (m *Metrics) OrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

func (m *Metrics) OrdersTracked(n int) {
	if m == nil {
		return
	}
	m.ordersTracked.Set(float64(n))
}

func (m *Metrics) ReconcileRun(status string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) ReconcileMismatch(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileMismatches.WithLabelValues(kind).Add(float64(n))
}

// UnwindRun records one finished unwind.
func (m *Metrics) UnwindRun(outcome string, merged, sold float64, orphaned int) {
	if m == nil {
		return
	}
	m.unwindRuns.WithLabelValues(outcome).Inc()
	m.unwindMerged.Add(merged)
	m.unwindSold.Add(sold)
	m.unwindOrphaned.Add(float64(orphaned))
}
