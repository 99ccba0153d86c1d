package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus collectors of the control plane. Every method is
// safe on a nil receiver so tests can leave metrics out.
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	orderLatency  *prometheus.HistogramVec
	buyPauseState *prometheus.GaugeVec
	quoteBalance  *prometheus.GaugeVec
	activeTraders prometheus.Gauge
	eventsTotal   *prometheus.CounterVec
	realizedNet   *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Duration of one account trading cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"account_id"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_step_failures_total",
			Help: "Failed trading cycles per account.",
		}, []string{"account_id"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_circuit_breaker_trips_total",
			Help: "Circuit breaker trips per account.",
		}, []string{"account_id"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Limit orders submitted, by side and outcome.",
		}, []string{"side", "status"}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_order_latency_seconds",
			Help:    "Exchange round trip for order placement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"side"}),
		buyPauseState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_buy_pause_state",
			Help: "Buy pause state per account (0 active, 1 throttled, 2 paused).",
		}, []string{"account_id"}),
		quoteBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_quote_balance_free",
			Help: "Last observed free quote balance per account.",
		}, []string{"account_id"}),
		activeTraders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_active_accounts",
			Help: "Account traders currently running.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_events_total",
			Help: "Trading events published, by type.",
		}, []string{"type"}),
		realizedNet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_realized_profit_usdt_total",
			Help: "Positive net profit of closed lots moved to pending earnings.",
		}, []string{"account_id"}),
	}
	m.registry.MustRegister(
		m.cycleDuration, m.stepFailures, m.breakerTrips,
		m.ordersPlaced, m.orderLatency,
		m.buyPauseState, m.quoteBalance, m.activeTraders,
		m.eventsTotal, m.realizedNet,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCycle(accountID string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(accountID).Observe(d.Seconds())
}

func (m *Metrics) StepFailed(accountID string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(accountID).Inc()
}

func (m *Metrics) BreakerTripped(accountID string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(accountID).Inc()
}

// OrderPlaced counts a placement attempt; status is "ok" or "error".
func (m *Metrics) OrderPlaced(side, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(side, status).Inc()
	m.orderLatency.WithLabelValues(side).Observe(latency.Seconds())
}

// SetBuyPauseState records the account's pause state.
func (m *Metrics) SetBuyPauseState(accountID, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "THROTTLED":
		v = 1
	case "PAUSED":
		v = 2
	}
	m.buyPauseState.WithLabelValues(accountID).Set(v)
}

func (m *Metrics) SetQuoteBalance(accountID string, free float64) {
	if m == nil {
		return
	}
	m.quoteBalance.WithLabelValues(accountID).Set(free)
}

func (m *Metrics) SetActiveTraders(n int) {
	if m == nil {
		return
	}
	m.activeTraders.Set(float64(n))
}

func (m *Metrics) countEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) addRealized(accountID string, net float64) {
	if m == nil || net <= 0 {
		return
	}
	m.realizedNet.WithLabelValues(accountID).Add(net)
}
