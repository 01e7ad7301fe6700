package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MorphoMetrics tracks the matching engine and its HTTP surface.
type MorphoMetrics struct {
	actions         *prometheus.CounterVec
	actionErrors    *prometheus.CounterVec
	actionLatency   *prometheus.HistogramVec
	events          *prometheus.CounterVec
	p2pDeltas       *prometheus.GaugeVec
	p2pAmounts      *prometheus.GaugeVec
	treasuryClaimed *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpThrottles   prometheus.Counter
}

var (
	morphoOnce     sync.Once
	morphoRegistry *MorphoMetrics
)

// Morpho returns the lazily-initialised engine metrics registry.
func Morpho() *MorphoMetrics {
	morphoOnce.Do(func() {
		morphoRegistry = &MorphoMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "actions_total",
				Help:      "Count of user actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "action_errors_total",
				Help:      "Count of rejected user actions segmented by action and reason.",
			}, []string{"action", "reason"}),
			actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for engine actions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			p2pDeltas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "morpho",
				Subsystem: "ledger",
				Name:      "p2p_delta",
				Help:      "Current P2P delta per market and side, in pool units.",
			}, []string{"market", "side"}),
			p2pAmounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "morpho",
				Subsystem: "ledger",
				Name:      "p2p_amount",
				Help:      "Current nominal P2P volume per market and side, in P2P units.",
			}, []string{"market", "side"}),
			treasuryClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "ledger",
				Name:      "treasury_claimed_total",
				Help:      "Cumulative underlying claimed to the treasury per market.",
			}, []string{"market"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests segmented by route and status.",
			}, []string{"route", "status"}),
			httpThrottles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "morpho",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of HTTP requests rejected by rate limiting.",
			}),
		}
		prometheus.MustRegister(
			morphoRegistry.actions,
			morphoRegistry.actionErrors,
			morphoRegistry.actionLatency,
			morphoRegistry.events,
			morphoRegistry.p2pDeltas,
			morphoRegistry.p2pAmounts,
			morphoRegistry.treasuryClaimed,
			morphoRegistry.httpRequests,
			morphoRegistry.httpThrottles,
		)
	})
	return morphoRegistry
}

// ObserveAction records one engine action with its outcome and duration.
func (m *MorphoMetrics) ObserveAction(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.actionErrors.WithLabelValues(action, err.Error()).Inc()
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordEvent counts a ledger event by type.
func (m *MorphoMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// SetP2PDelta publishes the current delta for one market side.
func (m *MorphoMetrics) SetP2PDelta(market, side string, value float64) {
	if m == nil {
		return
	}
	m.p2pDeltas.WithLabelValues(market, side).Set(value)
}

// SetP2PAmount publishes the current nominal P2P volume for one market side.
func (m *MorphoMetrics) SetP2PAmount(market, side string, value float64) {
	if m == nil {
		return
	}
	m.p2pAmounts.WithLabelValues(market, side).Set(value)
}

// RecordTreasuryClaim adds a claimed amount to the per-market counter.
func (m *MorphoMetrics) RecordTreasuryClaim(market string, amount float64) {
	if m == nil {
		return
	}
	m.treasuryClaimed.WithLabelValues(market).Add(amount)
}

// ObserveHTTP counts one HTTP request for a route and status code.
func (m *MorphoMetrics) ObserveHTTP(route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
}

// RecordThrottle counts a rate-limited HTTP request.
func (m *MorphoMetrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.httpThrottles.Inc()
}
