// Package metrics exposes the Prometheus metrics emitted by both the
// client shim and the server loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the bridge registers.
type Metrics struct {
	RPCDuration     *prometheus.HistogramVec
	RPCTotal        *prometheus.CounterVec
	WatchdogTrips   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	StepsTotal      *prometheus.CounterVec
	EventsDetected  *prometheus.CounterVec
	IntegratorOrder prometheus.Gauge
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	return &Metrics{
		RPCDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fmibridge_rpc_duration_seconds",
				Help:    "Duration of a single opcode round trip across the shared-memory channel",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"opcode"},
		),
		RPCTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fmibridge_rpc_total",
				Help: "Total number of opcode round trips, by status",
			},
			[]string{"opcode", "status"},
		),
		WatchdogTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fmibridge_watchdog_trips_total",
				Help: "Total number of times a liveness watchdog detected a dead peer process",
			},
			[]string{"side"}, // side: client, server
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fmibridge_sessions_active",
				Help: "Number of sessions currently in the Ready/DispatchLoop state",
			},
		),
		StepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fmibridge_integrator_steps_total",
				Help: "Total number of DoStep calls handled, by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error
		),
		EventsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fmibridge_events_detected_total",
				Help: "Total number of DoStep calls that encountered at least one event",
			},
			[]string{"model"},
		),
		IntegratorOrder: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fmibridge_integrator_order",
				Help: "Order of the BDF formula currently in use",
			},
		),
	}
}

// RecordRPC records one opcode round trip.
func (m *Metrics) RecordRPC(opcode, status string, seconds float64) {
	m.RPCDuration.WithLabelValues(opcode).Observe(seconds)
	m.RPCTotal.WithLabelValues(opcode, status).Inc()
}

// RecordWatchdogTrip records a liveness watchdog detecting a dead peer.
func (m *Metrics) RecordWatchdogTrip(side string) {
	m.WatchdogTrips.WithLabelValues(side).Inc()
}

// RecordStep records the outcome of one DoStep call.
func (m *Metrics) RecordStep(outcome string) {
	m.StepsTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent records one DoStep call that encountered an event.
func (m *Metrics) RecordEvent(model string) {
	m.EventsDetected.WithLabelValues(model).Inc()
}
