// Package metrics holds the Prometheus collectors for the delivery pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	flags            *prometheus.CounterVec
	pending          *prometheus.CounterVec
	customEvents     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_collector_deliveries_total",
				Help: "Events sent to the analytics collector by event name and outcome",
			},
			[]string{"event", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_collector_request_duration_seconds",
				Help:    "Latency of collector requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		flags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tracking_flags_total",
				Help: "Tracking flag claims by flag and result",
			},
			[]string{"flag", "result"},
		),
		pending: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pending_operations_total",
				Help: "Pending conversion queue operations by operation and scope",
			},
			[]string{"op", "scope"},
		),
		customEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_custom_events_total",
				Help: "Custom events routed by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
	}
	m.registry.MustRegister(
		m.deliveries,
		m.deliveryDuration,
		m.flags,
		m.pending,
		m.customEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveDelivery(event string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, outcome(success)).Inc()
	m.deliveryDuration.WithLabelValues(event).Observe(took.Seconds())
}

// ObserveRefused counts a delivery that never reached the network.
func (m *Metrics) ObserveRefused(event, reason string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) ObserveFlag(flag string, claimed bool) {
	if m == nil {
		return
	}
	result := "claimed"
	if !claimed {
		result = "already_set"
	}
	m.flags.WithLabelValues(flag, result).Inc()
}

func (m *Metrics) ObservePending(op, scope string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(op, scope).Inc()
}

func (m *Metrics) ObserveCustomEvent(mode string, success bool) {
	if m == nil {
		return
	}
	m.customEvents.WithLabelValues(mode, outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
