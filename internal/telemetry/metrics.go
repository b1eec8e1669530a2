// Package telemetry exposes the process Prometheus registry and the
// counters the ingest pipeline reports into.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the daemon records. A nil *Metrics is
// valid and turns every method into a no-op, which keeps tests quiet.
type Metrics struct {
	registry *prometheus.Registry

	DiffsApplied   *prometheus.CounterVec
	Gaps           *prometheus.CounterVec
	Resyncs        *prometheus.CounterVec
	WSReconnects   prometheus.Counter
	RESTRequests   *prometheus.CounterVec
	ActiveConns    prometheus.Gauge
	RetryQueueLen  prometheus.Gauge
	RequestWeight  prometheus.Gauge
	ApplyDurations prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.DiffsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depthwatch",
		Name:      "diffs_applied_total",
		Help:      "Depth diffs applied to local replicas.",
	}, []string{"segment"})
	m.Gaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depthwatch",
		Name:      "gaps_total",
		Help:      "Sequence gaps that forced a resync.",
	}, []string{"segment"})
	m.Resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depthwatch",
		Name:      "resyncs_total",
		Help:      "Snapshot resyncs performed.",
	}, []string{"segment"})
	m.WSReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "depthwatch",
		Name:      "ws_reconnects_total",
		Help:      "Websocket connection attempts after the first.",
	})
	m.RESTRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depthwatch",
		Name:      "rest_requests_total",
		Help:      "REST calls issued to the exchange.",
	}, []string{"segment", "outcome"})
	m.ActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "depthwatch",
		Name:      "active_connections",
		Help:      "Open websocket connections.",
	})
	m.RetryQueueLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "depthwatch",
		Name:      "retry_queue_length",
		Help:      "Subscriptions waiting for a retry.",
	})
	m.RequestWeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "depthwatch",
		Name:      "request_weight_used",
		Help:      "Exchange request weight used in the current minute.",
	})
	m.ApplyDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "depthwatch",
		Name:      "apply_duration_seconds",
		Help:      "Latency of a single diff application.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	})

	m.registry.MustRegister(
		m.DiffsApplied, m.Gaps, m.Resyncs, m.WSReconnects, m.RESTRequests,
		m.ActiveConns, m.RetryQueueLen, m.RequestWeight, m.ApplyDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DiffApplied(segment string) {
	if m == nil {
		return
	}
	m.DiffsApplied.WithLabelValues(segment).Inc()
}

func (m *Metrics) Gap(segment string) {
	if m == nil {
		return
	}
	m.Gaps.WithLabelValues(segment).Inc()
}

func (m *Metrics) Resync(segment string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(segment).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

func (m *Metrics) RESTRequest(segment, outcome string) {
	if m == nil {
		return
	}
	m.RESTRequests.WithLabelValues(segment, outcome).Inc()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConns.Set(float64(n))
}

func (m *Metrics) SetRetryQueueLength(n int) {
	if m == nil {
		return
	}
	m.RetryQueueLen.Set(float64(n))
}

func (m *Metrics) SetRequestWeight(w int) {
	if m == nil {
		return
	}
	m.RequestWeight.Set(float64(w))
}

func (m *Metrics) ObserveApply(seconds float64) {
	if m == nil {
		return
	}
	m.ApplyDurations.Observe(seconds)
}
