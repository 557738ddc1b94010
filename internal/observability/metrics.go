// Package observability wires Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingestions     *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	duplicates     *prometheus.CounterVec
	lineageNodes   *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xylem",
			Name:      "ingestions_total",
			Help:      "Ingestion attempts by outcome code.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xylem",
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end ingestion latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xylem",
			Name:      "duplicates_total",
			Help:      "Rejected uploads by duplicate kind (exact, near, race).",
		}, []string{"kind"}),
		lineageNodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xylem",
			Name:      "lineage_nodes",
			Help:      "Records returned per lineage walk.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"walk"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xylem",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xylem",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestions, m.ingestDuration, m.duplicates, m.lineageNodes, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveIngest records one ingestion attempt.
func (m *Metrics) ObserveIngest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

// CountDuplicate records a rejected duplicate upload.
func (m *Metrics) CountDuplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

// ObserveLineage records the size of a lineage result.
func (m *Metrics) ObserveLineage(walk string, nodes int) {
	if m == nil {
		return
	}
	m.lineageNodes.WithLabelValues(walk).Observe(float64(nodes))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
