// Package metrics holds the Prometheus collectors for the booking service.
// All observe methods are safe to call on a nil *Metrics, which is how
// components run with metrics disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	commitResults    *prometheus.CounterVec
	workflowOutcomes *prometheus.CounterVec
	catalogSources   *prometheus.CounterVec
	doubleBookings   prometheus.Gauge
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		commitResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_commits_total",
			Help:      "Reservation commit attempts by result class.",
		}, []string{"result"}),
		workflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_workflow_outcomes_total",
			Help:      "Outcomes emitted by booking workflows.",
		}, []string{"outcome"}),
		catalogSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_catalog_resolutions_total",
			Help:      "Candidate slot resolutions by source (provider, template, fallback).",
		}, []string{"source"}),
		doubleBookings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "double_bookings",
			Help:      "Doctor slots currently held by more than one open appointment.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.commitResults,
		m.workflowOutcomes,
		m.catalogSources,
		m.doubleBookings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.commitResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.workflowOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCatalogSource(source string) {
	if m == nil {
		return
	}
	m.catalogSources.WithLabelValues(source).Inc()
}

func (m *Metrics) SetDoubleBookings(n int) {
	if m == nil {
		return
	}
	m.doubleBookings.Set(float64(n))
}
