// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "egregore_gateway"

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal        *prometheus.CounterVec
	rejectionsTotal     *prometheus.CounterVec
	upstreamErrorsTotal prometheus.Counter
	upstreamDuration    prometheus.Histogram
	onboardingTotal     *prometheus.CounterVec
}

// New creates the collectors on a private registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Statements dispatched to tenant graph endpoints",
		},
		[]string{"classification"},
	)
	m.rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected before dispatch, by error code",
		},
		[]string{"code"},
	)
	m.upstreamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Graph endpoint calls that failed or returned errors",
	})
	m.upstreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_duration_seconds",
		Help:      "Latency of graph endpoint calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	m.onboardingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onboarding_total",
			Help:      "Onboarding operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	reg.MustRegister(
		m.queriesTotal,
		m.rejectionsTotal,
		m.upstreamErrorsTotal,
		m.upstreamDuration,
		m.onboardingTotal,
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

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordQuery(classification string) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(classification).Inc()
}

func (m *Metrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(code).Inc()
}

// ObserveUpstream records one graph call and whether it failed.
func (m *Metrics) ObserveUpstream(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.upstreamDuration.Observe(d.Seconds())
	if failed {
		m.upstreamErrorsTotal.Inc()
	}
}

func (m *Metrics) RecordOnboarding(operation, outcome string) {
	if m == nil {
		return
	}
	m.onboardingTotal.WithLabelValues(operation, outcome).Inc()
}
