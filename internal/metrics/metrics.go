// Package metrics exposes prometheus metrics for credential flows.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dc"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	flows            *prometheus.CounterVec
	flowDuration     *prometheus.HistogramVec
	verifierRequests *prometheus.CounterVec
	pollAttempts     *prometheus.HistogramVec
	credentialCalls  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "completed_total",
			Help:      "Credential flows by protocol, final state and failure stage.",
		}, []string{"protocol", "state", "stage"}),
		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Credential flow duration.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"protocol"}),
		verifierRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "requests_total",
			Help:      "Verifier calls by protocol, operation and HTTP status code.",
		}, []string{"protocol", "operation", "code"}),
		pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "poll_attempts",
			Help:      "Info calls made before a terminal status or timeout.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"protocol"}),
		credentialCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dcapi",
			Name:      "calls_total",
			Help:      "Credential provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	m.registry.MustRegister(
		m.flows, m.flowDuration, m.verifierRequests, m.pollAttempts, m.credentialCalls,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveVerifierCall counts one verifier call. code 0 means the call never
// got a response.
func (m *Metrics) ObserveVerifierCall(protocol, operation string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.verifierRequests.WithLabelValues(protocol, operation, label).Inc()
}

func (m *Metrics) ObservePoll(protocol string, attempts int) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(protocol).Observe(float64(attempts))
}

func (m *Metrics) ObserveCredentialCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.credentialCalls.WithLabelValues(provider, outcome).Inc()
}

// ObserveFlow records a finished flow
func (m *Metrics) ObserveFlow(protocol, state, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(protocol, state, stage).Inc()
	m.flowDuration.WithLabelValues(protocol).Observe(d.Seconds())
}
