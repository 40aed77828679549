// Package observability exposes Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transitionsTotal    *prometheus.CounterVec
	violationsTotal     *prometheus.CounterVec
	acknowledgmentsTotal prometheus.Counter
	quorumCompletions   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rinkledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rinkledger_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rinkledger_season_transitions_total",
		Help: "Season state transitions by action and outcome.",
	}, []string{"action", "outcome"})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rinkledger_violations_logged_total",
		Help: "Rule violations logged by severity.",
	}, []string{"severity"})
	acks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rinkledger_acknowledgments_total",
		Help: "Budget acknowledgments recorded.",
	})
	completions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rinkledger_quorum_completions_total",
		Help: "Approval requests that reached quorum.",
	})
	registry.MustRegister(requests, duration, transitions, violations, acks, completions)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		transitionsTotal:     transitions,
		violationsTotal:      violations,
		acknowledgmentsTotal: acks,
		quorumCompletions:    completions,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveTransition counts a season transition attempt.
func (m *Metrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveViolation counts a logged violation.
func (m *Metrics) ObserveViolation(severity string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(severity).Inc()
}

// ObserveAcknowledgment counts a recorded acknowledgment.
func (m *Metrics) ObserveAcknowledgment() {
	if m == nil {
		return
	}
	m.acknowledgmentsTotal.Inc()
}

// ObserveQuorumCompletion counts a completed approval request.
func (m *Metrics) ObserveQuorumCompletion() {
	if m == nil {
		return
	}
	m.quorumCompletions.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
