package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry, so
// several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	redactions    prometheus.Counter
	upserts       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolpolicy_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolpolicy_decisions_total",
			Help: "Policy decisions by outcome and denying check.",
		}, []string{"outcome", "check"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolpolicy_confirmations_total",
			Help: "Write confirmation gate results by status.",
		}, []string{"status"}),
		redactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolpolicy_redacted_arguments_total",
			Help: "Arguments replaced before audit logging.",
		}),
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolpolicy_workspace_upserts_total",
			Help: "Admin workspace policy upserts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.decisions,
		m.confirmations,
		m.redactions,
		m.upserts,
		collectors.NewGoCollector(),
	)
	return m
}

// RecordRequest counts one HTTP response.
func (m *Metrics) RecordRequest(route, code string) {
	m.requests.WithLabelValues(route, code).Inc()
}

// RecordDecision counts a policy decision. check is empty for allowed calls.
func (m *Metrics) RecordDecision(allowed bool, check string) {
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	m.decisions.WithLabelValues(outcome, check).Inc()
}

// RecordConfirmation counts a confirmation gate result.
func (m *Metrics) RecordConfirmation(status string) {
	m.confirmations.WithLabelValues(status).Inc()
}

// RecordRedactions adds n redacted arguments.
func (m *Metrics) RecordRedactions(n int) {
	if n > 0 {
		m.redactions.Add(float64(n))
	}
}

// RecordUpsert counts an admin upsert attempt.
func (m *Metrics) RecordUpsert(ok bool) {
	result := "ok"
	if !ok {
		result = "invalid"
	}
	m.upserts.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
