// Package metrics exposes Prometheus collectors for webhook processing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	webhooks     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	learners     prometheus.Counter
	sessionFails prometheus.Counter
	crmSyncs     *prometheus.CounterVec
}

// New creates collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_webhooks_total",
			Help: "Webhook deliveries by handler and outcome.",
		}, []string{"handler", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicebridge_webhook_duration_seconds",
			Help:    "Webhook handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		learners: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_learners_created_total",
			Help: "Learners created on first contact.",
		}),
		sessionFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_session_write_failures_total",
			Help: "Best-effort session writes that failed.",
		}),
		crmSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_crm_syncs_total",
			Help: "CRM contact syncs by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.webhooks, m.duration, m.learners, m.sessionFails, m.crmSyncs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveWebhook records one handled delivery. A nil receiver is a no-op.
func (m *Metrics) ObserveWebhook(handler, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(handler, outcome).Inc()
	m.duration.WithLabelValues(handler).Observe(time.Since(started).Seconds())
}

// LearnerCreated counts a new learner.
func (m *Metrics) LearnerCreated() {
	if m == nil {
		return
	}
	m.learners.Inc()
}

// SessionWriteFailed counts a dropped session write.
func (m *Metrics) SessionWriteFailed() {
	if m == nil {
		return
	}
	m.sessionFails.Inc()
}

// CRMSync counts a CRM sync attempt by result ("created", "updated", "failed").
func (m *Metrics) CRMSync(result string) {
	if m == nil {
		return
	}
	m.crmSyncs.WithLabelValues(result).Inc()
}
