// Package metrics registers the prometheus instruments shared by the
// coordinator, webhook ingress, and sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsApplied    *prometheus.CounterVec // by event_type, outcome (applied|duplicate|rejected)
	Transitions      *prometheus.CounterVec // by target state
	WebhookOutcomes  *prometheus.CounterVec // by outcome (processed|ignored|duplicate|rejected|retryable)
	SyncDecisions    *prometheus.CounterVec // by decision (check_success|check_failure|review_changes|defer)
	Classifications  *prometheus.CounterVec // by grade
	GateEvaluations  *prometheus.CounterVec // by result (ok|blocked)
	WebhookPayloadSz prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "events_applied_total",
			Help: "Events submitted to the coordinator by type and outcome.",
		}, []string{"event_type", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "transitions_total",
			Help: "Committed state transitions by target state.",
		}, []string{"target"}),
		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "webhook_deliveries_total",
			Help: "Webhook deliveries by terminal outcome.",
		}, []string{"outcome"}),
		SyncDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "sync_decisions_total",
			Help: "Sync-engine decisions per polled pull request.",
		}, []string{"decision"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "classifications_total",
			Help: "Runtime evidence classifications by grade.",
		}, []string{"grade"}),
		GateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover", Name: "gate_evaluations_total",
			Help: "PR gate evaluations by result.",
		}, []string{"result"}),
		WebhookPayloadSz: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drover", Name: "webhook_payload_bytes",
			Help:    "Accepted webhook payload sizes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
	reg.MustRegister(
		m.EventsApplied, m.Transitions, m.WebhookOutcomes,
		m.SyncDecisions, m.Classifications, m.GateEvaluations,
		m.WebhookPayloadSz,
	)
	return m
}
