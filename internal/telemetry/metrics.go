package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "payment_state_transitions_total",
		Help:      "Committed payment state transitions.",
	}, []string{"from", "to"})

	TransitionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "payment_transition_conflicts_total",
		Help:      "Compare-and-set attempts lost to a concurrent writer.",
	}, []string{"to"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Name:      "provider_call_duration_seconds",
		Help:      "Latency of provider API calls, including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation", "outcome"})

	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "provider_call_retries_total",
		Help:      "Provider calls retried after a transient failure.",
	}, []string{"provider", "operation"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "webhook_events_total",
		Help:      "Inbound provider webhooks by outcome.",
	}, []string{"provider", "outcome"})

	AutoReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "scheduler_auto_releases_total",
		Help:      "Escrow auto-release attempts by outcome.",
	}, []string{"outcome"})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "event_publish_failures_total",
		Help:      "State-change events that could not be published.",
	}, []string{"bus"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
