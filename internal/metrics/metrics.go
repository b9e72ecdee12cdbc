package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutsTotal counts checkout attempts by result.
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stablepay",
		Name:      "checkouts_total",
		Help:      "Checkout attempts by result (created, reused, already_paid, in_progress, provider_error).",
	}, []string{"result"})

	// WebhooksTotal counts provider notifications by event type and outcome.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stablepay",
		Name:      "webhooks_total",
		Help:      "Inbound provider webhooks by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// TransitionsTotal counts committed intent status changes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stablepay",
		Name:      "intent_transitions_total",
		Help:      "Committed order intent status transitions.",
	}, []string{"from", "to"})

	// ProviderRequestDuration observes CoinSub API latency per endpoint.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stablepay",
		Name:      "provider_request_duration_seconds",
		Help:      "CoinSub API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "status"})
)
