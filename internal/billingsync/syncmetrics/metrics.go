package syncmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of subscription records in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "subsync",
		Subsystem: "store",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscription records by status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookThrottledTotal counts webhook requests refused after repeated rejects.
	WebhookThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "webhook",
		Name:      "throttled_total",
		Help:      "Total Stripe webhook requests refused because the client kept sending rejected deliveries.",
	})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subsync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CommandsTotal counts guarded commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "guard",
		Name:      "commands_total",
		Help:      "Total subscription commands by kind and outcome.",
	}, []string{"command", "outcome"})

	// StoreConflictsTotal counts lost compare-and-swap races that were retried.
	StoreConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "guard",
		Name:      "store_conflicts_total",
		Help:      "Total optimistic version conflicts observed while applying commands.",
	})

	// ReconcileTotal counts checkout reconciliations by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "reconcile",
		Name:      "total",
		Help:      "Total checkout reconciliations by outcome.",
	}, []string{"outcome"})

	// SyncRequestsTotal counts internal sync command requests by HTTP status.
	SyncRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "sync",
		Name:      "requests_total",
		Help:      "Total internal sync command requests by HTTP status.",
	}, []string{"status"})

	// LedgerPrunedTotal counts processed-event ledger rows removed by retention.
	LedgerPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "ledger",
		Name:      "pruned_total",
		Help:      "Total processed-event ledger rows pruned.",
	})
)
