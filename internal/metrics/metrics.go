// Package metrics holds the Prometheus collectors of the quarantine
// manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Quarantine action metrics
var (
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_actions_total",
			Help: "Total number of bulk quarantine actions by kind and result",
		},
		[]string{"action", "result"},
	)

	ActionItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_action_items_total",
			Help: "Total number of recipients changed by quarantine actions",
		},
		[]string{"action"},
	)

	ListingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarantined_listing_duration_seconds",
			Help:    "Duration of quarantine listing queries in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)
)

// External tool metrics
var (
	PDPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarantined_pdp_request_duration_seconds",
			Help:    "Duration of release requests sent to amavis in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	PDPConnectErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarantined_pdp_connect_errors_total",
			Help: "Total number of failed connections to the amavis policy socket",
		},
	)

	LearningInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_learning_invocations_total",
			Help: "Total number of classifier training invocations",
		},
		[]string{"mode", "kind", "result"},
	)

	LearningJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_learning_jobs_total",
			Help: "Total number of queued learning jobs by result",
		},
		[]string{"result"},
	)
)

// Maintenance metrics
var (
	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_cleanup_deleted_total",
			Help: "Total number of rows removed by the quarantine cleanup",
		},
		[]string{"kind"},
	)

	NotificationsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarantined_notifications_sent_total",
			Help: "Total number of pending request notifications sent",
		},
	)

	RateLimitedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarantined_rate_limited_requests_total",
			Help: "Total number of self-service requests rejected by the rate limiter",
		},
	)
)
