package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream API round trips, one per request group.
	APIRoundTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_api_round_trips_total",
			Help: "Total number of request groups sent to an upstream API",
		},
		[]string{"api"}, // "calendar", "reports", "directory"
	)

	APIRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_api_request_errors_total",
			Help: "Total number of upstream requests that failed after retries",
		},
		[]string{"api"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_retry_attempts_total",
			Help: "Total number of retried attempts by policy name",
		},
		[]string{"policy"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "activitysync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Harvesting and reconciliation
	EventsHarvested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activitysync_events_harvested_total",
			Help: "Total number of calendar occurrences kept after filtering",
		},
	)

	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_events_skipped_total",
			Help: "Total number of calendar events dropped during harvesting",
		},
		[]string{"reason"}, // "cancelled", "third_party", "no_meet", "no_start"
	)

	AttendanceMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activitysync_attendance_matched_total",
			Help: "Total number of audit records matched to an occurrence",
		},
	)

	AttendanceDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_attendance_dropped_total",
			Help: "Total number of audit records dropped",
		},
		[]string{"reason"}, // "external", "no_join", "orphaned"
	)

	// Cache
	CachePipelines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_cache_pipelines_total",
			Help: "Total number of transactional pipelines executed",
		},
		[]string{"operation"},
	)

	// Runs
	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activitysync_sync_run_duration_seconds",
			Help:    "Duration of a full calendar history pull",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitysync_sync_runs_total",
			Help: "Total number of calendar history pulls by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)
)
