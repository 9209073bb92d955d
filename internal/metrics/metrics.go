package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "discord_sentry"

var (
	// GateChecks counts access-gate evaluations by result.
	GateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_checks_total",
		Help:      "Access-gate evaluations by result.",
	}, []string{"result"})

	// GateTrips counts denied command attempts by restriction scope.
	GateTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_trips_total",
		Help:      "Denied command attempts by restriction scope.",
	}, []string{"scope"})

	// RestrictionNotices counts restriction notices delivered, by channel kind.
	RestrictionNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restriction_notices_total",
		Help:      "Restriction notices delivered, by channel kind.",
	}, []string{"channel"})

	// ActiveRestrictions is a gauge for cached restrictions per scope.
	ActiveRestrictions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_restrictions",
		Help:      "Cached access restrictions per scope.",
	}, []string{"scope"})

	// ErrorsRouted counts routed command failures by classified kind.
	ErrorsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_routed_total",
		Help:      "Routed command failures by classified kind.",
	}, []string{"kind"})

	// IncidentsRecorded counts incident store writes by outcome.
	IncidentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incidents_recorded_total",
		Help:      "Incident store lookups by outcome (new or deduplicated).",
	}, []string{"outcome"})

	// IncidentNotices counts fix-notification attempts by status.
	IncidentNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incident_notices_total",
		Help:      "Fix-notification attempts by delivery status.",
	}, []string{"status"})

	// BackfillSessions counts backfill sessions by terminal state.
	BackfillSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_sessions_total",
		Help:      "Missing-argument backfill sessions by terminal state.",
	}, []string{"state"})

	// Suggestions counts command-suggestion flows by outcome.
	Suggestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggestions_total",
		Help:      "Command-suggestion flows by outcome.",
	}, []string{"outcome"})

	// JobsEnqueued counts delivery jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Delivery jobs placed into worker channel.",
	}, []string{"kind"})

	// JobsDropped counts delivery jobs discarded without an API call.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Delivery jobs discarded without API call.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"kind", "status"})

	// APICalls counts raw chat API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw chat API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records chat API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Chat API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// InteractionsReceived counts inbound interaction events by disposition.
	InteractionsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interactions_received_total",
		Help:      "Inbound interaction events by disposition.",
	}, []string{"disposition"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
