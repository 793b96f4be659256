// Package metrics exposes Prometheus instrumentation for the correlation
// pipeline. Collectors are registered at package load and shared across
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_events_received_total",
			Help: "Total number of events accepted for processing",
		},
		[]string{"source"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_events_rejected_total",
			Help: "Total number of events rejected at validation",
		},
		[]string{"reason"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_rate_limited_requests_total",
			Help: "HTTP requests rejected by the per-client rate limit",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_queue_depth",
			Help: "Current depth of the event buffer",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_queue_capacity",
			Help: "Maximum capacity of the event buffer",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_queue_dropped_total",
			Help: "Total number of events dropped by the buffer",
		},
	)

	// Correlation metrics
	PhaseMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_phase_matches_total",
			Help: "Total number of phase matches recorded",
		},
		[]string{"pattern", "phase"},
	)

	MalformedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_malformed_events_total",
			Help: "Events skipped because no correlation field was present",
		},
		[]string{"pattern"},
	)

	StaleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_stale_events_total",
			Help: "Events discarded because they arrived past the eviction boundary",
		},
	)

	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_triggers_total",
			Help: "Total number of correlation triggers",
		},
		[]string{"pattern", "confidence"},
	)

	ActiveStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_active_states",
			Help: "Number of entity states currently tracked",
		},
	)

	StatesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_states_expired_total",
			Help: "Entity states removed by the expiry sweep",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainsight_evaluation_duration_seconds",
			Help:    "Duration of a single correlation evaluation",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// Incident metrics
	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"pattern", "confidence"},
	)

	IncidentsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_incidents_updated_total",
			Help: "Total number of incident updates within a suppression window",
		},
		[]string{"pattern"},
	)

	// Dispatch metrics
	DecisionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_decisions_dispatched_total",
			Help: "Total number of playbook decisions dispatched",
		},
		[]string{"pattern", "response_path"},
	)

	DispatchUnmapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_dispatch_unmapped_total",
			Help: "Dispatch attempts with no decision matrix row",
		},
		[]string{"pattern", "confidence"},
	)

	// Model registry metrics
	ModelReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsight_model_reloads_total",
			Help: "Model registry reload attempts",
		},
		[]string{"status"},
	)

	ActiveModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsight_active_models",
			Help: "Number of operational models in the active snapshot",
		},
	)

	// Storage metrics
	StorageFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainsight_storage_flush_duration_seconds",
			Help:    "Duration of storage batch flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsight_storage_errors_total",
			Help: "Total number of storage errors",
		},
	)
)
