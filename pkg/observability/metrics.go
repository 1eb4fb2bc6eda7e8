package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// QueueItemsTotal tracks queue items by terminal status
	QueueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_queue_items_total",
			Help: "Total number of queue items by terminal status",
		},
		[]string{"queue", "status"}, // status: success, failed, timeout, orphaned, heartbeat_expired, cancelled
	)

	// QueueItemDuration measures item execution duration in seconds
	QueueItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quern_queue_item_duration_seconds",
			Help:    "Queue item execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"queue", "status"},
	)

	// QueueDepth tracks items per queue and state
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quern_queue_depth",
			Help: "Number of items in queue by state",
		},
		[]string{"queue", "state"}, // state: pending, running
	)

	// QueueWaitDuration measures time from enqueue to execution start
	QueueWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quern_queue_wait_duration_seconds",
			Help:    "Time items spend waiting before execution starts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"queue"},
	)

	// CacheRequestsTotal counts query cache lookups by outcome
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_cache_requests_total",
			Help: "Query cache lookups by outcome",
		},
		[]string{"cache", "outcome"}, // outcome: hit, miss, stale_served, stale_blocking
	)

	// BackgroundRefreshTotal counts background refresh attempts
	BackgroundRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_background_refresh_total",
			Help: "Background cache refresh attempts",
		},
		[]string{"cache", "status"}, // status: success, failed
	)

	// PartitionBuildsTotal counts pre-aggregation partition builds
	PartitionBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_partition_builds_total",
			Help: "Pre-aggregation partition builds by status",
		},
		[]string{"preagg", "status"}, // status: success, failed, skipped_fresh
	)

	// PartitionBuildDuration measures partition build duration
	PartitionBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quern_partition_build_duration_seconds",
			Help:    "Pre-aggregation partition build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"preagg"},
	)

	// PartitionsTracked tracks known partitions per pre-aggregation
	PartitionsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quern_partitions_tracked",
			Help: "Number of partitions tracked per pre-aggregation",
		},
		[]string{"preagg"},
	)

	// OrchestratorInstances tracks live orchestrator instances
	OrchestratorInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quern_orchestrator_instances",
			Help: "Number of live orchestrator instances in the registry",
		},
	)

	// ModelCacheEvictions counts compiled-model cache evictions
	ModelCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quern_model_cache_evictions_total",
			Help: "Total compiled-model cache evictions",
		},
	)

	// RefreshCyclesTotal counts scheduled refresh cycles
	RefreshCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_refresh_cycles_total",
			Help: "Scheduled refresh cycles by status",
		},
		[]string{"status"}, // status: success, failed, skipped_overlap
	)

	// RefreshCycleDuration measures scheduled refresh cycle duration
	RefreshCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quern_refresh_cycle_duration_seconds",
			Help:    "Scheduled refresh cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// TasksEnqueued counts build tasks handed to the distributed queue
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_tasks_enqueued_total",
			Help: "Total number of build tasks enqueued",
		},
		[]string{"preagg", "trigger"}, // trigger: schedule, request, manual
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordQueueItemComplete records a terminal queue item state
func RecordQueueItemComplete(queue, status string, duration float64) {
	QueueItemsTotal.WithLabelValues(queue, status).Inc()
	QueueItemDuration.WithLabelValues(queue, status).Observe(duration)
}

// RecordCacheOutcome records a cache lookup outcome
func RecordCacheOutcome(cache, outcome string) {
	CacheRequestsTotal.WithLabelValues(cache, outcome).Inc()
}

// RecordBackgroundRefresh records a background refresh attempt
func RecordBackgroundRefresh(cache, status string) {
	BackgroundRefreshTotal.WithLabelValues(cache, status).Inc()
}

// RecordPartitionBuild records a partition build
func RecordPartitionBuild(preagg, status string, duration float64) {
	PartitionBuildsTotal.WithLabelValues(preagg, status).Inc()
	if status == "success" {
		PartitionBuildDuration.WithLabelValues(preagg).Observe(duration)
	}
}

// RecordRefreshCycle records a scheduled refresh cycle
func RecordRefreshCycle(status string, duration float64) {
	RefreshCyclesTotal.WithLabelValues(status).Inc()
	if status == "success" {
		RefreshCycleDuration.Observe(duration)
	}
}

// RecordTaskEnqueued records a build task enqueue
func RecordTaskEnqueued(preagg, trigger string) {
	TasksEnqueued.WithLabelValues(preagg, trigger).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
