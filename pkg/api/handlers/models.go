package handlers

import "time"

// OrchestratorInfo summarizes one live orchestrator instance
type OrchestratorInfo struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	QueuePending int       `json:"queue_pending"`
	QueueRunning int       `json:"queue_running"`
}

// OrchestratorListResponse wraps the orchestrator list
type OrchestratorListResponse struct {
	Orchestrators []OrchestratorInfo `json:"orchestrators"`
	ModelsCached  int                `json:"models_cached"`
}

// QueueStatsResponse reports query queue depth for one orchestrator
type QueueStatsResponse struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// PreAggregationInfo summarizes one registered pre-aggregation
type PreAggregationInfo struct {
	ID          string   `json:"id"`
	Granularity string   `json:"granularity"`
	Retention   string   `json:"retention"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// PreAggregationListResponse wraps the pre-aggregation list
type PreAggregationListResponse struct {
	PreAggregations []PreAggregationInfo `json:"pre_aggregations"`
}

// PartitionInfo reports the build state of one partition
type PartitionInfo struct {
	Key     string    `json:"key"`
	Token   string    `json:"token"`
	BuiltAt time.Time `json:"built_at"`
	Table   string    `json:"table"`
}

// PartitionListResponse wraps the partition list
type PartitionListResponse struct {
	Partitions []PartitionInfo `json:"partitions"`
}

// TaskQueueStatsResponse reports distributed build queue statistics
type TaskQueueStatsResponse struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}
