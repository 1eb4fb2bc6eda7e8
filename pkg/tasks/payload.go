// Package tasks provides the distributed build queue using Asynq
package tasks

import (
	"fmt"
	"time"

	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/preagg"
)

const (
	// TypePartitionBuild is the task type for pre-aggregation partition builds
	TypePartitionBuild = "preagg:build"
	// TypePartitionCleanup is the task type for retention cleanup
	TypePartitionCleanup = "preagg:cleanup"

	// QueueName is the Asynq queue partition work flows through
	QueueName = "preagg_builds"
)

// BuildPayload describes one partition build for a refresh worker
type BuildPayload struct {
	OrchestratorKey string                 `json:"orchestrator_key"`
	PreAggID        string                 `json:"preagg_id"`
	RangeStart      time.Time              `json:"range_start"`
	RangeEnd        time.Time              `json:"range_end"`
	Bucket          string                 `json:"bucket,omitempty"`
	Timezone        string                 `json:"timezone,omitempty"`
	DataSource      string                 `json:"data_source,omitempty"`
	SecurityContext map[string]interface{} `json:"security_context,omitempty"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
}

// Partition reconstructs the partition this payload builds
func (p BuildPayload) Partition() preagg.Partition {
	return preagg.Partition{
		PreAggID:   p.PreAggID,
		RangeStart: p.RangeStart,
		RangeEnd:   p.RangeEnd,
		Bucket:     p.Bucket,
	}
}

// RequestContext reconstructs the request context the build runs under
func (p BuildPayload) RequestContext() *hooks.RequestContext {
	return &hooks.RequestContext{
		SecurityContext: p.SecurityContext,
		DataSource:      p.DataSource,
		Timezone:        p.Timezone,
	}
}

// UniqueID returns a stable identifier so duplicate builds of the same
// partition collapse in the queue.
func (p BuildPayload) UniqueID() string {
	return fmt.Sprintf("%s:%s:%s", p.OrchestratorKey, p.PreAggID, p.Partition().Key())
}
