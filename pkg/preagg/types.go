// Package preagg maintains materialized rollup tables partitioned by time
// and dimension, layered on the query queue and refresh-key cache.
package preagg

import (
	"fmt"
	"strings"
	"time"
)

// PreAggregation describes one logical rollup
type PreAggregation struct {
	// ID uniquely names the pre-aggregation within a data model
	ID string `yaml:"id"`
	// Granularity is the time width of one partition
	Granularity time.Duration `yaml:"granularity"`
	// DimensionBuckets partitions additionally by these bucket values.
	// Empty means time-only partitioning.
	DimensionBuckets []string `yaml:"dimensionBuckets"`
	// RefreshKeySQL is the template whose evaluated value decides
	// partition staleness
	RefreshKeySQL string `yaml:"refreshKeySQL"`
	// BuildSQL is the template that materializes one partition
	BuildSQL string `yaml:"buildSQL"`
	// Retention drops partitions whose range rolled out of this window.
	// Zero keeps partitions forever.
	Retention time.Duration `yaml:"retention"`
	// DependsOn lists rollups that must refresh before this one
	DependsOn []string `yaml:"dependsOn"`
}

// Partition is one materialized slice of a pre-aggregation
type Partition struct {
	PreAggID   string    `json:"preagg_id"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	Bucket     string    `json:"bucket,omitempty"`
}

// Key is the stable identity of the partition within its pre-aggregation
func (p Partition) Key() string {
	key := p.RangeStart.UTC().Format("20060102T150405")
	if p.Bucket != "" {
		key += "_" + sanitize(p.Bucket)
	}

	return key
}

// TableName returns the physical table for this partition inside the
// configured pre-aggregations schema.
func (p Partition) TableName(schema string) string {
	return fmt.Sprintf("%s.%s_%s", schema, sanitize(p.PreAggID), p.Key())
}

// PartitionState records a built partition's freshness token
type PartitionState struct {
	Token   string    `json:"token"`
	BuiltAt time.Time `json:"built_at"`
	Table   string    `json:"table"`
}

// PartitionInfo pairs a required partition with its build state
type PartitionInfo struct {
	Partition Partition
	State     *PartitionState // nil when never built
	Fresh     bool
}

func sanitize(s string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return replacer.Replace(strings.ToLower(s))
}
