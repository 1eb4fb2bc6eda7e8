package preagg

import (
	"errors"

	"github.com/quernlabs/quern/pkg/queryqueue"
)

var (
	// ErrInvalidMaxPartitions is returned when maxPartitions is not positive
	ErrInvalidMaxPartitions = errors.New("maxPartitions must be positive")
)

// Config defines pre-aggregation manager behaviour
type Config struct {
	// Schema is the target schema for materialized partition tables
	Schema string `yaml:"schema" default:"pre_aggregations"`
	// MaxPartitions caps the partition set a single query may require
	MaxPartitions int `yaml:"maxPartitions" default:"10000"`
	// RollupOnlyMode fails queries that cannot be served entirely from
	// fresh partitions instead of falling back to raw source execution
	RollupOnlyMode bool `yaml:"rollupOnlyMode" default:"false"`
	// ExternalRefresh makes this instance read-only: partitions are
	// built elsewhere by a dedicated refresh worker
	ExternalRefresh bool `yaml:"externalRefresh" default:"false"`

	// BuildQueue configures the dedicated partition build queue,
	// independent from the main query queue
	BuildQueue queryqueue.Config `yaml:"buildQueue"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxPartitions <= 0 {
		return ErrInvalidMaxPartitions
	}

	if c.Schema == "" {
		c.Schema = "pre_aggregations"
	}

	return c.BuildQueue.Validate()
}
