// Package orchestrator owns one isolated set of {query queue, query
// cache, pre-aggregation manager, driver pool} per orchestrator key and
// hands instances out through a registry.
package orchestrator

import (
	"github.com/quernlabs/quern/pkg/modelcache"
	"github.com/quernlabs/quern/pkg/preagg"
	"github.com/quernlabs/quern/pkg/querycache"
	"github.com/quernlabs/quern/pkg/queryqueue"
)

// Config defines per-instance component configuration shared by every
// instance the registry creates.
type Config struct {
	QueryQueue queryqueue.Config `yaml:"queryQueue"`
	QueryCache querycache.Config `yaml:"queryCache"`
	PreAgg     preagg.Config     `yaml:"preAggregations"`
	ModelCache modelcache.Config `yaml:"modelCache"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.QueryQueue.Validate(); err != nil {
		return err
	}

	if err := c.QueryCache.Validate(); err != nil {
		return err
	}

	return c.PreAgg.Validate()
}

// totalConcurrency is the combined worker bound across the instance's
// queues, used for the driver pool sizing guidance.
func (c *Config) totalConcurrency() int {
	return c.QueryQueue.Concurrency + c.PreAgg.BuildQueue.Concurrency
}
