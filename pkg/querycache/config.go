// Package querycache maps query fingerprints to cached results and
// decides staleness through refresh-key evaluation. Stale entries can be
// renewed in the foreground (blocking the caller) or in the background
// (serving stale data while a refresh runs).
package querycache

import (
	"errors"
	"time"
)

var (
	// ErrInvalidThreshold is returned when a renewal threshold is not positive
	ErrInvalidThreshold = errors.New("renewal threshold must be positive")
)

// Config defines cache behaviour
type Config struct {
	// RefreshKeyRenewalThreshold caches refresh-key evaluations for
	// query results
	RefreshKeyRenewalThreshold time.Duration `yaml:"refreshKeyRenewalThreshold" default:"10s"`
	// PreAggRenewalThreshold caches refresh-key evaluations for
	// pre-aggregation partitions
	PreAggRenewalThreshold time.Duration `yaml:"preAggRenewalThreshold" default:"2m"`
	// BackgroundRenew serves stale results while refreshing asynchronously
	BackgroundRenew bool `yaml:"backgroundRenew" default:"false"`
	// ResultTTL bounds how long results stay cached regardless of freshness
	ResultTTL time.Duration `yaml:"resultTTL" default:"6h"`
	// KeyPrefix namespaces Redis keys
	KeyPrefix string `yaml:"keyPrefix" default:"quern"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RefreshKeyRenewalThreshold <= 0 || c.PreAggRenewalThreshold <= 0 {
		return ErrInvalidThreshold
	}

	if c.ResultTTL <= 0 {
		c.ResultTTL = 6 * time.Hour
	}

	if c.KeyPrefix == "" {
		c.KeyPrefix = "quern"
	}

	return nil
}
