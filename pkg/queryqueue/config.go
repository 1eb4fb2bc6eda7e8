// Package queryqueue implements a bounded, prioritized execution queue
// with per-item timeouts, orphan detection, and heartbeat-based liveness.
package queryqueue

import (
	"errors"
	"time"
)

const (
	// ContinueWaitMax caps how long a single long-poll may block
	ContinueWaitMax = 90 * time.Second

	// heartbeatMissLimit is how many heartbeat intervals may elapse
	// before a running item is presumed stuck
	heartbeatMissLimit = 4
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidTimeout is returned when a timeout is not positive
	ErrInvalidTimeout = errors.New("timeouts must be positive")
)

// Config defines queue behaviour
type Config struct {
	// Concurrency bounds simultaneously-running items
	Concurrency int `yaml:"concurrency" default:"2"`
	// ExecutionTimeout forcibly terminates a running item
	ExecutionTimeout time.Duration `yaml:"executionTimeout" default:"10m"`
	// OrphanedTimeout cancels items no caller has polled within the window
	OrphanedTimeout time.Duration `yaml:"orphanedTimeout" default:"2m"`
	// HeartbeatInterval is how often a running worker must report liveness
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" default:"30s"`
	// ContinueWaitTimeout is the default long-poll duration
	ContinueWaitTimeout time.Duration `yaml:"continueWaitTimeout" default:"5s"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.ExecutionTimeout <= 0 || c.OrphanedTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return ErrInvalidTimeout
	}

	if c.ContinueWaitTimeout <= 0 {
		c.ContinueWaitTimeout = 5 * time.Second
	}

	if c.ContinueWaitTimeout > ContinueWaitMax {
		c.ContinueWaitTimeout = ContinueWaitMax
	}

	return nil
}
