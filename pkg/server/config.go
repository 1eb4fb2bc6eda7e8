// Package server wires the orchestration components into runnable
// services: the query-serving API, the scheduled refresh worker and the
// distributed build worker.
package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/quernlabs/quern/pkg/api"
	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/orchestrator"
	"github.com/quernlabs/quern/pkg/preagg"
	"github.com/quernlabs/quern/pkg/redis"
	"github.com/quernlabs/quern/pkg/scheduler"
	"github.com/quernlabs/quern/pkg/worker"
)

// Define static errors
var (
	ErrRedisConfigRequired = errors.New("redis configuration is required")
	ErrNoDataSources       = errors.New("at least one data source is required")
)

// Config holds the complete service configuration
type Config struct {
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// MetricsAddr is the address to listen on for metrics.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// HealthCheckAddr is the address to listen on for healthcheck.
	HealthCheckAddr *string `yaml:"healthCheckAddr"`
	// PProfAddr is the address to listen on for pprof.
	PProfAddr *string `yaml:"pprofAddr"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`

	// Redis is the redis configuration.
	Redis *redis.Config `yaml:"redis"`
	// Hooks configures the static tenant and data source resolution.
	Hooks hooks.StaticConfig `yaml:"hooks"`
	// Orchestrator configures per-instance queues, caches and rollups.
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	// PreAggregations lists the rollups registered on every instance,
	// in dependency order.
	PreAggregations []preagg.PreAggregation `yaml:"preAggregations"`

	// API configures the status API.
	API api.Config `yaml:"api"`
	// Scheduler configures the scheduled refresh worker.
	Scheduler scheduler.Config `yaml:"scheduler"`
	// Worker configures the distributed build worker.
	Worker worker.Config `yaml:"worker"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Redis == nil {
		return ErrRedisConfigRequired
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	if len(c.Hooks.DataSources) == 0 {
		return ErrNoDataSources
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("invalid orchestrator configuration: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("invalid api configuration: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	return nil
}

// LoadConfig reads and validates configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
