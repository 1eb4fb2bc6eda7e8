// Package driver abstracts data source access behind a small interface.
// The orchestration core only ever sees this interface plus the thin
// configuration maps returned by the host's driver factory; wire protocols
// stay inside individual driver implementations.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Static errors for driver configuration validation
var (
	// ErrInvalidDriverConfig is returned when the driver factory output is malformed
	ErrInvalidDriverConfig = errors.New("invalid driver configuration")
	// ErrUnknownDriverType is returned for unrecognized driver types
	ErrUnknownDriverType = errors.New("unknown driver type")
)

// Row is a single result row keyed by column name
type Row map[string]interface{}

// Driver executes queries against one data source
type Driver interface {
	// Query executes a query and returns all rows
	Query(ctx context.Context, sql string) ([]Row, error)
	// Execute runs a statement without reading rows (DDL, inserts)
	Execute(ctx context.Context, sql string) error
	// Ping verifies connectivity
	Ping(ctx context.Context) error
	// Close releases the underlying connection resources
	Close() error
}

// Config is the parsed form of the driver factory's configuration map
type Config struct {
	Type                  string
	URL                   string
	Database              string
	PreAggregationsSchema string
	QueryTimeout          time.Duration
	PoolSize              int
}

// ParseConfig validates and parses the map returned by a driver factory.
// Unknown keys are ignored; missing required keys are configuration
// errors surfaced verbatim to the caller.
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: factory returned nil", ErrInvalidDriverConfig)
	}

	cfg := &Config{
		Type:                  "httpsql",
		PreAggregationsSchema: "pre_aggregations",
		QueryTimeout:          30 * time.Second,
		PoolSize:              8,
	}

	if v, ok := raw["type"].(string); ok && v != "" {
		cfg.Type = v
	}

	url, ok := raw["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidDriverConfig)
	}
	cfg.URL = url

	if v, ok := raw["database"].(string); ok {
		cfg.Database = v
	}

	if v, ok := raw["pre_aggregations_schema"].(string); ok && v != "" {
		cfg.PreAggregationsSchema = v
	}

	if v, ok := raw["query_timeout"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad query_timeout %q", ErrInvalidDriverConfig, v)
		}
		cfg.QueryTimeout = d
	}

	switch v := raw["pool_size"].(type) {
	case int:
		cfg.PoolSize = v
	case float64:
		cfg.PoolSize = int(v)
	case nil:
	default:
		return nil, fmt.Errorf("%w: bad pool_size type %T", ErrInvalidDriverConfig, v)
	}

	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("%w: pool_size must be positive", ErrInvalidDriverConfig)
	}

	return cfg, nil
}
