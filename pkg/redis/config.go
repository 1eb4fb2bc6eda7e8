// Package redis provides Redis client configuration
package redis

import (
	"errors"
	"fmt"

	r "github.com/redis/go-redis/v9"
)

// Define static errors
var (
	ErrURLRequired = errors.New("redis URL is required")
)

// Config holds Redis client configuration
type Config struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	if c.Prefix == "" {
		c.Prefix = "quern"
	}

	return nil
}

// Options parses the configured URL into client options
func (c *Config) Options() (*r.Options, error) {
	opt, err := r.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return opt, nil
}

// New creates a Redis client from the configuration
func New(cfg Config) (*r.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opt, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	return r.NewClient(opt), nil
}

// PrefixKey adds the configured prefix to a Redis key
func (c *Config) PrefixKey(key string) string {
	if c.Prefix == "" {
		return key
	}

	return fmt.Sprintf("%s:%s", c.Prefix, key)
}
