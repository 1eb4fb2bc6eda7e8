package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/quernlabs/quern/pkg/observability"
)

// ComputeFn produces a query result, typically by enqueueing work on the
// query queue and waiting for it.
type ComputeFn func(ctx context.Context) (interface{}, error)

// CachedResult is a stored query result together with the freshness token
// it was computed under.
type CachedResult struct {
	Token     string          `json:"token"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Stale is set when the result was served despite a newer freshness
	// token, with a background refresh scheduled.
	Stale bool `json:"-"`
}

// Options control a single GetOrCompute call
type Options struct {
	// BackgroundRenew returns stale data immediately and refreshes
	// asynchronously instead of blocking the caller
	BackgroundRenew bool
	// TTL overrides the configured result TTL when positive
	TTL time.Duration
}

// Cache maps query fingerprints to results in Redis
type Cache struct {
	log         logrus.FieldLogger
	cfg         *Config
	redisClient *redis.Client

	inflight   singleflight.Group
	background *refreshTracker
}

// NewCache creates a query cache backed by Redis
func NewCache(log logrus.FieldLogger, cfg *Config, redisClient *redis.Client) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return &Cache{
		log:         log.WithField("component", "querycache"),
		cfg:         cfg,
		redisClient: redisClient,
		background:  newRefreshTracker(5 * time.Minute),
	}, nil
}

// GetOrCompute returns the cached value for fingerprint when it is fresh
// per the refresh-key token, computing or refreshing it otherwise.
//
// Concurrent calls for the same fingerprint share one underlying compute.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, refreshKey EvaluateFn, compute ComputeFn, opts Options) (*CachedResult, error) {
	token, err := refreshKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh key evaluation failed: %w", err)
	}

	entry, err := c.get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		observability.RecordCacheOutcome("query", "miss")
		return c.computeAndStore(ctx, fingerprint, token, compute, opts)
	}

	if entry.Token == token {
		observability.RecordCacheOutcome("query", "hit")
		return entry, nil
	}

	// Cached but stale under the current token
	if opts.BackgroundRenew || c.cfg.BackgroundRenew {
		observability.RecordCacheOutcome("query", "stale_served")
		c.renewInBackground(fingerprint, token, compute, opts)

		stale := *entry
		stale.Stale = true

		return &stale, nil
	}

	observability.RecordCacheOutcome("query", "stale_blocking")

	return c.computeAndStore(ctx, fingerprint, token, compute, opts)
}

// Invalidate drops a cached result
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.redisClient.Del(ctx, c.resultKey(fingerprint)).Err()
}

func (c *Cache) resultKey(fingerprint string) string {
	return c.cfg.KeyPrefix + ":result:" + fingerprint
}

func (c *Cache) get(ctx context.Context, fingerprint string) (*CachedResult, error) {
	data, err := c.redisClient.Get(ctx, c.resultKey(fingerprint)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var entry CachedResult
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// computeAndStore runs compute under the per-fingerprint in-flight lock:
// at most one concurrent compute per fingerprint, with concurrent callers
// joining the running computation.
func (c *Cache) computeAndStore(ctx context.Context, fingerprint, token string, compute ComputeFn, opts Options) (*CachedResult, error) {
	v, err, _ := c.inflight.Do(fingerprint, func() (interface{}, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		return c.store(ctx, fingerprint, token, value, opts)
	})
	if err != nil {
		return nil, err
	}

	return v.(*CachedResult), nil
}

func (c *Cache) store(ctx context.Context, fingerprint, token string, value interface{}, opts Options) (*CachedResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	entry := &CachedResult{
		Token:     token,
		Value:     raw,
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	ttl := c.cfg.ResultTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	if err := c.redisClient.Set(ctx, c.resultKey(fingerprint), data, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store result: %w", err)
	}

	return entry, nil
}

// renewInBackground refreshes a stale entry without blocking the caller.
// Failures are logged; stale data keeps being served until a refresh
// succeeds.
func (c *Cache) renewInBackground(fingerprint, token string, compute ComputeFn, opts Options) {
	if !c.background.trySet(fingerprint) {
		return // Refresh already in flight
	}

	go func() {
		defer c.background.clear(fingerprint)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := c.computeAndStore(ctx, fingerprint, token, compute, opts); err != nil {
			observability.RecordBackgroundRefresh("query", "failed")
			c.log.WithError(err).WithField("fingerprint", fingerprint).Warn("Background refresh failed, continuing to serve stale data")

			return
		}

		observability.RecordBackgroundRefresh("query", "success")
	}()
}
