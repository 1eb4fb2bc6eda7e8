package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshKeyEntry is a cached refresh-key evaluation result
type RefreshKeyEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvaluateFn runs the refresh-key query against the data source and
// returns its result as a freshness token.
type EvaluateFn func(ctx context.Context) (string, error)

// RefreshKeyCache caches refresh-key evaluation results in Redis so a
// potentially expensive freshness-check query is not re-issued on every
// request.
type RefreshKeyCache struct {
	redisClient *redis.Client
	keyPrefix   string
}

// NewRefreshKeyCache creates a refresh-key cache
func NewRefreshKeyCache(redisClient *redis.Client, keyPrefix string) *RefreshKeyCache {
	return &RefreshKeyCache{
		redisClient: redisClient,
		keyPrefix:   keyPrefix + ":refreshkey:",
	}
}

// Get retrieves a cached evaluation younger than the renewal threshold.
// Returns nil on miss or expiry.
func (c *RefreshKeyCache) Get(ctx context.Context, keyID string, threshold time.Duration) (*RefreshKeyEntry, error) {
	data, err := c.redisClient.Get(ctx, c.keyPrefix+keyID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var entry RefreshKeyEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}

	if time.Since(entry.UpdatedAt) > threshold {
		return nil, nil
	}

	return &entry, nil
}

// Set stores an evaluation result
func (c *RefreshKeyCache) Set(ctx context.Context, keyID string, entry RefreshKeyEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return c.redisClient.Set(ctx, c.keyPrefix+keyID, data, ttl).Err()
}

// GetOrEvaluate returns the cached token when it is younger than the
// renewal threshold, otherwise evaluates and caches a fresh one.
func (c *RefreshKeyCache) GetOrEvaluate(ctx context.Context, keyID string, threshold time.Duration, evaluate EvaluateFn) (string, error) {
	entry, err := c.Get(ctx, keyID, threshold)
	if err != nil {
		return "", err
	}

	if entry != nil {
		return entry.Value, nil
	}

	value, err := evaluate(ctx)
	if err != nil {
		return "", err
	}

	// Keep entries around for a few thresholds so expiry checks, not
	// Redis eviction, decide renewal timing.
	if err := c.Set(ctx, keyID, RefreshKeyEntry{Value: value, UpdatedAt: time.Now()}, threshold*10); err != nil {
		return "", err
	}

	return value, nil
}

// Invalidate removes a cached evaluation
func (c *RefreshKeyCache) Invalidate(ctx context.Context, keyID string) error {
	return c.redisClient.Del(ctx, c.keyPrefix+keyID).Err()
}
