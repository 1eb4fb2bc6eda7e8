package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// Full key pattern: quern:scheduler:cycle:{cycleID}
	// Example: quern:scheduler:cycle:refresh
	cycleKeyPrefix = "quern:scheduler:cycle:"
)

// cycleTracker persists refresh cycle timestamps in Redis so restarts
// resume the schedule instead of firing immediately.
type cycleTracker interface {
	// GetLastRun retrieves the last execution timestamp for a cycle.
	// Returns zero time if the cycle has never run.
	GetLastRun(ctx context.Context, cycleID string) (time.Time, error)

	// SetLastRun updates the last execution timestamp for a cycle
	SetLastRun(ctx context.Context, cycleID string, timestamp time.Time) error

	// Close releases resources held by the tracker
	Close() error
}

type redisCycleTracker struct {
	log   logrus.FieldLogger
	redis *redis.Client
}

// newCycleTracker creates a Redis-backed cycle tracker
func newCycleTracker(log logrus.FieldLogger, redisClient *redis.Client) cycleTracker {
	return &redisCycleTracker{
		log:   log.WithField("component", "cycle_tracker"),
		redis: redisClient,
	}
}

func (r *redisCycleTracker) GetLastRun(ctx context.Context, cycleID string) (time.Time, error) {
	key := cycleKeyPrefix + cycleID

	val, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Key doesn't exist, return zero time (not an error)
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("failed to get last run for cycle %s: %w", cycleID, err)
	}

	timestamp, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp for cycle %s: %w", cycleID, err)
	}

	return timestamp, nil
}

func (r *redisCycleTracker) SetLastRun(ctx context.Context, cycleID string, timestamp time.Time) error {
	key := cycleKeyPrefix + cycleID

	if err := r.redis.Set(ctx, key, timestamp.Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for cycle %s: %w", cycleID, err)
	}

	r.log.WithFields(logrus.Fields{
		"cycle_id":  cycleID,
		"timestamp": timestamp,
	}).Debug("Updated last run for cycle")

	return nil
}

func (r *redisCycleTracker) Close() error {
	return nil
}

// Verify interface compliance at compile time
var _ cycleTracker = (*redisCycleTracker)(nil)
