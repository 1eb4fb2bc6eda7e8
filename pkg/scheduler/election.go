package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	leaderLeaseKey  = "quern:scheduler:lease"
	leaderLeaseTTL  = 10 * time.Second
	leaseRenewEvery = 3 * time.Second
)

// releaseScript deletes the lease only while this instance still owns it
//
//nolint:gochecknoglobals // redis scripts are registered once
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderElector decides which scheduler replica runs refresh cycles.
// Exactly one holder exists per lease key; the rest stay warm standbys.
type LeaderElector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
}

type elector struct {
	log      logrus.FieldLogger
	redis    *redis.Client
	identity string

	leading atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLeaderElector creates a Redis lease elector with a fresh identity
func NewLeaderElector(log logrus.FieldLogger, redisOpt *redis.Options) LeaderElector {
	return &elector{
		log:      log.WithField("component", "election"),
		redis:    redis.NewClient(redisOpt),
		identity: uuid.NewString(),
		done:     make(chan struct{}),
	}
}

func (e *elector) Start(ctx context.Context) error {
	e.log.WithField("identity", e.identity).Info("Starting leader election")

	// Contend immediately so a single-replica deployment leads on the
	// first scheduler tick instead of after the first renew interval.
	e.contend(ctx)

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

func (e *elector) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.release(context.Background())

	if err := e.redis.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close election redis client")
	}

	return nil
}

func (e *elector) IsLeader() bool {
	return e.leading.Load()
}

func (e *elector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(leaseRenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.contend(ctx)
		}
	}
}

// contend acquires or renews the lease and updates the leading flag.
// Losing the lease mid-cycle is tolerated: the running cycle finishes,
// the next tick simply fires on the new leader.
func (e *elector) contend(ctx context.Context) {
	was := e.leading.Load()
	now := e.acquireOrRenew(ctx)
	e.leading.Store(now)

	if now != was {
		if now {
			e.log.WithField("identity", e.identity).Info("Acquired scheduler leadership")
		} else {
			e.log.WithField("identity", e.identity).Info("Lost scheduler leadership")
		}
	}
}

func (e *elector) acquireOrRenew(ctx context.Context) bool {
	ok, err := e.redis.SetNX(ctx, leaderLeaseKey, e.identity, leaderLeaseTTL).Result()
	if err != nil {
		e.log.WithError(err).Debug("Lease acquisition failed")
		return false
	}

	if ok {
		return true
	}

	holder, err := e.redis.Get(ctx, leaderLeaseKey).Result()
	if err != nil {
		// redis.Nil here means the lease expired between SetNX and Get;
		// the next tick picks it up.
		return false
	}

	if holder != e.identity {
		return false
	}

	if err := e.redis.Expire(ctx, leaderLeaseKey, leaderLeaseTTL).Err(); err != nil {
		e.log.WithError(err).Warn("Failed to renew scheduler lease")
		return false
	}

	return true
}

func (e *elector) release(ctx context.Context) {
	if !e.leading.Swap(false) {
		return
	}

	if err := releaseScript.Run(ctx, e.redis, []string{leaderLeaseKey}, e.identity).Err(); err != nil {
		e.log.WithError(err).Warn("Failed to release scheduler lease")
		return
	}

	e.log.WithField("identity", e.identity).Info("Released scheduler lease")
}

var _ LeaderElector = (*elector)(nil)
