package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/observability"
	"github.com/quernlabs/quern/pkg/orchestrator"
	"github.com/quernlabs/quern/pkg/tasks"
)

const refreshCycleID = "refresh"

// Service defines the scheduled refresh worker interface
type Service interface {
	// Start begins the refresh timer. Only the elected leader ticks.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker
	Stop() error
}

// service iterates (timezone, security context) pairs on a fixed timer
// and enqueues partition builds for everything stale. A tick that is
// still in progress when the next is due causes the next one to be
// skipped, never queued.
type service struct {
	log      logrus.FieldLogger
	cfg      *Config
	resolver hooks.ContextResolver
	provider hooks.RefreshContextProvider
	registry *orchestrator.Registry
	queue    *tasks.QueueManager
	tracker  cycleTracker
	elector  LeaderElector

	interval time.Duration
	ticking  atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the scheduled refresh worker
func NewService(
	log logrus.FieldLogger,
	cfg *Config,
	redisClient *redis.Client,
	redisOpt *redis.Options,
	resolver hooks.ContextResolver,
	provider hooks.RefreshContextProvider,
	registry *orchestrator.Registry,
	queue *tasks.QueueManager,
) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	svc := &service{
		log:      log.WithField("service", "scheduler"),
		cfg:      cfg,
		resolver: resolver,
		provider: provider,
		registry: registry,
		queue:    queue,
		tracker:  newCycleTracker(log, redisClient),
		done:     make(chan struct{}),
	}

	if cfg.Enabled {
		interval, err := cfg.Interval()
		if err != nil {
			return nil, err
		}

		svc.interval = interval
		svc.elector = NewLeaderElector(log, redisOpt)
	}

	return svc, nil
}

// Start begins leader election and the tick loop
func (s *service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("Scheduled refresh is disabled")
		return nil
	}

	if err := s.elector.Start(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(ctx)

	s.log.WithFields(logrus.Fields{
		"interval":  s.interval,
		"timezones": s.cfg.Timezones,
	}).Info("Scheduled refresh worker started")

	return nil
}

// Stop shuts down the tick loop and relinquishes leadership
func (s *service) Stop() error {
	if !s.cfg.Enabled {
		return nil
	}

	close(s.done)
	s.wg.Wait()

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop elector")
	}

	return s.tracker.Close()
}

func (s *service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.maybeTick(ctx)
		}
	}
}

func (s *service) maybeTick(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}

	lastRun, err := s.tracker.GetLastRun(ctx, refreshCycleID)
	if err != nil {
		s.log.WithError(err).Warn("Failed to get last refresh cycle, will retry next tick")
		return
	}

	if time.Now().UTC().Before(lastRun.Add(s.interval)) {
		return
	}

	if !s.ticking.CompareAndSwap(false, true) {
		observability.RecordRefreshCycle("skipped_overlap", 0)
		s.log.Debug("Refresh cycle still in progress, skipping tick")

		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.ticking.Store(false)

		s.runCycle(ctx)
	}()
}

func (s *service) runCycle(ctx context.Context) {
	started := time.Now()

	if err := s.tracker.SetLastRun(ctx, refreshCycleID, started.UTC()); err != nil {
		s.log.WithError(err).Warn("Failed to record refresh cycle timestamp")
	}

	contexts, err := s.provider.ScheduledRefreshContexts(ctx)
	if err != nil {
		observability.RecordRefreshCycle("failed", 0)
		s.log.WithError(err).Error("Failed to fetch scheduled refresh contexts")

		return
	}

	if len(contexts) == 0 {
		// Configuration problem, not a crash: nothing to refresh
		s.log.Warn("No scheduled refresh contexts configured, worker has no tenants to refresh")
		observability.RecordRefreshCycle("success", time.Since(started).Seconds())

		return
	}

	failed := false

	for _, baseReq := range contexts {
		for _, tz := range s.cfg.Timezones {
			req := *baseReq
			req.Timezone = tz

			if err := s.refreshTenant(ctx, &req); err != nil {
				failed = true
				s.log.WithError(err).WithField("timezone", tz).Error("Tenant refresh failed")
			}
		}
	}

	status := "success"
	if failed {
		status = "failed"
	}

	observability.RecordRefreshCycle(status, time.Since(started).Seconds())

	s.log.WithFields(logrus.Fields{
		"contexts": len(contexts),
		"duration": time.Since(started),
		"status":   status,
	}).Info("Refresh cycle completed")
}

// refreshTenant enqueues builds for every stale partition of every
// rollup, in dependency order.
func (s *service) refreshTenant(ctx context.Context, req *hooks.RequestContext) error {
	key, err := s.resolver.OrchestratorID(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to resolve orchestrator key: %w", err)
	}

	inst, err := s.registry.GetOrCreate(ctx, key, req)
	if err != nil {
		return err
	}

	manager := inst.PreAggregations()
	now := time.Now().UTC()

	for _, preAggID := range manager.RefreshOrder() {
		def, err := manager.Get(preAggID)
		if err != nil {
			return err
		}

		lookback := s.cfg.Lookback
		if def.Retention > 0 && def.Retention < lookback {
			lookback = def.Retention
		}

		stale, err := manager.StalePartitions(ctx, preAggID, req, now.Add(-lookback), now)
		if err != nil {
			s.log.WithError(err).WithField("preagg", preAggID).Error("Failed to compute stale partitions")
			continue
		}

		for _, p := range stale {
			payload := tasks.BuildPayload{
				OrchestratorKey: key,
				PreAggID:        preAggID,
				RangeStart:      p.RangeStart,
				RangeEnd:        p.RangeEnd,
				Bucket:          p.Bucket,
				Timezone:        req.Timezone,
				DataSource:      req.DataSource,
				SecurityContext: req.SecurityContext,
				EnqueuedAt:      time.Now().UTC(),
			}

			if err := s.queue.EnqueueBuild(payload, "schedule"); err != nil {
				return fmt.Errorf("failed to enqueue build for %s: %w", preAggID, err)
			}
		}

		if def.Retention > 0 {
			cleanup := tasks.BuildPayload{
				OrchestratorKey: key,
				PreAggID:        preAggID,
				Timezone:        req.Timezone,
				DataSource:      req.DataSource,
				SecurityContext: req.SecurityContext,
				EnqueuedAt:      time.Now().UTC(),
			}

			if err := s.queue.EnqueueCleanup(cleanup); err != nil {
				s.log.WithError(err).WithField("preagg", preAggID).Warn("Failed to enqueue cleanup")
			}
		}
	}

	return nil
}

// Verify interface compliance at compile time
var _ Service = (*service)(nil)
