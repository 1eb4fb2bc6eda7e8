package preagg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heimdalr/dag"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/cachekey"
	"github.com/quernlabs/quern/pkg/driver"
	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/observability"
	"github.com/quernlabs/quern/pkg/querycache"
	"github.com/quernlabs/quern/pkg/queryqueue"
)

// Manager maintains materialized partitions for registered
// pre-aggregations. Builds run on a dedicated queue, separately
// configurable from the main query queue.
type Manager struct {
	log         logrus.FieldLogger
	cfg         *Config
	redisClient *redis.Client
	refreshKeys *querycache.RefreshKeyCache
	resolver    *cachekey.Resolver
	pool        *driver.Pool
	threshold   time.Duration

	buildQueue *queryqueue.Queue

	mu   sync.RWMutex
	defs map[string]PreAggregation
	dag  *dag.DAG

	keyPrefix string
}

// NewManager creates a pre-aggregation manager
func NewManager(
	log logrus.FieldLogger,
	cfg *Config,
	redisClient *redis.Client,
	refreshKeys *querycache.RefreshKeyCache,
	resolver *cachekey.Resolver,
	pool *driver.Pool,
	refreshThreshold time.Duration,
	keyPrefix string,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pre-aggregation configuration: %w", err)
	}

	buildQueue, err := queryqueue.NewQueue(log, "preagg_build", &cfg.BuildQueue)
	if err != nil {
		return nil, err
	}

	return &Manager{
		log:         log.WithField("component", "preagg"),
		cfg:         cfg,
		redisClient: redisClient,
		refreshKeys: refreshKeys,
		resolver:    resolver,
		pool:        pool,
		threshold:   refreshThreshold,
		buildQueue:  buildQueue,
		defs:        make(map[string]PreAggregation),
		dag:         dag.NewDAG(),
		keyPrefix:   keyPrefix,
	}, nil
}

// Start launches the build queue
func (m *Manager) Start(ctx context.Context) error {
	return m.buildQueue.Start(ctx)
}

// Stop shuts down the build queue
func (m *Manager) Stop() error {
	return m.buildQueue.Stop()
}

// Register adds a pre-aggregation definition. Dependencies must be
// registered first; cycles are rejected.
func (m *Manager) Register(def PreAggregation) error {
	if def.Granularity <= 0 {
		return fmt.Errorf("%w: %s has no granularity", ErrUnknownPreAggregation, def.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.dag.AddVertexByID(def.ID, def.ID); err != nil {
		return fmt.Errorf("failed to register %s: %w", def.ID, err)
	}

	for _, depID := range def.DependsOn {
		if _, ok := m.defs[depID]; !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrUnknownPreAggregation, depID, def.ID)
		}

		if err := m.dag.AddEdge(depID, def.ID); err != nil {
			return fmt.Errorf("failed to add dependency %s -> %s: %w", depID, def.ID, err)
		}
	}

	m.defs[def.ID] = def

	return nil
}

// Get returns a registered definition
func (m *Manager) Get(preAggID string) (PreAggregation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.defs[preAggID]
	if !ok {
		return PreAggregation{}, fmt.Errorf("%w: %s", ErrUnknownPreAggregation, preAggID)
	}

	return def, nil
}

// RefreshOrder returns all pre-aggregation IDs in dependency order:
// every rollup appears after the rollups it depends on. The order is
// walked off the dependency graph, alphabetical within each level so
// the result is stable across calls.
func (m *Manager) RefreshOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ready := make([]string, 0, len(m.defs))
	for id := range m.dag.GetRoots() {
		ready = append(ready, id)
	}
	sort.Strings(ready)

	emitted := make(map[string]bool, len(m.defs))
	order := make([]string, 0, len(m.defs))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]

		if emitted[id] {
			continue
		}

		emitted[id] = true
		order = append(order, id)

		children, err := m.dag.GetChildren(id)
		if err != nil {
			continue
		}

		next := make([]string, 0, len(children))

		for childID := range children {
			parents, parentsErr := m.dag.GetParents(childID)
			if parentsErr != nil {
				continue
			}

			settled := true
			for parentID := range parents {
				if !emitted[parentID] {
					settled = false
					break
				}
			}

			if settled {
				next = append(next, childID)
			}
		}

		sort.Strings(next)
		ready = append(ready, next...)
	}

	return order
}

// RequiredPartitions computes the partition set a query's time range and
// dimension bucketing demand. Exceeding maxPartitions is a capacity
// error, never a silent truncation.
func (m *Manager) RequiredPartitions(def PreAggregation, from, to time.Time) ([]Partition, error) {
	if !to.After(from) {
		return nil, ErrInvalidRange
	}

	buckets := def.DimensionBuckets
	if len(buckets) == 0 {
		buckets = []string{""}
	}

	start := from.UTC().Truncate(def.Granularity)

	windows := 0
	for t := start; t.Before(to); t = t.Add(def.Granularity) {
		windows++
	}

	if windows*len(buckets) > m.cfg.MaxPartitions {
		return nil, fmt.Errorf("%w: %d partitions required, cap is %d",
			ErrCapacityExceeded, windows*len(buckets), m.cfg.MaxPartitions)
	}

	partitions := make([]Partition, 0, windows*len(buckets))
	for t := start; t.Before(to); t = t.Add(def.Granularity) {
		for _, bucket := range buckets {
			partitions = append(partitions, Partition{
				PreAggID:   def.ID,
				RangeStart: t,
				RangeEnd:   t.Add(def.Granularity),
				Bucket:     bucket,
			})
		}
	}

	return partitions, nil
}

// EnsurePartitions returns the partition set for the query, building any
// partition that is missing or stale per its refresh-key policy. On an
// external-refresh instance no builds happen and stale partitions are
// reported as-is.
func (m *Manager) EnsurePartitions(ctx context.Context, preAggID string, req *hooks.RequestContext, from, to time.Time) ([]PartitionInfo, error) {
	def, err := m.Get(preAggID)
	if err != nil {
		return nil, err
	}

	partitions, err := m.RequiredPartitions(def, from, to)
	if err != nil {
		return nil, err
	}

	infos, err := m.inspect(ctx, def, req, partitions)
	if err != nil {
		return nil, err
	}

	if m.cfg.ExternalRefresh {
		return infos, nil
	}

	type pendingBuild struct {
		idx    int
		handle *queryqueue.Handle
	}

	var builds []pendingBuild

	for i := range infos {
		if infos[i].Fresh {
			observability.RecordPartitionBuild(def.ID, "skipped_fresh", 0)
			continue
		}

		p := infos[i].Partition

		handle, err := m.buildQueue.Enqueue(func(buildCtx context.Context, heartbeat func()) (interface{}, error) {
			return nil, m.BuildPartition(buildCtx, heartbeat, def, p, req)
		}, queryqueue.EnqueueOptions{Idempotent: true})
		if err != nil {
			return nil, err
		}

		builds = append(builds, pendingBuild{idx: i, handle: handle})
	}

	for _, b := range builds {
		if err := m.awaitBuild(ctx, b.handle); err != nil {
			return nil, err
		}

		state, err := m.getState(ctx, def.ID, infos[b.idx].Partition.Key())
		if err != nil {
			return nil, err
		}

		infos[b.idx].State = state
		infos[b.idx].Fresh = state != nil
	}

	observability.PartitionsTracked.WithLabelValues(def.ID).Set(float64(len(infos)))

	return infos, nil
}

// StalePartitions returns the partitions in the range that are missing
// or stale, without building anything. Used by the scheduled refresh
// worker to decide what to enqueue.
func (m *Manager) StalePartitions(ctx context.Context, preAggID string, req *hooks.RequestContext, from, to time.Time) ([]Partition, error) {
	def, err := m.Get(preAggID)
	if err != nil {
		return nil, err
	}

	partitions, err := m.RequiredPartitions(def, from, to)
	if err != nil {
		return nil, err
	}

	infos, err := m.inspect(ctx, def, req, partitions)
	if err != nil {
		return nil, err
	}

	var stale []Partition
	for _, info := range infos {
		if !info.Fresh {
			stale = append(stale, info.Partition)
		}
	}

	return stale, nil
}

// CanServeFromRollups reports whether the query's full partition set
// exists and is fresh, without building anything.
func (m *Manager) CanServeFromRollups(ctx context.Context, preAggID string, req *hooks.RequestContext, from, to time.Time) (bool, error) {
	def, err := m.Get(preAggID)
	if err != nil {
		return false, err
	}

	partitions, err := m.RequiredPartitions(def, from, to)
	if err != nil {
		return false, err
	}

	infos, err := m.inspect(ctx, def, req, partitions)
	if err != nil {
		return false, err
	}

	for _, info := range infos {
		if !info.Fresh {
			return false, nil
		}
	}

	return true, nil
}

// CheckRollupOnly enforces rollup-only mode: a query that cannot be
// served entirely from fresh partitions fails with ErrNoMatchingRollup
// instead of silently executing against the raw source.
func (m *Manager) CheckRollupOnly(ctx context.Context, preAggID string, req *hooks.RequestContext, from, to time.Time) error {
	if !m.cfg.RollupOnlyMode {
		return nil
	}

	ok, err := m.CanServeFromRollups(ctx, preAggID, req, from, to)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s has unbuilt or stale partitions", ErrNoMatchingRollup, preAggID)
	}

	return nil
}

// BuildPartition materializes one partition and records its freshness
// token. Called by the build queue and by the distributed refresh worker.
func (m *Manager) BuildPartition(ctx context.Context, heartbeat func(), def PreAggregation, p Partition, req *hooks.RequestContext) error {
	if m.cfg.ExternalRefresh {
		return ErrExternalRefresh
	}

	started := time.Now()

	token, err := m.evaluateToken(ctx, def, p, req)
	if err != nil {
		observability.RecordPartitionBuild(def.ID, "failed", 0)
		return fmt.Errorf("failed to evaluate refresh key for %s: %w", def.ID, err)
	}

	if heartbeat != nil {
		heartbeat()
	}

	sql, err := m.resolver.RenderRefreshKey(def.BuildSQL, m.templateVars(def, p, req))
	if err != nil {
		observability.RecordPartitionBuild(def.ID, "failed", 0)
		return fmt.Errorf("failed to render build SQL for %s: %w", def.ID, err)
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		observability.RecordPartitionBuild(def.ID, "failed", 0)
		return err
	}
	defer m.pool.Release(conn)

	if heartbeat != nil {
		heartbeat()
	}

	if err := conn.Execute(ctx, sql); err != nil {
		observability.RecordPartitionBuild(def.ID, "failed", 0)
		observability.RecordError("preagg", "build_failed")

		return fmt.Errorf("partition build failed for %s: %w", p.TableName(m.cfg.Schema), err)
	}

	state := PartitionState{
		Token:   token,
		BuiltAt: time.Now(),
		Table:   p.TableName(m.cfg.Schema),
	}

	if err := m.setState(ctx, def.ID, p.Key(), state); err != nil {
		return fmt.Errorf("failed to record partition state: %w", err)
	}

	observability.RecordPartitionBuild(def.ID, "success", time.Since(started).Seconds())

	m.log.WithFields(logrus.Fields{
		"preagg":    def.ID,
		"partition": p.Key(),
		"duration":  time.Since(started),
	}).Info("Built pre-aggregation partition")

	return nil
}

// DropExpiredPartitions drops partitions whose range rolled out of the
// retention window. Returns the number of partitions dropped.
func (m *Manager) DropExpiredPartitions(ctx context.Context, preAggID string, req *hooks.RequestContext) (int, error) {
	def, err := m.Get(preAggID)
	if err != nil {
		return 0, err
	}

	if def.Retention <= 0 || m.cfg.ExternalRefresh {
		return 0, nil
	}

	states, err := m.allStates(ctx, def.ID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-def.Retention)
	dropped := 0

	for key, state := range states {
		// Partition keys encode the range start; anything built for a
		// range ending before the cutoff is expired. Keys too short to
		// carry a timestamp are skipped, not fatal.
		if len(key) < 15 {
			m.log.WithField("key", key).Warn("Skipping malformed partition state key")
			continue
		}

		rangeStart, parseErr := time.Parse("20060102T150405", key[:15])
		if parseErr != nil || rangeStart.Add(def.Granularity).After(cutoff) {
			continue
		}

		conn, acquireErr := m.pool.Acquire(ctx)
		if acquireErr != nil {
			return dropped, acquireErr
		}

		dropErr := conn.Execute(ctx, "DROP TABLE IF EXISTS "+state.Table)
		m.pool.Release(conn)

		if dropErr != nil {
			m.log.WithError(dropErr).WithField("table", state.Table).Warn("Failed to drop expired partition")
			continue
		}

		if err := m.redisClient.HDel(ctx, m.stateKey(def.ID), key).Err(); err != nil {
			return dropped, err
		}

		dropped++
	}

	if dropped > 0 {
		m.log.WithFields(logrus.Fields{
			"preagg":  def.ID,
			"dropped": dropped,
		}).Info("Dropped expired partitions")
	}

	return dropped, nil
}

func (m *Manager) inspect(ctx context.Context, def PreAggregation, req *hooks.RequestContext, partitions []Partition) ([]PartitionInfo, error) {
	infos := make([]PartitionInfo, 0, len(partitions))

	for _, p := range partitions {
		state, err := m.getState(ctx, def.ID, p.Key())
		if err != nil {
			return nil, err
		}

		info := PartitionInfo{Partition: p, State: state}

		if state != nil {
			token, err := m.cachedToken(ctx, def, p, req)
			if err != nil {
				return nil, err
			}

			info.Fresh = state.Token == token
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// cachedToken evaluates the partition's refresh key through the
// refresh-key cache using the pre-aggregation renewal threshold.
func (m *Manager) cachedToken(ctx context.Context, def PreAggregation, p Partition, req *hooks.RequestContext) (string, error) {
	sql, err := m.resolver.RenderRefreshKey(def.RefreshKeySQL, m.templateVars(def, p, req))
	if err != nil {
		return "", err
	}

	keyID := cachekey.RefreshKeyID(sql, req)

	return m.refreshKeys.GetOrEvaluate(ctx, keyID, m.threshold, func(evalCtx context.Context) (string, error) {
		return m.queryToken(evalCtx, sql)
	})
}

// evaluateToken bypasses the refresh-key cache; builds always record the
// current token.
func (m *Manager) evaluateToken(ctx context.Context, def PreAggregation, p Partition, req *hooks.RequestContext) (string, error) {
	sql, err := m.resolver.RenderRefreshKey(def.RefreshKeySQL, m.templateVars(def, p, req))
	if err != nil {
		return "", err
	}

	return m.queryToken(ctx, sql)
}

func (m *Manager) queryToken(ctx context.Context, sql string) (string, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer m.pool.Release(conn)

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return "", err
	}

	if len(rows) == 0 {
		return "", nil
	}

	data, err := json.Marshal(rows[0])
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (m *Manager) templateVars(def PreAggregation, p Partition, req *hooks.RequestContext) map[string]interface{} {
	timezone := "UTC"
	if req != nil && req.Timezone != "" {
		timezone = req.Timezone
	}

	return map[string]interface{}{
		"schema": m.cfg.Schema,
		"table":  p.TableName(m.cfg.Schema),
		"preagg": def.ID,
		"bucket": p.Bucket,
		"range": map[string]interface{}{
			"start": p.RangeStart.UTC().Format(time.RFC3339),
			"end":   p.RangeEnd.UTC().Format(time.RFC3339),
		},
		"timezone": timezone,
	}
}

// awaitBuild blocks until a build finishes, re-polling through the
// continue-wait window so the item never looks orphaned.
func (m *Manager) awaitBuild(ctx context.Context, handle *queryqueue.Handle) error {
	for {
		status, err := m.buildQueue.Wait(ctx, handle, 0)
		if err != nil {
			if errors.Is(err, queryqueue.ErrContinueWait) {
				continue
			}
			return err
		}

		return status.Err
	}
}

func (m *Manager) stateKey(preAggID string) string {
	return m.keyPrefix + ":preagg:" + preAggID
}

func (m *Manager) getState(ctx context.Context, preAggID, partitionKey string) (*PartitionState, error) {
	data, err := m.redisClient.HGet(ctx, m.stateKey(preAggID), partitionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var state PartitionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}

	return &state, nil
}

func (m *Manager) setState(ctx context.Context, preAggID, partitionKey string, state PartitionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return m.redisClient.HSet(ctx, m.stateKey(preAggID), partitionKey, data).Err()
}

// PartitionStates returns the persisted build state of every tracked
// partition of a pre-aggregation, keyed by partition key.
func (m *Manager) PartitionStates(ctx context.Context, preAggID string) (map[string]PartitionState, error) {
	if _, err := m.Get(preAggID); err != nil {
		return nil, err
	}

	return m.allStates(ctx, preAggID)
}

func (m *Manager) allStates(ctx context.Context, preAggID string) (map[string]PartitionState, error) {
	raw, err := m.redisClient.HGetAll(ctx, m.stateKey(preAggID)).Result()
	if err != nil {
		return nil, err
	}

	states := make(map[string]PartitionState, len(raw))
	for key, data := range raw {
		var state PartitionState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, err
		}
		states[key] = state
	}

	return states, nil
}
