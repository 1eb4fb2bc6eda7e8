package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/cachekey"
	"github.com/quernlabs/quern/pkg/driver"
	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/modelcache"
	"github.com/quernlabs/quern/pkg/observability"
	"github.com/quernlabs/quern/pkg/preagg"
	"github.com/quernlabs/quern/pkg/querycache"
	"github.com/quernlabs/quern/pkg/queryqueue"
)

// Registry hands out one orchestrator instance per orchestrator key.
// Construction is exclusive per key: no two concurrent callers can build
// two distinct instances for the same key, while different keys proceed
// concurrently.
type Registry struct {
	log           logrus.FieldLogger
	cfg           *Config
	redisClient   *redis.Client
	driverFactory hooks.DriverFactory
	resolver      *cachekey.Resolver
	models        *modelcache.Cache

	baseCtx context.Context

	mu          sync.Mutex
	instances   map[string]*Instance
	locks       map[string]*sync.Mutex
	definitions []preagg.PreAggregation
}

// NewRegistry creates an orchestrator registry
func NewRegistry(log logrus.FieldLogger, cfg *Config, redisClient *redis.Client, driverFactory hooks.DriverFactory) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator configuration: %w", err)
	}

	models, err := modelcache.New(&cfg.ModelCache)
	if err != nil {
		return nil, err
	}

	return &Registry{
		log:           log.WithField("component", "orchestrator.registry"),
		cfg:           cfg,
		redisClient:   redisClient,
		driverFactory: driverFactory,
		resolver:      cachekey.NewResolver(),
		models:        models,
		instances:     make(map[string]*Instance),
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// SetDefinitions installs the pre-aggregations registered on every
// instance built after this call. Definitions are registered in slice
// order, so dependencies must precede dependents.
func (r *Registry) SetDefinitions(defs []preagg.PreAggregation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions = defs
}

// Start records the lifetime context instances are bound to
func (r *Registry) Start(ctx context.Context) error {
	r.baseCtx = ctx
	return nil
}

// Stop shuts down every live instance
func (r *Registry) Stop() error {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		if err := inst.stop(); err != nil {
			r.log.WithError(err).WithField("key", inst.Key).Warn("Failed to stop instance")
		}
	}

	observability.OrchestratorInstances.Set(0)

	return nil
}

// GetOrCreate returns the instance for key, constructing it on first
// use. The same key always yields the same instance for the process
// lifetime unless explicitly evicted.
func (r *Registry) GetOrCreate(ctx context.Context, key string, req *hooks.RequestContext) (*Instance, error) {
	// Fast path: instance already exists
	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return inst, nil
	}

	keyLock, ok := r.locks[key]
	if !ok {
		keyLock = &sync.Mutex{}
		r.locks[key] = keyLock
	}
	r.mu.Unlock()

	// Exclusive construction per key; other keys proceed concurrently
	keyLock.Lock()
	defer keyLock.Unlock()

	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	inst, err := r.build(ctx, key, req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.instances[key] = inst
	count := len(r.instances)
	r.mu.Unlock()

	observability.OrchestratorInstances.Set(float64(count))

	r.log.WithFields(logrus.Fields{
		"key":       key,
		"instances": count,
	}).Info("Created orchestrator instance")

	return inst, nil
}

// CompiledModel returns the cached compiled data model for the request's
// app key, invoking compile when no current entry exists. Compilation is
// the host's job; the registry only owns the cache and its invalidation.
// The app key and orchestrator key are independent cache granularities.
func (r *Registry) CompiledModel(ctx context.Context, resolver hooks.ContextResolver, versionFn hooks.SchemaVersionFn, req *hooks.RequestContext, compile modelcache.CompileFn) (modelcache.CompiledModel, error) {
	appKey, err := resolver.AppID(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("app key resolution failed: %w", err)
	}

	version := ""
	if versionFn != nil {
		version, err = versionFn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("schema version hook failed: %w", err)
		}
	}

	return r.models.GetOrCompile(ctx, appKey, version, compile)
}

// EvictModel drops the compiled model cached for an app key
func (r *Registry) EvictModel(appKey string) {
	r.models.Evict(appKey)
}

// ModelsCached reports the number of compiled models currently cached
func (r *Registry) ModelsCached() int {
	return r.models.Len()
}

// Get returns the instance for key without constructing one
func (r *Registry) Get(key string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]

	return inst, ok
}

// Evict removes and stops the instance for key
func (r *Registry) Evict(key string) error {
	r.mu.Lock()
	inst, ok := r.instances[key]
	if ok {
		delete(r.instances, key)
	}
	count := len(r.instances)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	observability.OrchestratorInstances.Set(float64(count))

	return inst.stop()
}

// Keys lists live instance keys
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.instances))
	for key := range r.instances {
		keys = append(keys, key)
	}

	return keys
}

func (r *Registry) build(ctx context.Context, key string, req *hooks.RequestContext) (*Instance, error) {
	log := r.log.WithField("key", key)

	dataSource := "default"
	if req != nil && req.DataSource != "" {
		dataSource = req.DataSource
	}

	rawCfg, err := r.driverFactory.DriverConfig(ctx, req, dataSource)
	if err != nil {
		return nil, fmt.Errorf("driver factory failed for %s: %w", key, err)
	}

	driverCfg, err := driver.ParseConfig(rawCfg)
	if err != nil {
		return nil, err
	}

	// The pool must exceed total queue concurrency to avoid deadlock
	// where every connection is held by queued-but-blocked work.
	minPool := 2 * r.cfg.totalConcurrency()
	if driverCfg.PoolSize < minPool {
		log.WithFields(logrus.Fields{
			"configured": driverCfg.PoolSize,
			"minimum":    minPool,
		}).Warn("Driver pool smaller than 2x total queue concurrency, raising")

		driverCfg.PoolSize = minPool
	}

	pool := driver.NewPool(log, driverCfg.PoolSize, func() (driver.Driver, error) {
		return driver.New(log, driverCfg)
	})

	queue, err := queryqueue.NewQueue(log, "query_"+key, &r.cfg.QueryQueue)
	if err != nil {
		return nil, err
	}

	cache, err := querycache.NewCache(log, &r.cfg.QueryCache, r.redisClient)
	if err != nil {
		return nil, err
	}

	refreshKeys := querycache.NewRefreshKeyCache(r.redisClient, r.cfg.QueryCache.KeyPrefix)

	preaggCfg := r.cfg.PreAgg
	if preaggCfg.Schema == "" || preaggCfg.Schema == "pre_aggregations" {
		// Tenant-derivable schema name
		preaggCfg.Schema = driverCfg.PreAggregationsSchema
	}

	preaggs, err := preagg.NewManager(
		log,
		&preaggCfg,
		r.redisClient,
		refreshKeys,
		r.resolver,
		pool,
		r.cfg.QueryCache.PreAggRenewalThreshold,
		r.cfg.QueryCache.KeyPrefix,
	)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		Key:         key,
		log:         log,
		cfg:         r.cfg,
		resolver:    r.resolver,
		queue:       queue,
		cache:       cache,
		refreshKeys: refreshKeys,
		preaggs:     preaggs,
		pool:        pool,
		createdAt:   time.Now(),
	}

	r.mu.Lock()
	definitions := r.definitions
	r.mu.Unlock()

	for _, def := range definitions {
		if err := preaggs.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register pre-aggregation %s: %w", def.ID, err)
		}
	}

	lifetime := r.baseCtx
	if lifetime == nil {
		lifetime = context.Background()
	}

	if err := inst.start(lifetime); err != nil {
		return nil, err
	}

	return inst, nil
}
