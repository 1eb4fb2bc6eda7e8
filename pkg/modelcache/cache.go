// Package modelcache caches compiled data models per app key with LRU
// eviction and version-token invalidation.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quernlabs/quern/pkg/observability"
)

var (
	// ErrRecompileRequired signals the caller must recompile the data
	// model for this app key. Internal; never surfaced to end users.
	ErrRecompileRequired = errors.New("data model recompile required")
)

// CompiledModel is whatever the external model compiler produced. The
// cache treats it as opaque.
type CompiledModel interface{}

// CompileFn compiles the data model for an app key
type CompileFn func(ctx context.Context) (CompiledModel, error)

// entry holds a compiled model together with its version token
type entry struct {
	model      CompiledModel
	version    string
	compiledAt time.Time
	lastUsed   time.Time
}

// Config defines compiled-model cache behaviour
type Config struct {
	// Capacity bounds the number of cached compiled models
	Capacity int `yaml:"capacity" default:"250"`
	// TTL expires entries regardless of use when positive
	TTL time.Duration `yaml:"ttl"`
	// RenewTTLOnAccess restarts the TTL clock on every hit
	RenewTTLOnAccess bool `yaml:"renewTTLOnAccess" default:"true"`
}

// Cache is a bounded LRU of compiled data models keyed by app key
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	cfg   *Config
	locks map[string]*sync.Mutex
}

// New creates a compiled-model cache
func New(cfg *Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 250
	}

	l, err := lru.NewWithEvict[string, *entry](cfg.Capacity, func(string, *entry) {
		observability.ModelCacheEvictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return &Cache{
		lru:   l,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// GetOrCompile returns the cached compiled model for appKey when its
// version token still matches, compiling otherwise. Compilation for a
// given key is exclusive; other keys proceed concurrently.
func (c *Cache) GetOrCompile(ctx context.Context, appKey, version string, compile CompileFn) (CompiledModel, error) {
	keyLock := c.lockFor(appKey)
	keyLock.Lock()
	defer keyLock.Unlock()

	if model, ok := c.lookup(appKey, version); ok {
		return model, nil
	}

	model, err := compile(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	c.mu.Lock()
	c.lru.Add(appKey, &entry{
		model:      model,
		version:    version,
		compiledAt: now,
		lastUsed:   now,
	})
	c.mu.Unlock()

	return model, nil
}

// Get returns the cached model for appKey if present and current.
// A version mismatch returns ErrRecompileRequired.
func (c *Cache) Get(appKey, version string) (CompiledModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(appKey)
	if !ok {
		return nil, ErrRecompileRequired
	}

	if e.version != version || c.expired(e) {
		c.lru.Remove(appKey)
		return nil, ErrRecompileRequired
	}

	c.touch(e)

	return e.model, nil
}

// Evict removes an app key from the cache
func (c *Cache) Evict(appKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(appKey)
}

// Len reports the number of cached compiled models
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func (c *Cache) lookup(appKey, version string) (CompiledModel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(appKey)
	if !ok {
		return nil, false
	}

	// Recompile only when the version token changes (or the entry aged out)
	if e.version != version || c.expired(e) {
		c.lru.Remove(appKey)
		return nil, false
	}

	c.touch(e)

	return e.model, true
}

func (c *Cache) expired(e *entry) bool {
	if c.cfg.TTL <= 0 {
		return false
	}

	base := e.compiledAt
	if c.cfg.RenewTTLOnAccess {
		base = e.lastUsed
	}

	return time.Since(base) > c.cfg.TTL
}

func (c *Cache) touch(e *entry) {
	e.lastUsed = time.Now()
}

// lockFor returns the per-key compile lock, creating it on first use
func (c *Cache) lockFor(appKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.locks[appKey]; ok {
		return l
	}

	l := &sync.Mutex{}
	c.locks[appKey] = l

	return l
}
