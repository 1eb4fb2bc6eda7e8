package modelcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileConst(v string, calls *atomic.Int32) CompileFn {
	return func(_ context.Context) (CompiledModel, error) {
		if calls != nil {
			calls.Add(1)
		}
		return v, nil
	}
}

func TestCache_GetOrCompile(t *testing.T) {
	t.Run("compiles on miss then reuses", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10})
		require.NoError(t, err)

		var calls atomic.Int32

		model, err := c.GetOrCompile(context.Background(), "tenant-a", "v1", compileConst("model-a", &calls))
		require.NoError(t, err)
		assert.Equal(t, "model-a", model)

		model, err = c.GetOrCompile(context.Background(), "tenant-a", "v1", compileConst("model-a", &calls))
		require.NoError(t, err)
		assert.Equal(t, "model-a", model)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("version change triggers recompile", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10})
		require.NoError(t, err)

		var calls atomic.Int32

		_, err = c.GetOrCompile(context.Background(), "tenant-a", "v1", compileConst("old", &calls))
		require.NoError(t, err)

		model, err := c.GetOrCompile(context.Background(), "tenant-a", "v2", compileConst("new", &calls))
		require.NoError(t, err)
		assert.Equal(t, "new", model)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("concurrent same-key callers compile once", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10})
		require.NoError(t, err)

		var calls atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				model, err := c.GetOrCompile(context.Background(), "tenant-a", "v1", func(_ context.Context) (CompiledModel, error) {
					calls.Add(1)
					time.Sleep(10 * time.Millisecond)
					return "shared", nil
				})
				assert.NoError(t, err)
				assert.Equal(t, "shared", model)
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := New(&Config{Capacity: 2})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = c.GetOrCompile(ctx, "a", "v1", compileConst("a", nil))
	require.NoError(t, err)
	_, err = c.GetOrCompile(ctx, "b", "v1", compileConst("b", nil))
	require.NoError(t, err)

	// Third insert evicts the least recently used key
	_, err = c.GetOrCompile(ctx, "c", "v1", compileConst("c", nil))
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())

	_, err = c.Get("a", "v1")
	assert.ErrorIs(t, err, ErrRecompileRequired)

	model, err := c.Get("b", "v1")
	require.NoError(t, err)
	assert.Equal(t, "b", model)

	model, err = c.Get("c", "v1")
	require.NoError(t, err)
	assert.Equal(t, "c", model)
}

func TestCache_Get(t *testing.T) {
	t.Run("miss requires recompile", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10})
		require.NoError(t, err)

		_, err = c.Get("missing", "v1")
		assert.ErrorIs(t, err, ErrRecompileRequired)
	})

	t.Run("version mismatch requires recompile", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10})
		require.NoError(t, err)

		_, err = c.GetOrCompile(context.Background(), "a", "v1", compileConst("a", nil))
		require.NoError(t, err)

		_, err = c.Get("a", "v2")
		assert.ErrorIs(t, err, ErrRecompileRequired)

		// The stale entry is dropped, not served again under the old version
		_, err = c.Get("a", "v1")
		assert.ErrorIs(t, err, ErrRecompileRequired)
	})

	t.Run("expired entry requires recompile", func(t *testing.T) {
		c, err := New(&Config{Capacity: 10, TTL: time.Millisecond})
		require.NoError(t, err)

		_, err = c.GetOrCompile(context.Background(), "a", "v1", compileConst("a", nil))
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		_, err = c.Get("a", "v1")
		assert.ErrorIs(t, err, ErrRecompileRequired)
	})
}

func TestCache_Evict(t *testing.T) {
	c, err := New(&Config{Capacity: 10})
	require.NoError(t, err)

	_, err = c.GetOrCompile(context.Background(), "a", "v1", compileConst("a", nil))
	require.NoError(t, err)

	c.Evict("a")

	_, err = c.Get("a", "v1")
	assert.ErrorIs(t, err, ErrRecompileRequired)
	assert.Equal(t, 0, c.Len())
}

func TestNew_DefaultCapacity(t *testing.T) {
	cfg := &Config{}

	_, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Capacity)
}
