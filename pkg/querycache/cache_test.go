package querycache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/testutil"
)

func newTestCache(t *testing.T, cfg *Config) *Cache {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c, err := NewCache(log, cfg, client)
	require.NoError(t, err)

	return c
}

func cacheConfig() *Config {
	return &Config{
		RefreshKeyRenewalThreshold: 10 * time.Second,
		PreAggRenewalThreshold:     2 * time.Minute,
		ResultTTL:                  time.Hour,
		KeyPrefix:                  "quern",
	}
}

func staticKey(token string) EvaluateFn {
	return func(_ context.Context) (string, error) {
		return token, nil
	}
}

func TestCache_GetOrCompute(t *testing.T) {
	t.Run("miss computes and stores", func(t *testing.T) {
		c := newTestCache(t, cacheConfig())

		var calls atomic.Int32
		compute := func(_ context.Context) (interface{}, error) {
			calls.Add(1)
			return map[string]string{"answer": "42"}, nil
		}

		result, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.False(t, result.Stale)
		assert.Equal(t, int32(1), calls.Load())

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(result.Value, &decoded))
		assert.Equal(t, "42", decoded["answer"])
	})

	t.Run("matching token hits without recompute", func(t *testing.T) {
		c := newTestCache(t, cacheConfig())

		var calls atomic.Int32
		compute := func(_ context.Context) (interface{}, error) {
			calls.Add(1)
			return "value", nil
		}

		_, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
		require.NoError(t, err)

		result, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
		require.NoError(t, err)
		assert.False(t, result.Stale)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("changed token recomputes blocking", func(t *testing.T) {
		c := newTestCache(t, cacheConfig())

		var calls atomic.Int32
		compute := func(_ context.Context) (interface{}, error) {
			return int(calls.Add(1)), nil
		}

		_, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
		require.NoError(t, err)

		result, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v2"), compute, Options{})
		require.NoError(t, err)
		assert.False(t, result.Stale)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, "v2", result.Token)
	})

	t.Run("distinct fingerprints do not share results", func(t *testing.T) {
		c := newTestCache(t, cacheConfig())

		_, err := c.GetOrCompute(context.Background(), "fpA", staticKey("v1"), func(_ context.Context) (interface{}, error) {
			return "a", nil
		}, Options{})
		require.NoError(t, err)

		result, err := c.GetOrCompute(context.Background(), "fpB", staticKey("v1"), func(_ context.Context) (interface{}, error) {
			return "b", nil
		}, Options{})
		require.NoError(t, err)

		var decoded string
		require.NoError(t, json.Unmarshal(result.Value, &decoded))
		assert.Equal(t, "b", decoded)
	})
}

func TestCache_BackgroundRenew(t *testing.T) {
	c := newTestCache(t, cacheConfig())

	_, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), func(_ context.Context) (interface{}, error) {
		return "old", nil
	}, Options{})
	require.NoError(t, err)

	refreshed := make(chan struct{})

	// Stale under a new token: caller gets the old value immediately and
	// the refresh runs asynchronously.
	result, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v2"), func(_ context.Context) (interface{}, error) {
		defer close(refreshed)
		return "new", nil
	}, Options{BackgroundRenew: true})
	require.NoError(t, err)
	assert.True(t, result.Stale)

	var decoded string
	require.NoError(t, json.Unmarshal(result.Value, &decoded))
	assert.Equal(t, "old", decoded)

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh never ran")
	}

	// Once the refresh lands, the new token serves fresh data
	require.Eventually(t, func() bool {
		result, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v2"), func(_ context.Context) (interface{}, error) {
			t.Error("unexpected recompute after background refresh")
			return nil, nil
		}, Options{BackgroundRenew: true})
		if err != nil || result.Stale {
			return false
		}

		var v string
		return json.Unmarshal(result.Value, &v) == nil && v == "new"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCache_SingleflightDeduplicates(t *testing.T) {
	c := newTestCache(t, cacheConfig())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(_ context.Context) (interface{}, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]*CachedResult, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			r, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	<-started
	// Give the remaining callers time to join the in-flight compute
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, r := range results {
		require.NotNil(t, r)

		var v string
		require.NoError(t, json.Unmarshal(r.Value, &v))
		assert.Equal(t, "shared", v)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, cacheConfig())

	var calls atomic.Int32
	compute := func(_ context.Context) (interface{}, error) {
		calls.Add(1)
		return "value", nil
	}

	_, err := c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background(), "fp1"))

	_, err = c.GetOrCompute(context.Background(), "fp1", staticKey("v1"), compute, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("rejects non-positive thresholds", func(t *testing.T) {
		cfg := &Config{}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidThreshold)
	})

	t.Run("fills defaults", func(t *testing.T) {
		cfg := &Config{
			RefreshKeyRenewalThreshold: time.Second,
			PreAggRenewalThreshold:     time.Minute,
		}

		require.NoError(t, cfg.Validate())
		assert.Equal(t, 6*time.Hour, cfg.ResultTTL)
		assert.Equal(t, "quern", cfg.KeyPrefix)
	})
}

func TestRefreshTracker(t *testing.T) {
	tracker := newRefreshTracker(time.Minute)

	assert.True(t, tracker.trySet("a"))
	assert.False(t, tracker.trySet("a"))

	tracker.clear("a")
	assert.True(t, tracker.trySet("a"))
}
