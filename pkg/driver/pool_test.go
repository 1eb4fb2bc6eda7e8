package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopDriver struct {
	closed atomic.Bool
}

func (d *nopDriver) Query(_ context.Context, _ string) ([]Row, error) { return nil, nil }
func (d *nopDriver) Execute(_ context.Context, _ string) error        { return nil }
func (d *nopDriver) Ping(_ context.Context) error                     { return nil }
func (d *nopDriver) Close() error {
	d.closed.Store(true)
	return nil
}

func TestPool(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	t.Run("opens connections lazily up to size", func(t *testing.T) {
		var opened atomic.Int32
		pool := NewPool(log, 2, func() (Driver, error) {
			opened.Add(1)
			return &nopDriver{}, nil
		})
		defer pool.Close()

		a, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		b, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int32(2), opened.Load())

		pool.Release(a)
		pool.Release(b)
	})

	t.Run("blocks at capacity until a release", func(t *testing.T) {
		pool := NewPool(log, 1, func() (Driver, error) {
			return &nopDriver{}, nil
		})
		defer pool.Close()

		held, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		acquired := make(chan Driver, 1)
		go func() {
			d, acquireErr := pool.Acquire(context.Background())
			require.NoError(t, acquireErr)
			acquired <- d
		}()

		select {
		case <-acquired:
			t.Fatal("acquire succeeded past pool capacity")
		case <-time.After(50 * time.Millisecond):
		}

		pool.Release(held)

		select {
		case d := <-acquired:
			pool.Release(d)
		case <-time.After(time.Second):
			t.Fatal("acquire did not observe release")
		}
	})

	t.Run("acquire honors context cancellation", func(t *testing.T) {
		pool := NewPool(log, 1, func() (Driver, error) {
			return &nopDriver{}, nil
		})
		defer pool.Close()

		held, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		defer pool.Release(held)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = pool.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("factory failure frees the slot", func(t *testing.T) {
		failures := errors.New("connection refused")
		var calls atomic.Int32
		pool := NewPool(log, 1, func() (Driver, error) {
			if calls.Add(1) == 1 {
				return nil, failures
			}
			return &nopDriver{}, nil
		})
		defer pool.Close()

		_, err := pool.Acquire(context.Background())
		require.ErrorIs(t, err, failures)

		d, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Release(d)
	})

	t.Run("close rejects further acquires and closes idle connections", func(t *testing.T) {
		pool := NewPool(log, 2, func() (Driver, error) {
			return &nopDriver{}, nil
		})

		d, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Release(d)

		require.NoError(t, pool.Close())
		assert.True(t, d.(*nopDriver).closed.Load())

		_, err = pool.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrPoolClosed)
	})

	t.Run("release after close closes the connection", func(t *testing.T) {
		pool := NewPool(log, 1, func() (Driver, error) {
			return &nopDriver{}, nil
		})

		d, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		require.NoError(t, pool.Close())

		pool.Release(d)
		assert.True(t, d.(*nopDriver).closed.Load())
	})

	t.Run("close racing concurrent releases does not panic", func(t *testing.T) {
		for i := 0; i < 500; i++ {
			pool := NewPool(log, 2, func() (Driver, error) {
				return &nopDriver{}, nil
			})

			a, err := pool.Acquire(context.Background())
			require.NoError(t, err)

			b, err := pool.Acquire(context.Background())
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(3)

			go func() {
				defer wg.Done()
				pool.Release(a)
			}()
			go func() {
				defer wg.Done()
				pool.Release(b)
			}()
			go func() {
				defer wg.Done()
				_ = pool.Close()
			}()

			wg.Wait()

			// Every released connection ends up closed, either by the
			// drain in Close or by the closed-pool path in Release.
			assert.True(t, a.(*nopDriver).closed.Load())
			assert.True(t, b.(*nopDriver).closed.Load())
		}
	})

	t.Run("size reports capacity", func(t *testing.T) {
		pool := NewPool(log, 4, func() (Driver, error) {
			return &nopDriver{}, nil
		})
		defer pool.Close()

		assert.Equal(t, 4, pool.Size())
	})
}
