package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/testutil"
	"github.com/quernlabs/quern/pkg/hooks"
)

type leaderStub struct {
	leader bool
}

func (l *leaderStub) Start(_ context.Context) error { return nil }
func (l *leaderStub) Stop() error                   { return nil }
func (l *leaderStub) IsLeader() bool                { return l.leader }

// newTestService builds the refresh worker with a stubbed elector so
// tests drive ticks directly instead of waiting for leases.
func newTestService(t *testing.T, provider hooks.RefreshContextProvider, leader bool) *service {
	t.Helper()

	mr, client := testutil.NewMiniredisClient(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &Config{
		Enabled:  true,
		Schedule: "@every 1m",
		Lookback: time.Hour,
	}

	hookSet := &hooks.ResolverFuncs{}

	svc, err := NewService(log, cfg, client, testutil.RedisOptions(mr), hookSet, provider, nil, nil)
	require.NoError(t, err)

	s, ok := svc.(*service)
	require.True(t, ok)

	s.elector = &leaderStub{leader: leader}

	return s
}

func TestService_OverlappingTickIsSkipped(t *testing.T) {
	release := make(chan struct{})

	var cycles atomic.Int32

	provider := &hooks.ResolverFuncs{
		RefreshCtxFn: func(_ context.Context) ([]*hooks.RequestContext, error) {
			cycles.Add(1)
			<-release

			return nil, errors.New("cycle aborted")
		},
	}

	s := newTestService(t, provider, true)
	s.interval = 0

	ctx := context.Background()

	s.maybeTick(ctx)

	require.Eventually(t, func() bool {
		return cycles.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// The first cycle is still blocked; a due tick must be skipped,
	// never queued behind it.
	s.maybeTick(ctx)
	assert.Equal(t, int32(1), cycles.Load())
	assert.True(t, s.ticking.Load())

	close(release)

	require.Eventually(t, func() bool {
		return !s.ticking.Load()
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), cycles.Load())
}

func TestService_RunCycleWithoutContexts(t *testing.T) {
	var cycles atomic.Int32

	provider := &hooks.ResolverFuncs{
		RefreshCtxFn: func(_ context.Context) ([]*hooks.RequestContext, error) {
			cycles.Add(1)

			return []*hooks.RequestContext{}, nil
		},
	}

	s := newTestService(t, provider, true)

	ctx := context.Background()

	// No tenants to refresh is a configuration problem, not a crash
	s.runCycle(ctx)

	assert.Equal(t, int32(1), cycles.Load())

	lastRun, err := s.tracker.GetLastRun(ctx, refreshCycleID)
	require.NoError(t, err)
	assert.False(t, lastRun.IsZero())
}

func TestService_MaybeTickGating(t *testing.T) {
	t.Run("standby never ticks", func(t *testing.T) {
		var cycles atomic.Int32

		provider := &hooks.ResolverFuncs{
			RefreshCtxFn: func(_ context.Context) ([]*hooks.RequestContext, error) {
				cycles.Add(1)

				return nil, nil
			},
		}

		s := newTestService(t, provider, false)
		s.interval = 0

		s.maybeTick(context.Background())

		assert.Zero(t, cycles.Load())
		assert.False(t, s.ticking.Load())
	})

	t.Run("tick before the interval elapses is a no-op", func(t *testing.T) {
		var cycles atomic.Int32

		provider := &hooks.ResolverFuncs{
			RefreshCtxFn: func(_ context.Context) ([]*hooks.RequestContext, error) {
				cycles.Add(1)

				return nil, nil
			},
		}

		s := newTestService(t, provider, true)
		s.interval = time.Hour

		ctx := context.Background()
		require.NoError(t, s.tracker.SetLastRun(ctx, refreshCycleID, time.Now().UTC()))

		s.maybeTick(ctx)

		assert.Zero(t, cycles.Load())
		assert.False(t, s.ticking.Load())
	})
}
