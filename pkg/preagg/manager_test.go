package preagg

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/testutil"
	"github.com/quernlabs/quern/pkg/cachekey"
	"github.com/quernlabs/quern/pkg/driver"
	"github.com/quernlabs/quern/pkg/querycache"
	"github.com/quernlabs/quern/pkg/queryqueue"
)

// fakeDriver records statements and returns a fixed freshness token
type fakeDriver struct {
	mu      sync.Mutex
	token   string
	queries []string
	execs   []string
}

func (d *fakeDriver) Query(_ context.Context, sql string) ([]driver.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queries = append(d.queries, sql)

	return []driver.Row{{"token": d.token}}, nil
}

func (d *fakeDriver) Execute(_ context.Context, sql string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.execs = append(d.execs, sql)

	return nil
}

func (d *fakeDriver) Ping(_ context.Context) error { return nil }
func (d *fakeDriver) Close() error                 { return nil }

func (d *fakeDriver) execCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.execs)
}

func (d *fakeDriver) lastExecs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, len(d.execs))
	copy(out, d.execs)

	return out
}

func testManagerConfig() *Config {
	return &Config{
		Schema:        "pre_aggregations",
		MaxPartitions: 10000,
		BuildQueue: queryqueue.Config{
			Concurrency:         2,
			ExecutionTimeout:    time.Minute,
			OrphanedTimeout:     time.Minute,
			HeartbeatInterval:   time.Minute,
			ContinueWaitTimeout: time.Second,
		},
	}
}

func newTestManager(t *testing.T, cfg *Config, fake *fakeDriver) (*Manager, *redis.Client) {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	pool := driver.NewPool(log, 4, func() (driver.Driver, error) {
		return fake, nil
	})

	refreshKeys := querycache.NewRefreshKeyCache(client, "quern")

	m, err := NewManager(log, cfg, client, refreshKeys, cachekey.NewResolver(), pool, 2*time.Minute, "quern")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop()
	})

	return m, client
}

func hourlyDef(id string, deps ...string) PreAggregation {
	return PreAggregation{
		ID:            id,
		Granularity:   time.Hour,
		RefreshKeySQL: "SELECT max(updated_at) FROM source",
		BuildSQL:      "CREATE TABLE {{ .table }} AS SELECT 1",
		DependsOn:     deps,
	}
}

func TestManager_Register(t *testing.T) {
	t.Run("registers definitions with dependencies", func(t *testing.T) {
		m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

		require.NoError(t, m.Register(hourlyDef("base")))
		require.NoError(t, m.Register(hourlyDef("derived", "base")))

		def, err := m.Get("derived")
		require.NoError(t, err)
		assert.Equal(t, []string{"base"}, def.DependsOn)
	})

	t.Run("rejects missing granularity", func(t *testing.T) {
		m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

		err := m.Register(PreAggregation{ID: "bad"})
		assert.ErrorIs(t, err, ErrUnknownPreAggregation)
	})

	t.Run("rejects unknown dependency", func(t *testing.T) {
		m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

		err := m.Register(hourlyDef("orphan", "never-registered"))
		assert.ErrorIs(t, err, ErrUnknownPreAggregation)
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

		require.NoError(t, m.Register(hourlyDef("dup")))
		assert.Error(t, m.Register(hourlyDef("dup")))
	})
}

func TestManager_RefreshOrder(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

	require.NoError(t, m.Register(hourlyDef("base")))
	require.NoError(t, m.Register(hourlyDef("left", "base")))
	require.NoError(t, m.Register(hourlyDef("right", "base")))
	require.NoError(t, m.Register(hourlyDef("top", "left", "right")))

	order := m.RefreshOrder()
	require.Len(t, order, 4)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	assert.Less(t, position["base"], position["left"])
	assert.Less(t, position["base"], position["right"])
	assert.Less(t, position["left"], position["top"])
	assert.Less(t, position["right"], position["top"])
}

func TestManager_RequiredPartitions(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), &fakeDriver{token: "t"})

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("time-only partitioning", func(t *testing.T) {
		def := hourlyDef("hourly")

		partitions, err := m.RequiredPartitions(def, from, from.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, partitions, 3)

		assert.Equal(t, from, partitions[0].RangeStart)
		assert.Equal(t, from.Add(time.Hour), partitions[0].RangeEnd)
		assert.Equal(t, from.Add(2*time.Hour), partitions[2].RangeStart)
	})

	t.Run("truncates to granularity", func(t *testing.T) {
		def := hourlyDef("hourly")

		partitions, err := m.RequiredPartitions(def, from.Add(30*time.Minute), from.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, partitions, 1)
		assert.Equal(t, from, partitions[0].RangeStart)
	})

	t.Run("dimension buckets multiply partitions", func(t *testing.T) {
		def := hourlyDef("bucketed")
		def.DimensionBuckets = []string{"web", "mobile"}

		partitions, err := m.RequiredPartitions(def, from, from.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, partitions, 4)
	})

	t.Run("rejects inverted range", func(t *testing.T) {
		_, err := m.RequiredPartitions(hourlyDef("hourly"), from, from)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("capacity exceeded is an error not truncation", func(t *testing.T) {
		cfg := testManagerConfig()
		cfg.MaxPartitions = 10
		small, _ := newTestManager(t, cfg, &fakeDriver{token: "t"})

		_, err := small.RequiredPartitions(hourlyDef("hourly"), from, from.Add(11*time.Hour))
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})
}

func TestManager_EnsurePartitions(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	m, _ := newTestManager(t, testManagerConfig(), fake)

	require.NoError(t, m.Register(hourlyDef("hourly")))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	infos, err := m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, infos, 2)

	for _, info := range infos {
		assert.True(t, info.Fresh)
		require.NotNil(t, info.State)
		assert.Contains(t, info.State.Table, "pre_aggregations.hourly_")
	}

	builds := fake.execCount()
	assert.Equal(t, 2, builds)

	// Everything fresh: a second call must not rebuild
	infos, err = m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, builds, fake.execCount())
}

func TestManager_StalePartitions(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	m, _ := newTestManager(t, testManagerConfig(), fake)

	require.NoError(t, m.Register(hourlyDef("hourly")))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	stale, err := m.StalePartitions(ctx, "hourly", nil, from, from.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	_, err = m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(2*time.Hour))
	require.NoError(t, err)

	stale, err = m.StalePartitions(ctx, "hourly", nil, from, from.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestManager_ExternalRefresh(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	cfg := testManagerConfig()
	cfg.ExternalRefresh = true
	m, _ := newTestManager(t, cfg, fake)

	require.NoError(t, m.Register(hourlyDef("hourly")))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("ensure reports stale without building", func(t *testing.T) {
		infos, err := m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.False(t, infos[0].Fresh)
		assert.Zero(t, fake.execCount())
	})

	t.Run("direct build is refused", func(t *testing.T) {
		def, err := m.Get("hourly")
		require.NoError(t, err)

		partitions, err := m.RequiredPartitions(def, from, from.Add(time.Hour))
		require.NoError(t, err)

		err = m.BuildPartition(ctx, nil, def, partitions[0], nil)
		assert.ErrorIs(t, err, ErrExternalRefresh)
	})
}

func TestManager_RollupOnlyMode(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	cfg := testManagerConfig()
	cfg.RollupOnlyMode = true
	m, _ := newTestManager(t, cfg, fake)

	require.NoError(t, m.Register(hourlyDef("hourly")))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Nothing built yet: serving from rollups must fail loudly
	err := m.CheckRollupOnly(ctx, "hourly", nil, from, from.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoMatchingRollup)

	_, err = m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(time.Hour))
	require.NoError(t, err)

	assert.NoError(t, m.CheckRollupOnly(ctx, "hourly", nil, from, from.Add(time.Hour)))
}

func TestManager_DropExpiredPartitions(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	m, _ := newTestManager(t, testManagerConfig(), fake)

	def := hourlyDef("hourly")
	def.Retention = time.Hour
	require.NoError(t, m.Register(def))

	ctx := context.Background()
	old := time.Now().UTC().Truncate(time.Hour).Add(-6 * time.Hour)

	// Build one long-expired partition and one current partition
	_, err := m.EnsurePartitions(ctx, "hourly", nil, old, old.Add(time.Hour))
	require.NoError(t, err)

	current := time.Now().UTC().Truncate(time.Hour)
	_, err = m.EnsurePartitions(ctx, "hourly", nil, current, current.Add(time.Hour))
	require.NoError(t, err)

	dropped, err := m.DropExpiredPartitions(ctx, "hourly", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	var sawDrop bool
	for _, sql := range fake.lastExecs() {
		if strings.HasPrefix(sql, "DROP TABLE IF EXISTS pre_aggregations.hourly_") {
			sawDrop = true
		}
	}
	assert.True(t, sawDrop)

	states, err := m.PartitionStates(ctx, "hourly")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestManager_DropExpiredPartitionsSkipsMalformedKeys(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	m, _ := newTestManager(t, testManagerConfig(), fake)

	def := hourlyDef("hourly")
	def.Retention = time.Hour
	require.NoError(t, m.Register(def))

	ctx := context.Background()

	// A state entry whose key is too short to carry a range timestamp,
	// as a corrupted or hand-edited Redis hash would produce.
	require.NoError(t, m.setState(ctx, "hourly", "bogus", PartitionState{
		Token:   "t1",
		BuiltAt: time.Now().UTC().Add(-6 * time.Hour),
		Table:   "pre_aggregations.hourly_bogus",
	}))

	dropped, err := m.DropExpiredPartitions(ctx, "hourly", nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	states, err := m.PartitionStates(ctx, "hourly")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestManager_CanServeFromRollups(t *testing.T) {
	fake := &fakeDriver{token: "t1"}
	m, _ := newTestManager(t, testManagerConfig(), fake)

	require.NoError(t, m.Register(hourlyDef("hourly")))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	ok, err := m.CanServeFromRollups(ctx, "hourly", nil, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.EnsurePartitions(ctx, "hourly", nil, from, from.Add(time.Hour))
	require.NoError(t, err)

	ok, err = m.CanServeFromRollups(ctx, "hourly", nil, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPartition_Key(t *testing.T) {
	start := time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)

	t.Run("time-only", func(t *testing.T) {
		p := Partition{PreAggID: "hourly", RangeStart: start, RangeEnd: start.Add(time.Hour)}
		assert.Equal(t, "20260801T150000", p.Key())
	})

	t.Run("bucketed", func(t *testing.T) {
		p := Partition{PreAggID: "hourly", RangeStart: start, Bucket: "Mobile Web"}
		assert.Equal(t, "20260801T150000_mobile_web", p.Key())
	})

	t.Run("table name", func(t *testing.T) {
		p := Partition{PreAggID: "site.stats", RangeStart: start}
		assert.Equal(t, "rollups.site_stats_20260801T150000", p.TableName("rollups"))
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("rejects non-positive max partitions", func(t *testing.T) {
		cfg := &Config{BuildQueue: testManagerConfig().BuildQueue}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxPartitions)
	})

	t.Run("defaults schema", func(t *testing.T) {
		cfg := &Config{MaxPartitions: 10, BuildQueue: testManagerConfig().BuildQueue}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "pre_aggregations", cfg.Schema)
	})
}

var _ driver.Driver = (*fakeDriver)(nil)
