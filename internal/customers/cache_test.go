package customers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleettrack/internal/kv"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

type countingSource struct {
	*store.Memory
	mu    sync.Mutex
	reads int
}

func (s *countingSource) GetCustomer(ctx context.Context, id int64) (model.Customer, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.Memory.GetCustomer(ctx, id)
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func ptr(f float64) *float64 { return &f }

func setup(t *testing.T) (*Cache, *countingSource, *kv.Memory, *clock) {
	t.Helper()
	src := &countingSource{Memory: store.NewMemory()}
	kvs := kv.NewMemory()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	kvs.SetClock(clk.now)
	c := New(src, kvs, 60*time.Second, 5*time.Minute, zap.NewNop(), WithClock(clk.now))
	return c, src, kvs, clk
}

func TestGetPopulatesFasterTiers(t *testing.T) {
	ctx := context.Background()
	c, src, kvs, _ := setup(t)
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 1, TenantID: "t1", Name: "Tienda", Latitude: ptr(-16.5), Longitude: ptr(-68.1), GeofenceRadiusM: 50, Active: true}))

	got, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Tienda", got.Name)
	assert.Equal(t, 1, src.count())

	_, err = kvs.Get(ctx, "cache:customer:1")
	require.NoError(t, err, "distributed tier populated on miss")

	_, ok, err = c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, src.count(), "memory tier served the second read")
}

func TestMissingCustomerIsAbsent(t *testing.T) {
	c, _, _, _ := setup(t)
	_, ok, err := c.Get(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTierExpiresBeforeDistributedTier(t *testing.T) {
	ctx := context.Background()
	c, src, kvs, clk := setup(t)
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 2, TenantID: "t1", Name: "v1"}))
	_, _, err := c.Get(ctx, 2)
	require.NoError(t, err)

	// Change the distributed copy behind the cache's back.
	require.NoError(t, kv.SetJSON(ctx, kvs, "cache:customer:2", model.Customer{ID: 2, TenantID: "t1", Name: "v2"}, 5*time.Minute))

	clk.advance(59 * time.Second)
	got, _, _ := c.Get(ctx, 2)
	assert.Equal(t, "v1", got.Name, "memory entry still fresh")

	clk.advance(time.Second)
	got, _, _ = c.Get(ctx, 2)
	assert.Equal(t, "v2", got.Name, "memory entry expired at 60s")
	assert.Equal(t, 1, src.count())

	clk.advance(5 * time.Minute)
	got, _, _ = c.Get(ctx, 2)
	assert.Equal(t, "v1", got.Name, "both tiers expired, store consulted")
	assert.Equal(t, 2, src.count())
}

func TestInvalidateIsCoherent(t *testing.T) {
	ctx := context.Background()
	c, src, kvs, _ := setup(t)
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 3, TenantID: "t1", Name: "before"}))
	_, _, err := c.Get(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 3, TenantID: "t1", Name: "after"}))
	require.NoError(t, c.Invalidate(ctx, 3))
	_, err = kvs.Get(ctx, "cache:customer:3")
	assert.ErrorIs(t, err, kv.ErrMiss)

	got, ok, err := c.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "after", got.Name)

	require.NoError(t, src.DeleteCustomer(ctx, 3))
	require.NoError(t, c.Invalidate(ctx, 3))
	_, ok, err = c.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStalePopulationAfterInvalidateIsDiscarded(t *testing.T) {
	ctx := context.Background()
	c, _, kvs, _ := setup(t)
	old := model.Customer{ID: 4, TenantID: "t1", Name: "old"}

	st := c.stamp(4)
	require.NoError(t, c.Invalidate(ctx, 4))
	c.populate(ctx, old, st)

	_, ok := c.mem.Load(4)
	assert.False(t, ok)
	_, err := kvs.Get(ctx, "cache:customer:4")
	assert.ErrorIs(t, err, kv.ErrMiss)
}

func TestForgetDropsGeneration(t *testing.T) {
	ctx := context.Background()
	c, src, kvs, _ := setup(t)
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 5, TenantID: "t1", Name: "gone"}))
	_, _, err := c.Get(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, 5))
	assert.Equal(t, 1, c.Generations())

	require.NoError(t, src.DeleteCustomer(ctx, 5))
	require.NoError(t, c.Forget(ctx, 5))
	assert.Zero(t, c.Generations())
	_, err = kvs.Get(ctx, "cache:customer:5")
	assert.ErrorIs(t, err, kv.ErrMiss)

	_, ok, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStalePopulationAfterForgetIsDiscarded(t *testing.T) {
	ctx := context.Background()
	c, _, kvs, _ := setup(t)
	old := model.Customer{ID: 6, TenantID: "t1", Name: "deleted"}

	st := c.stamp(6)
	require.NoError(t, c.Forget(ctx, 6))
	c.populate(ctx, old, st)

	_, ok := c.mem.Load(6)
	assert.False(t, ok)
	_, err := kvs.Get(ctx, "cache:customer:6")
	assert.ErrorIs(t, err, kv.ErrMiss)
	assert.Zero(t, c.Generations())
}

type brokenKV struct{ kv.Store }

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("redis down") }
func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}

func TestDistributedTierFailureDegradesToStore(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{Memory: store.NewMemory()}
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 5, TenantID: "t1", Name: "Kiosko"}))
	c := New(src, brokenKV{kv.NewMemory()}, time.Minute, time.Minute, zap.NewNop())

	got, ok, err := c.Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Kiosko", got.Name)
}

func TestWarmAndGetAllForTenant(t *testing.T) {
	ctx := context.Background()
	c, src, kvs, _ := setup(t)
	for i, name := range []string{"A", "B", "C"} {
		require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: int64(10 + i), TenantID: "t1", Name: name, Active: true}))
	}
	require.NoError(t, src.UpsertCustomer(ctx, model.Customer{ID: 20, TenantID: "t2", Name: "Other", Active: true}))

	n, err := c.Warm(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	keys, err := kvs.ScanKeys(ctx, "cache:customer:*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	_, _, err = c.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 0, src.count(), "warmed entries served from memory")

	all, err := c.GetAllForTenant(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Other", all[0].Name)
}
