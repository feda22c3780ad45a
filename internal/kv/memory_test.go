package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory()
	m.SetClock(clk.now)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	clk.advance(time.Minute)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	v, err = m.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestMemoryScanAndMGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"pos:driver:d1", "pos:driver:d2", "cache:customer:1"} {
		require.NoError(t, m.Set(ctx, k, []byte(k), time.Minute))
	}
	keys, err := m.ScanKeys(ctx, "pos:driver:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"pos:driver:d1", "pos:driver:d2"}, keys)

	vals, err := m.MGet(ctx, "pos:driver:d1", "missing")
	require.NoError(t, err)
	assert.Equal(t, []byte("pos:driver:d1"), vals[0])
	assert.Nil(t, vals[1])
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	type row struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	_, ok, err := GetJSON[row](ctx, m, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, m, "k", row{ID: 7, Name: "Acme"}, time.Minute))
	got, ok, err := GetJSON[row](ctx, m, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, row{ID: 7, Name: "Acme"}, got)

	require.NoError(t, m.Set(ctx, "bad", []byte("{"), 0))
	_, _, err = GetJSON[row](ctx, m, "bad")
	assert.Error(t, err)
}

func TestGeoAdd(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.GeoAdd(context.Background(), "geo:drivers:t1", "d1", -68.1, -16.5))
	lon, lat, ok := m.GeoPos("geo:drivers:t1", "d1")
	assert.True(t, ok)
	assert.Equal(t, -68.1, lon)
	assert.Equal(t, -16.5, lat)
}
