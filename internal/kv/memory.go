package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Store used when no REDIS_URL is set and in tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]memEntry
	geo  map[string]map[string][2]float64
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		data: map[string]memEntry{},
		geo:  map[string]map[string][2]float64{},
		now:  time.Now,
	}
}

// SetClock replaces the expiry clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) getLocked(key string) ([]byte, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.getLocked(k); ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) GeoAdd(_ context.Context, key, member string, lon, lat float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.geo[key] == nil {
		m.geo[key] = map[string][2]float64{}
	}
	m.geo[key][member] = [2]float64{lon, lat}
	return nil
}

// GeoPos returns the indexed lon/lat of member.
func (m *Memory) GeoPos(key, member string) (lon, lat float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.geo[key][member]
	return p[0], p[1], ok
}

func (m *Memory) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if _, live := m.getLocked(k); !live {
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
