// Package archive is the append-only time-series store for enriched positions.
package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleettrack/internal/model"
)

// Default row limits for history reads.
const (
	DefaultDriverLimit = 5000
	DefaultRouteLimit  = 10000
)

// Archive is implemented by Timescale, ClickHouse and Memory.
type Archive interface {
	InsertPosition(ctx context.Context, p model.ArchivedPosition) error
	// DriverHistory and RouteHistory return rows in ascending time order.
	DriverHistory(ctx context.Context, tenantID, driverID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error)
	RouteHistory(ctx context.Context, tenantID, routeID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error)
	Ping(ctx context.Context) error
	Close() error
}

// Memory keeps rows in process; used in dev and tests.
type Memory struct {
	mu   sync.Mutex
	rows []model.ArchivedPosition
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) InsertPosition(_ context.Context, p model.ArchivedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, p)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Memory) filter(match func(model.ArchivedPosition) bool, from, to time.Time, limit int) []model.ArchivedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ArchivedPosition
	for _, r := range m.rows {
		if match(r) && !r.Time.Before(from) && !r.Time.After(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) DriverHistory(_ context.Context, tenantID, driverID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return m.filter(func(r model.ArchivedPosition) bool {
		return r.TenantID == tenantID && r.DriverID == driverID
	}, from, to, orDefault(limit, DefaultDriverLimit)), nil
}

func (m *Memory) RouteHistory(_ context.Context, tenantID, routeID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return m.filter(func(r model.ArchivedPosition) bool {
		return r.TenantID == tenantID && r.RouteID == routeID
	}, from, to, orDefault(limit, DefaultRouteLimit)), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func orDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
