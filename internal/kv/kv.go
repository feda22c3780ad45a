// Package kv is the distributed cache tier: keyed values with expiry plus a
// geo index for proximity queries.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("kv: miss")

// Store is implemented by Redis and Memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	GeoAdd(ctx context.Context, key, member string, lon, lat float64) error
	// ScanKeys returns every key matching a glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// GetJSON decodes the value at key. ok is false on a miss.
func GetJSON[T any](ctx context.Context, s Store, key string) (v T, ok bool, err error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// SetJSON encodes v and stores it with a TTL.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

// Latest-position keys. The value is overwritten on every fix, so the stored
// position is the last one to arrive, not the one with the newest event time.
const (
	positionPrefix = "pos:driver:"
	geoPrefix      = "geo:drivers:"
)

func PositionKey(driverID string) string { return positionPrefix + driverID }

// PositionPattern matches every latest-position key.
func PositionPattern() string { return positionPrefix + "*" }

// DriverFromPositionKey is the inverse of PositionKey.
func DriverFromPositionKey(key string) string { return strings.TrimPrefix(key, positionPrefix) }

func GeoKey(tenantID string) string { return geoPrefix + tenantID }
