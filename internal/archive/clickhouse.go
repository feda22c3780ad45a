package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"fleettrack/internal/model"
)

const clickhouseDDL = `
CREATE TABLE IF NOT EXISTS gps_positions (
    time                DateTime64(3, 'UTC'),
    driver_id           String,
    tenant_id           LowCardinality(String),
    latitude            Float64,
    longitude           Float64,
    speed               Float64,
    heading             Float64,
    altitude            Float64,
    accuracy            Nullable(Float64),
    route_id            String,
    visit_id            String,
    customer_name       String,
    distance_to_next_m  Nullable(Float64),
    eta_to_next_sec     Nullable(Int64)
) ENGINE = MergeTree
PARTITION BY toYYYYMMDD(time)
ORDER BY (tenant_id, driver_id, time)`

// ClickHouse is the columnar alternative to Timescale.
type ClickHouse struct {
	conn driver.Conn
}

type ClickHouseOptions struct {
	Addr     string
	Database string
	User     string
	Password string
}

func NewClickHouse(ctx context.Context, o ClickHouseOptions) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.User,
			Password: o.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) Migrate(ctx context.Context) error {
	return c.conn.Exec(ctx, clickhouseDDL)
}

func (c *ClickHouse) InsertPosition(ctx context.Context, p model.ArchivedPosition) error {
	return c.conn.Exec(ctx, `INSERT INTO gps_positions
        (time, driver_id, tenant_id, latitude, longitude, speed, heading, altitude, accuracy,
         route_id, visit_id, customer_name, distance_to_next_m, eta_to_next_sec)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Time, p.DriverID, p.TenantID, p.Latitude, p.Longitude, p.Speed, p.Heading, p.Altitude, p.Accuracy,
		p.RouteID, p.VisitID, p.CustomerName, p.DistanceToNextM, p.ETAToNextSec)
}

const clickhouseSelect = `SELECT time, driver_id, tenant_id, latitude, longitude, speed, heading, altitude, accuracy,
    route_id, visit_id, customer_name, distance_to_next_m, eta_to_next_sec FROM gps_positions`

func (c *ClickHouse) DriverHistory(ctx context.Context, tenantID, driverID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return c.query(ctx, clickhouseSelect+` WHERE tenant_id = ? AND driver_id = ? AND time BETWEEN ? AND ? ORDER BY time ASC LIMIT ?`,
		tenantID, driverID, from, to, orDefault(limit, DefaultDriverLimit))
}

func (c *ClickHouse) RouteHistory(ctx context.Context, tenantID, routeID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return c.query(ctx, clickhouseSelect+` WHERE tenant_id = ? AND route_id = ? AND time BETWEEN ? AND ? ORDER BY time ASC LIMIT ?`,
		tenantID, routeID, from, to, orDefault(limit, DefaultRouteLimit))
}

func (c *ClickHouse) query(ctx context.Context, q string, args ...any) ([]model.ArchivedPosition, error) {
	rows, err := c.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ArchivedPosition
	for rows.Next() {
		var p model.ArchivedPosition
		if err := rows.Scan(&p.Time, &p.DriverID, &p.TenantID, &p.Latitude, &p.Longitude, &p.Speed, &p.Heading, &p.Altitude,
			&p.Accuracy, &p.RouteID, &p.VisitID, &p.CustomerName, &p.DistanceToNextM, &p.ETAToNextSec); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *ClickHouse) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *ClickHouse) Close() error { return c.conn.Close() }
