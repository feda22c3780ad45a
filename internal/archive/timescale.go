package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleettrack/internal/model"
)

const timescaleDDL = `
CREATE TABLE IF NOT EXISTS gps_positions (
    time                TIMESTAMPTZ NOT NULL,
    driver_id           TEXT NOT NULL,
    tenant_id           TEXT NOT NULL,
    latitude            DOUBLE PRECISION NOT NULL,
    longitude           DOUBLE PRECISION NOT NULL,
    speed               DOUBLE PRECISION,
    heading             DOUBLE PRECISION,
    altitude            DOUBLE PRECISION,
    accuracy            DOUBLE PRECISION,
    route_id            TEXT,
    visit_id            TEXT,
    customer_name       TEXT,
    distance_to_next_m  DOUBLE PRECISION,
    eta_to_next_sec     BIGINT
);
CREATE INDEX IF NOT EXISTS gps_positions_driver_time_idx ON gps_positions (driver_id, time DESC);
CREATE INDEX IF NOT EXISTS gps_positions_route_time_idx ON gps_positions (route_id, time DESC);
`

// Timescale writes to a hypertable through a pgx pool.
type Timescale struct {
	pool *pgxpool.Pool
}

func NewTimescale(ctx context.Context, dsn string) (*Timescale, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("timescale connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timescale ping: %w", err)
	}
	return &Timescale{pool: pool}, nil
}

// Migrate creates the table and turns it into a hypertable when the
// extension is installed.
func (t *Timescale) Migrate(ctx context.Context) error {
	if _, err := t.pool.Exec(ctx, timescaleDDL); err != nil {
		return fmt.Errorf("timescale migrate: %w", err)
	}
	var hasExt bool
	if err := t.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname='timescaledb')`).Scan(&hasExt); err != nil {
		return err
	}
	if hasExt {
		if _, err := t.pool.Exec(ctx, `SELECT create_hypertable('gps_positions', 'time', if_not_exists => TRUE)`); err != nil {
			return fmt.Errorf("timescale hypertable: %w", err)
		}
	}
	return nil
}

func (t *Timescale) InsertPosition(ctx context.Context, p model.ArchivedPosition) error {
	_, err := t.pool.Exec(ctx, `INSERT INTO gps_positions
        (time, driver_id, tenant_id, latitude, longitude, speed, heading, altitude, accuracy,
         route_id, visit_id, customer_name, distance_to_next_m, eta_to_next_sec)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.Time, p.DriverID, p.TenantID, p.Latitude, p.Longitude, p.Speed, p.Heading, p.Altitude, p.Accuracy,
		nullIfEmpty(p.RouteID), nullIfEmpty(p.VisitID), nullIfEmpty(p.CustomerName), p.DistanceToNextM, p.ETAToNextSec)
	return err
}

const timescaleSelect = `SELECT time, driver_id, tenant_id, latitude, longitude,
    COALESCE(speed,0), COALESCE(heading,0), COALESCE(altitude,0), accuracy,
    COALESCE(route_id,''), COALESCE(visit_id,''), COALESCE(customer_name,''), distance_to_next_m, eta_to_next_sec
    FROM gps_positions`

func (t *Timescale) DriverHistory(ctx context.Context, tenantID, driverID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return t.query(ctx, timescaleSelect+` WHERE tenant_id=$1 AND driver_id=$2 AND time BETWEEN $3 AND $4 ORDER BY time ASC LIMIT $5`,
		tenantID, driverID, from, to, orDefault(limit, DefaultDriverLimit))
}

func (t *Timescale) RouteHistory(ctx context.Context, tenantID, routeID string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
	return t.query(ctx, timescaleSelect+` WHERE tenant_id=$1 AND route_id=$2 AND time BETWEEN $3 AND $4 ORDER BY time ASC LIMIT $5`,
		tenantID, routeID, from, to, orDefault(limit, DefaultRouteLimit))
}

func (t *Timescale) query(ctx context.Context, sql string, args ...any) ([]model.ArchivedPosition, error) {
	rows, err := t.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ArchivedPosition, error) {
		var p model.ArchivedPosition
		err := row.Scan(&p.Time, &p.DriverID, &p.TenantID, &p.Latitude, &p.Longitude, &p.Speed, &p.Heading, &p.Altitude,
			&p.Accuracy, &p.RouteID, &p.VisitID, &p.CustomerName, &p.DistanceToNextM, &p.ETAToNextSec)
		return p, err
	})
}

func (t *Timescale) Ping(ctx context.Context) error { return t.pool.Ping(ctx) }

func (t *Timescale) Close() error {
	t.pool.Close()
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
