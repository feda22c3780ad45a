package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fleettrack/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(device_id,''), name, status FROM drivers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Driver
	for rows.Next() {
		var d model.Driver
		if err := rows.Scan(&d.ID, &d.TenantID, &d.DeviceID, &d.Name, &d.Status); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkDriverActive(ctx context.Context, driverID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET status='active', updated_at=now() WHERE id=$1`, driverID)
	return err
}

func (p *Postgres) ActiveRouteForDriver(ctx context.Context, driverID string) (model.Route, error) {
	var r model.Route
	var date time.Time
	err := p.db.QueryRowContext(ctx, `SELECT id, tenant_id, driver_id, scheduled_date, status FROM routes
        WHERE driver_id=$1 AND status='in_progress' ORDER BY created_at DESC LIMIT 1`, driverID).
		Scan(&r.ID, &r.TenantID, &r.DriverID, &date, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	r.ScheduledDate = date.Format(time.DateOnly)
	return r, err
}

const visitColumns = `id, tenant_id, route_id, driver_id, customer_id, sequence_number, visit_type, status,
    COALESCE(time_window_start,''), COALESCE(time_window_end,''), arrived_at, departed_at, completed_at`

func scanVisit(row interface{ Scan(...any) error }) (model.PlannedVisit, error) {
	var v model.PlannedVisit
	var arrived, departed, completed sql.NullTime
	err := row.Scan(&v.ID, &v.TenantID, &v.RouteID, &v.DriverID, &v.CustomerID, &v.Sequence, &v.VisitType, &v.Status,
		&v.TimeWindowStart, &v.TimeWindowEnd, &arrived, &departed, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ArrivedAt = nullTime(arrived)
	v.DepartedAt = nullTime(departed)
	v.CompletedAt = nullTime(completed)
	return v, nil
}

func (p *Postgres) CurrentVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error) {
	return scanVisit(p.db.QueryRowContext(ctx, `SELECT `+visitColumns+` FROM planned_visits
        WHERE driver_id=$1 AND status='in_progress' ORDER BY sequence_number LIMIT 1`, driverID))
}

func (p *Postgres) NextVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error) {
	return scanVisit(p.db.QueryRowContext(ctx, `SELECT `+visitColumns+` FROM planned_visits
        WHERE driver_id=$1 AND status IN ('pending','en_route') ORDER BY sequence_number LIMIT 1`, driverID))
}

// MarkVisitArrived relies on the status guard in the UPDATE, so concurrent or
// repeated calls transition a visit at most once.
func (p *Postgres) MarkVisitArrived(ctx context.Context, visitID string, at time.Time) (model.PlannedVisit, string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PlannedVisit{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM planned_visits WHERE id=$1 FOR UPDATE`, visitID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PlannedVisit{}, "", ErrNotFound
	}
	if err != nil {
		return model.PlannedVisit{}, "", err
	}
	v, err := scanVisit(tx.QueryRowContext(ctx, `UPDATE planned_visits SET status='arrived', arrived_at=$2, updated_at=now()
        WHERE id=$1 AND status IN ('pending','en_route') RETURNING `+visitColumns, visitID, at))
	if errors.Is(err, ErrNotFound) {
		return model.PlannedVisit{}, prev, ErrConflict
	}
	if err != nil {
		return model.PlannedVisit{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return model.PlannedVisit{}, "", err
	}
	return v, prev, nil
}

const customerColumns = `id, tenant_id, name, COALESCE(phone,''), COALESCE(email,''), COALESCE(address,''),
    latitude, longitude, geofence_radius_meters, customer_type, active, synced_at`

func scanCustomer(row interface{ Scan(...any) error }) (model.Customer, error) {
	var c model.Customer
	var lat, lon sql.NullFloat64
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Address, &lat, &lon,
		&c.GeofenceRadiusM, &c.CustomerType, &c.Active, &c.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if lat.Valid {
		c.Latitude = &lat.Float64
	}
	if lon.Valid {
		c.Longitude = &lon.Float64
	}
	return c, err
}

func (p *Postgres) GetCustomer(ctx context.Context, id int64) (model.Customer, error) {
	return scanCustomer(p.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers_cache WHERE id=$1`, id))
}

func (p *Postgres) ListCustomers(ctx context.Context, tenantID string) ([]model.Customer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers_cache
        WHERE tenant_id=$1 AND active ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertCustomer(ctx context.Context, c model.Customer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO customers_cache
        (id, tenant_id, name, phone, email, address, latitude, longitude, geofence_radius_meters, customer_type, active, synced_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, name=EXCLUDED.name, phone=EXCLUDED.phone,
            email=EXCLUDED.email, address=EXCLUDED.address, latitude=EXCLUDED.latitude, longitude=EXCLUDED.longitude,
            geofence_radius_meters=EXCLUDED.geofence_radius_meters, customer_type=EXCLUDED.customer_type,
            active=EXCLUDED.active, synced_at=EXCLUDED.synced_at`,
		c.ID, c.TenantID, c.Name, nullIfEmpty(c.Phone), nullIfEmpty(c.Email), nullIfEmpty(c.Address),
		c.Latitude, c.Longitude, c.GeofenceRadiusM, c.CustomerType, c.Active, c.SyncedAt)
	return err
}

func (p *Postgres) DeleteCustomer(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM customers_cache WHERE id=$1`, id)
	return err
}

func (p *Postgres) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO accounts_cache (id, tenant_id, name, account_type, settings, synced_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, name=EXCLUDED.name,
            account_type=EXCLUDED.account_type, settings=EXCLUDED.settings, synced_at=EXCLUDED.synced_at`,
		a.ID, a.TenantID, a.Name, a.AccountType, toJSON(a.Settings), a.SyncedAt)
	return err
}

func (p *Postgres) DeleteAccount(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM accounts_cache WHERE id=$1`, id)
	return err
}

func (p *Postgres) UpsertProduct(ctx context.Context, pr model.Product) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO products_cache (id, tenant_id, name, sku, category, unit_price, active, synced_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, name=EXCLUDED.name, sku=EXCLUDED.sku,
            category=EXCLUDED.category, unit_price=EXCLUDED.unit_price, active=EXCLUDED.active, synced_at=EXCLUDED.synced_at`,
		pr.ID, pr.TenantID, pr.Name, pr.SKU, nullIfEmpty(pr.Category), pr.UnitPrice, pr.Active, pr.SyncedAt)
	return err
}

func (p *Postgres) DeleteProduct(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM products_cache WHERE id=$1`, id)
	return err
}

func (p *Postgres) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := p.db.QueryRowContext(ctx, `SELECT id, tenant_id, email, name, role, COALESCE(driver_id,''), is_active, synced_at
        FROM cached_users WHERE id=$1`, id).
		Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.Role, &u.DriverID, &u.Active, &u.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (p *Postgres) UpsertUser(ctx context.Context, u model.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO cached_users (id, tenant_id, email, name, role, driver_id, is_active, synced_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, email=EXCLUDED.email, name=EXCLUDED.name,
            role=EXCLUDED.role, driver_id=EXCLUDED.driver_id, is_active=EXCLUDED.is_active, synced_at=EXCLUDED.synced_at`,
		u.ID, u.TenantID, u.Email, u.Name, u.Role, nullIfEmpty(u.DriverID), u.Active, u.SyncedAt)
	return err
}

func (p *Postgres) DeleteUser(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM cached_users WHERE id=$1`, id)
	return err
}

// UpsertSyncState never moves last_offset backwards.
func (p *Postgres) UpsertSyncState(ctx context.Context, s model.SyncState) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sync_state (table_name, last_offset, last_synced_at, status)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (table_name) DO UPDATE SET last_offset=GREATEST(sync_state.last_offset, EXCLUDED.last_offset),
            last_synced_at=EXCLUDED.last_synced_at, status=EXCLUDED.status`,
		s.TableName, s.LastOffset, s.LastSyncedAt, s.Status)
	return err
}

func (p *Postgres) ListSyncStates(ctx context.Context) ([]model.SyncState, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT table_name, last_offset, last_synced_at, status FROM sync_state ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncState
	for rows.Next() {
		var s model.SyncState
		if err := rows.Scan(&s.TableName, &s.LastOffset, &s.LastSyncedAt, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertDriverPosition(ctx context.Context, d model.DriverPosition) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_positions
        (driver_id, tenant_id, latitude, longitude, speed, heading, altitude, accuracy,
         current_route_id, current_visit_id, next_visit_id, distance_to_next_m, eta_to_next_sec, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (driver_id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, latitude=EXCLUDED.latitude,
            longitude=EXCLUDED.longitude, speed=EXCLUDED.speed, heading=EXCLUDED.heading, altitude=EXCLUDED.altitude,
            accuracy=EXCLUDED.accuracy, current_route_id=EXCLUDED.current_route_id,
            current_visit_id=EXCLUDED.current_visit_id, next_visit_id=EXCLUDED.next_visit_id,
            distance_to_next_m=EXCLUDED.distance_to_next_m, eta_to_next_sec=EXCLUDED.eta_to_next_sec,
            updated_at=EXCLUDED.updated_at`,
		d.DriverID, d.TenantID, d.Latitude, d.Longitude, d.Speed, d.Heading, d.Altitude, d.Accuracy,
		nullIfEmpty(d.CurrentRouteID), nullIfEmpty(d.CurrentVisitID), nullIfEmpty(d.NextVisitID),
		d.DistanceToNextM, d.ETAToNextSec, d.UpdatedAt)
	return err
}

func (p *Postgres) ListDriverPositions(ctx context.Context, tenantID string) ([]model.DriverPosition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, tenant_id, latitude, longitude, speed, heading, altitude, accuracy,
        COALESCE(current_route_id,''), COALESCE(current_visit_id,''), COALESCE(next_visit_id,''),
        distance_to_next_m, eta_to_next_sec, updated_at
        FROM driver_positions WHERE tenant_id=$1 ORDER BY driver_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DriverPosition
	for rows.Next() {
		var d model.DriverPosition
		var acc, dist sql.NullFloat64
		var eta sql.NullInt64
		if err := rows.Scan(&d.DriverID, &d.TenantID, &d.Latitude, &d.Longitude, &d.Speed, &d.Heading, &d.Altitude, &acc,
			&d.CurrentRouteID, &d.CurrentVisitID, &d.NextVisitID, &dist, &eta, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if acc.Valid {
			d.Accuracy = &acc.Float64
		}
		if dist.Valid {
			d.DistanceToNextM = &dist.Float64
		}
		if eta.Valid {
			d.ETAToNextSec = &eta.Int64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
