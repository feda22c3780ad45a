// Package enrich turns raw GPS fixes into enriched positions: it resolves the
// driver, joins route and visit context, derives geofence and ETA facts,
// triggers auto-arrival and fans the result out to every sink.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"fleettrack/internal/geo"
	"fleettrack/internal/kv"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
	"fleettrack/internal/stream"
)

// Fan-out sink names, used in logs and metrics.
const (
	SinkCache    = "cache"
	SinkSnapshot = "snapshot"
	SinkArchive  = "archive"
	SinkStream   = "stream"
)

// Processing outcomes.
const (
	ResultEnriched      = "enriched"
	ResultUnknownDevice = "unknown_device"
	ResultInvalid       = "invalid"
	ResultFailed        = "failed"
)

// Store is the relational side the engine reads and writes.
type Store interface {
	ActiveRouteForDriver(ctx context.Context, driverID string) (model.Route, error)
	CurrentVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error)
	NextVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error)
	UpsertDriverPosition(ctx context.Context, p model.DriverPosition) error
	MarkDriverActive(ctx context.Context, driverID string) error
}

type Customers interface {
	Get(ctx context.Context, id int64) (model.Customer, bool, error)
}

type Arrivals interface {
	MarkArrived(ctx context.Context, visitID string, at time.Time) (bool, error)
}

type Archive interface {
	InsertPosition(ctx context.Context, p model.ArchivedPosition) error
}

// Observer receives per-fix outcomes and failed fan-out legs.
type Observer interface {
	PositionProcessed(result string)
	FanoutFailed(sink string)
}

type Deps struct {
	Directory   *Directory
	Store       Store
	Customers   Customers
	Arrivals    Arrivals
	KV          kv.Store
	Archive     Archive
	Publisher   stream.Publisher
	Topic       string
	PositionTTL time.Duration
	Pool        pond.Pool
	Observer    Observer
	Log         *zap.Logger
}

type Engine struct {
	Deps
	validate *validator.Validate
	now      func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.Pool == nil {
		d.Pool = pond.NewPool(32)
	}
	if d.PositionTTL == 0 {
		d.PositionTTL = 5 * time.Minute
	}
	return &Engine{Deps: d, validate: validator.New(), now: time.Now}
}

// Handle implements stream.Handler for the raw position topic.
func (e *Engine) Handle(ctx context.Context, msg stream.Message) error {
	fix, err := stream.DecodeJSON[model.RawFix](msg)
	if err != nil {
		e.observe(ResultInvalid)
		return fmt.Errorf("decode fix: %w", err)
	}
	_, _, err = e.HandleFix(ctx, fix)
	return err
}

// HandleFix enriches one fix. ok is false when the device is not provisioned.
func (e *Engine) HandleFix(ctx context.Context, fix model.RawFix) (model.EnrichedPosition, bool, error) {
	if err := e.validate.Struct(fix); err != nil {
		e.observe(ResultInvalid)
		return model.EnrichedPosition{}, false, fmt.Errorf("invalid fix: %w", err)
	}
	drv, ok := e.Directory.Resolve(fix)
	if !ok {
		e.Log.Debug("unknown device",
			zap.String("device_id", string(fix.DeviceID)),
			zap.String("unique_id", fix.AlternateKey()))
		e.observe(ResultUnknownDevice)
		return model.EnrichedPosition{}, false, nil
	}
	pos, err := e.enrich(ctx, fix, drv)
	if err != nil {
		e.observe(ResultFailed)
		return model.EnrichedPosition{}, true, err
	}
	if e.fanOut(ctx, pos) {
		e.markActive(ctx, pos.DriverID)
	}
	e.observe(ResultEnriched)
	return pos, true, nil
}

func optional[T any](v T, err error) (T, bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	return v, err == nil, err
}

func (e *Engine) enrich(ctx context.Context, fix model.RawFix, drv Entry) (model.EnrichedPosition, error) {
	now := e.now()
	pos := model.EnrichedPosition{
		Time:       fix.EventTime(now),
		DriverID:   drv.DriverID,
		TenantID:   drv.TenantID,
		DriverName: drv.Name,
		DeviceID:   drv.DeviceKey,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Speed:      fix.Speed,
		Heading:    fix.Course,
		Altitude:   fix.Altitude,
	}
	if fix.Accuracy > 0 {
		acc := fix.Accuracy
		pos.Accuracy = &acc
	}

	route, hasRoute, err := optional(e.Store.ActiveRouteForDriver(ctx, drv.DriverID))
	if err != nil {
		return pos, fmt.Errorf("active route: %w", err)
	}
	if hasRoute {
		pos.RouteID = route.ID
	}
	current, hasCurrent, err := optional(e.Store.CurrentVisitForDriver(ctx, drv.DriverID))
	if err != nil {
		return pos, fmt.Errorf("current visit: %w", err)
	}
	next, hasNext, err := optional(e.Store.NextVisitForDriver(ctx, drv.DriverID))
	if err != nil {
		return pos, fmt.Errorf("next visit: %w", err)
	}
	if hasCurrent {
		pos.CurrentVisitID = current.ID
	}
	if hasNext {
		pos.NextVisitID = next.ID
	}

	target, hasTarget := current, hasCurrent
	if !hasTarget {
		target, hasTarget = next, hasNext
	}
	if hasTarget {
		e.applyGeofence(ctx, &pos, fix, target)
	}

	if pos.InsideGeofence && hasNext && model.CanAutoArrive(next.Status) {
		arrived, err := e.Arrivals.MarkArrived(ctx, next.ID, pos.Time)
		if err != nil {
			e.Log.Error("auto-arrival failed", zap.String("visit_id", next.ID), zap.Error(err))
		}
		pos.VisitAutoArrival = arrived
	}
	return pos, nil
}

// applyGeofence fills the distance, ETA and containment facts. A customer
// without coordinates contributes nothing.
func (e *Engine) applyGeofence(ctx context.Context, pos *model.EnrichedPosition, fix model.RawFix, target model.PlannedVisit) {
	c, ok, err := e.Customers.Get(ctx, target.CustomerID)
	if err != nil {
		e.Log.Warn("customer lookup failed", zap.Int64("customer_id", target.CustomerID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	lat, lon, ok := c.Location()
	if !ok {
		return
	}
	dist := geo.HaversineMeters(fix.Latitude, fix.Longitude, lat, lon)
	pos.NextCustomer = &model.NextCustomer{ID: c.ID, Name: c.Name, Lat: lat, Lon: lon}
	pos.DistanceToNextM = &dist
	pos.ETAToNextSec = geo.ETASeconds(dist, fix.Speed)
	if geo.Inside(dist, c.GeofenceRadiusM) {
		pos.InsideGeofence = true
		id := c.ID
		pos.GeofenceCustomerID = &id
	}
}

// fanOut writes the position to every sink concurrently and waits for all of
// them. A failed leg is logged; it never cancels its siblings. Reports
// whether every leg succeeded.
func (e *Engine) fanOut(ctx context.Context, pos model.EnrichedPosition) bool {
	var failed atomic.Bool
	leg := func(sink string, fn func() error) func() {
		return func() {
			if err := fn(); err != nil {
				failed.Store(true)
				e.Log.Error("fan-out failed",
					zap.String("sink", sink),
					zap.String("driver_id", pos.DriverID),
					zap.Error(err))
				if e.Observer != nil {
					e.Observer.FanoutFailed(sink)
				}
			}
		}
	}
	group := e.Pool.NewGroup()
	group.Submit(
		leg(SinkCache, func() error {
			if err := kv.SetJSON(ctx, e.KV, kv.PositionKey(pos.DriverID), pos, e.PositionTTL); err != nil {
				return err
			}
			return e.KV.GeoAdd(ctx, kv.GeoKey(pos.TenantID), pos.DriverID, pos.Longitude, pos.Latitude)
		}),
		leg(SinkSnapshot, func() error {
			return e.Store.UpsertDriverPosition(ctx, pos.Snapshot(e.now()))
		}),
		leg(SinkArchive, func() error {
			return e.Archive.InsertPosition(ctx, pos.ArchiveRow())
		}),
		leg(SinkStream, func() error {
			return stream.PublishJSON(ctx, e.Publisher, e.Topic, pos.DriverID, pos)
		}),
	)
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		e.Log.Warn("fan-out group", zap.Error(err))
	}
	return !failed.Load()
}

// markActive runs off the hot path.
func (e *Engine) markActive(ctx context.Context, driverID string) {
	ctx = context.WithoutCancel(ctx)
	e.Pool.Submit(func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.Store.MarkDriverActive(ctx, driverID); err != nil {
			e.Log.Warn("mark driver active failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	})
}

func (e *Engine) observe(result string) {
	if e.Observer != nil {
		e.Observer.PositionProcessed(result)
	}
}
