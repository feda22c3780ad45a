package store

import (
	"context"
	"errors"
	"time"

	"fleettrack/internal/model"
)

// Store is the local relational store: collaborator-owned driver/route/visit
// tables plus the caches and snapshots this service maintains.
type Store interface {
	// Drivers, routes and visits
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	MarkDriverActive(ctx context.Context, driverID string) error
	ActiveRouteForDriver(ctx context.Context, driverID string) (model.Route, error)
	CurrentVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error)
	NextVisitForDriver(ctx context.Context, driverID string) (model.PlannedVisit, error)
	// MarkVisitArrived moves a pending or en_route visit to arrived and returns
	// the status it held before. ErrConflict means the guard rejected it.
	MarkVisitArrived(ctx context.Context, visitID string, at time.Time) (model.PlannedVisit, string, error)

	// CDC caches
	GetCustomer(ctx context.Context, id int64) (model.Customer, error)
	ListCustomers(ctx context.Context, tenantID string) ([]model.Customer, error)
	UpsertCustomer(ctx context.Context, c model.Customer) error
	DeleteCustomer(ctx context.Context, id int64) error
	UpsertAccount(ctx context.Context, a model.Account) error
	DeleteAccount(ctx context.Context, id int64) error
	UpsertProduct(ctx context.Context, p model.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	GetUser(ctx context.Context, id string) (model.User, error)
	UpsertUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, id string) error

	// Sync state
	UpsertSyncState(ctx context.Context, s model.SyncState) error
	ListSyncStates(ctx context.Context) ([]model.SyncState, error)

	// Latest position per driver
	UpsertDriverPosition(ctx context.Context, p model.DriverPosition) error
	ListDriverPositions(ctx context.Context, tenantID string) ([]model.DriverPosition, error)

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("state conflict")
)
