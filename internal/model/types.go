package model

import (
	"bytes"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Visit lifecycle states.
const (
	VisitPending    = "pending"
	VisitEnRoute    = "en_route"
	VisitArrived    = "arrived"
	VisitInProgress = "in_progress"
	VisitCompleted  = "completed"
	VisitSkipped    = "skipped"
	VisitFailed     = "failed"
)

// Roles carried by authenticated principals.
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
)

// DeviceID accepts both numeric and string device identifiers on the wire.
type DeviceID string

func (d *DeviceID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DeviceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = DeviceID(n.String())
	return nil
}

// RawFix is one GPS sample as normalized by the ingestion adapter.
type RawFix struct {
	DeviceID   DeviceID       `json:"deviceId" validate:"required"`
	Latitude   float64        `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64        `json:"longitude" validate:"gte=-180,lte=180"`
	Speed      float64        `json:"speed"`
	Course     float64        `json:"course"`
	Altitude   float64        `json:"altitude"`
	Accuracy   float64        `json:"accuracy"`
	DeviceTime *time.Time     `json:"deviceTime,omitempty"`
	FixTime    *time.Time     `json:"fixTime,omitempty"`
	ServerTime *time.Time     `json:"serverTime,omitempty"`
	Valid      *bool          `json:"valid,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AlternateKey returns the human-readable device key embedded in attributes
// (the "uniqueId" attribute), if any.
func (f RawFix) AlternateKey() string {
	switch v := f.Attributes["uniqueId"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// EventTime picks device time, then fix time, then server time, then now.
func (f RawFix) EventTime(now time.Time) time.Time {
	for _, t := range []*time.Time{f.DeviceTime, f.FixTime, f.ServerTime} {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return now
}

// NextCustomer is the customer the driver is heading to.
type NextCustomer struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// EnrichedPosition is a fix joined with driver, route and visit context.
// Values are never mutated after construction.
type EnrichedPosition struct {
	Time               time.Time     `json:"time"`
	DriverID           string        `json:"driverId"`
	TenantID           string        `json:"tenantId"`
	DriverName         string        `json:"driverName"`
	DeviceID           string        `json:"deviceId"`
	Latitude           float64       `json:"latitude"`
	Longitude          float64       `json:"longitude"`
	Speed              float64       `json:"speed"`
	Heading            float64       `json:"heading"`
	Altitude           float64       `json:"altitude"`
	Accuracy           *float64      `json:"accuracy"`
	RouteID            string        `json:"routeId,omitempty"`
	CurrentVisitID     string        `json:"currentVisitId,omitempty"`
	NextVisitID        string        `json:"nextVisitId,omitempty"`
	NextCustomer       *NextCustomer `json:"nextCustomer"`
	DistanceToNextM    *float64      `json:"distanceToNextM"`
	ETAToNextSec       *int64        `json:"etaToNextSec"`
	InsideGeofence     bool          `json:"insideGeofence"`
	GeofenceCustomerID *int64        `json:"geofenceCustomerId"`
	VisitAutoArrival   bool          `json:"visitAutoArrival"`
}

// Snapshot flattens the position into the latest-position row.
func (p EnrichedPosition) Snapshot(updatedAt time.Time) DriverPosition {
	return DriverPosition{
		DriverID:        p.DriverID,
		TenantID:        p.TenantID,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
		Speed:           p.Speed,
		Heading:         p.Heading,
		Altitude:        p.Altitude,
		Accuracy:        p.Accuracy,
		CurrentRouteID:  p.RouteID,
		CurrentVisitID:  p.CurrentVisitID,
		NextVisitID:     p.NextVisitID,
		DistanceToNextM: p.DistanceToNextM,
		ETAToNextSec:    p.ETAToNextSec,
		UpdatedAt:       updatedAt,
	}
}

// ArchiveRow converts the position into its time-series shape.
func (p EnrichedPosition) ArchiveRow() ArchivedPosition {
	row := ArchivedPosition{
		Time:            p.Time,
		DriverID:        p.DriverID,
		TenantID:        p.TenantID,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
		Speed:           p.Speed,
		Heading:         p.Heading,
		Altitude:        p.Altitude,
		Accuracy:        p.Accuracy,
		RouteID:         p.RouteID,
		VisitID:         p.CurrentVisitID,
		DistanceToNextM: p.DistanceToNextM,
		ETAToNextSec:    p.ETAToNextSec,
	}
	if row.VisitID == "" {
		row.VisitID = p.NextVisitID
	}
	if p.NextCustomer != nil {
		row.CustomerName = p.NextCustomer.Name
	}
	return row
}

// DriverPosition is the flat "latest position" row, one per driver.
type DriverPosition struct {
	DriverID        string    `json:"driverId"`
	TenantID        string    `json:"tenantId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           float64   `json:"speed"`
	Heading         float64   `json:"heading"`
	Altitude        float64   `json:"altitude"`
	Accuracy        *float64  `json:"accuracy"`
	CurrentRouteID  string    `json:"currentRouteId,omitempty"`
	CurrentVisitID  string    `json:"currentVisitId,omitempty"`
	NextVisitID     string    `json:"nextVisitId,omitempty"`
	DistanceToNextM *float64  `json:"distanceToNextM"`
	ETAToNextSec    *int64    `json:"etaToNextSec"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ArchivedPosition is one append-only row of the position archive.
type ArchivedPosition struct {
	Time            time.Time `json:"time"`
	DriverID        string    `json:"driverId"`
	TenantID        string    `json:"tenantId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           float64   `json:"speed"`
	Heading         float64   `json:"heading"`
	Altitude        float64   `json:"altitude"`
	Accuracy        *float64  `json:"accuracy"`
	RouteID         string    `json:"routeId,omitempty"`
	VisitID         string    `json:"visitId,omitempty"`
	CustomerName    string    `json:"customerName,omitempty"`
	DistanceToNextM *float64  `json:"distanceToNextM"`
	ETAToNextSec    *int64    `json:"etaToNextSec"`
}

// Customer is the cached customer row. Customers without coordinates never
// take part in geofence or ETA computation.
type Customer struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenantId"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	Email           string    `json:"email,omitempty"`
	Address         string    `json:"address,omitempty"`
	Latitude        *float64  `json:"latitude"`
	Longitude       *float64  `json:"longitude"`
	GeofenceRadiusM int       `json:"geofenceRadiusMeters"`
	CustomerType    string    `json:"customerType"`
	Active          bool      `json:"active"`
	SyncedAt        time.Time `json:"syncedAt"`
}

// Location reports the customer coordinates when both are known.
func (c Customer) Location() (lat, lon float64, ok bool) {
	if c.Latitude == nil || c.Longitude == nil {
		return 0, 0, false
	}
	return *c.Latitude, *c.Longitude, true
}

type Account struct {
	ID          int64          `json:"id"`
	TenantID    string         `json:"tenantId"`
	Name        string         `json:"name"`
	AccountType string         `json:"accountType"`
	Settings    map[string]any `json:"settings"`
	SyncedAt    time.Time      `json:"syncedAt"`
}

type Product struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	SKU       string    `json:"sku"`
	Category  string    `json:"category,omitempty"`
	UnitPrice float64   `json:"unitPrice"`
	Active    bool      `json:"active"`
	SyncedAt  time.Time `json:"syncedAt"`
}

// User is the cached login identity used to resolve socket credentials.
type User struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	DriverID string    `json:"driverId,omitempty"`
	Active   bool      `json:"isActive"`
	SyncedAt time.Time `json:"syncedAt"`
}

type Driver struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type Route struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	DriverID      string `json:"driverId"`
	ScheduledDate string `json:"scheduledDate"`
	Status        string `json:"status"`
}

// PlannedVisit is owned by the routing collaborator; this service only drives
// pending/en_route -> arrived.
type PlannedVisit struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	RouteID         string     `json:"routeId"`
	DriverID        string     `json:"driverId"`
	CustomerID      int64      `json:"customerId"`
	Sequence        int        `json:"sequenceNumber"`
	VisitType       string     `json:"visitType"`
	Status          string     `json:"status"`
	TimeWindowStart string     `json:"timeWindowStart,omitempty"`
	TimeWindowEnd   string     `json:"timeWindowEnd,omitempty"`
	ArrivedAt       *time.Time `json:"arrivedAt"`
	DepartedAt      *time.Time `json:"departedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
}

// CanAutoArrive reports whether geofence detection may move a visit to arrived.
func CanAutoArrive(status string) bool {
	return status == VisitPending || status == VisitEnRoute
}

// VisitEvent is published on visits.events and relayed to sockets.
type VisitEvent struct {
	VisitID        string     `json:"visitId"`
	RouteID        string     `json:"routeId"`
	DriverID       string     `json:"driverId"`
	CustomerID     int64      `json:"customerId"`
	TenantID       string     `json:"tenantId"`
	PreviousStatus string     `json:"previousStatus"`
	CurrentStatus  string     `json:"currentStatus"`
	VisitType      string     `json:"visitType"`
	ArrivedAt      *time.Time `json:"arrivedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
	Timestamp      time.Time  `json:"timestamp"`
}

// SyncState tracks the last applied change per synchronized table.
// LastOffset is the broker offset and never moves backwards.
type SyncState struct {
	TableName    string    `json:"tableName"`
	LastOffset   int64     `json:"lastOffset"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	Status       string    `json:"status"`
}
