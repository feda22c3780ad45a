package gateway

import "github.com/goccy/go-json"

// Client -> server events.
const (
	EvJoinTenant       = "join-tenant"
	EvLeaveTenant      = "leave-tenant"
	EvJoinDriver       = "join-driver"
	EvLeaveDriver      = "leave-driver"
	EvJoinRoute        = "join-route"
	EvLeaveRoute       = "leave-route"
	EvGetActiveDrivers = "get-active-drivers"
)

// Server -> client events.
const (
	EvPositionUpdate = "position:update"
	EvVisitUpdate    = "visit:update"
	EvCDCLag         = "cdc:lag"
	EvActiveDrivers  = "active-drivers"
	EvError          = "error"
)

const adminRoom = "role:admin"

func tenantRoom(id string) string { return "tenant:" + id }
func driverRoom(id string) string { return "driver:" + id }
func routeRoom(id string) string  { return "route:" + id }

// Frame is a client message.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is a server message.
type Envelope struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

type roomRequest struct {
	TenantID string `json:"tenantId"`
	DriverID string `json:"driverId"`
	RouteID  string `json:"routeId"`
}

type errorData struct {
	Message string `json:"message"`
}

func errorFrame(id, msg string) Envelope {
	return Envelope{Event: EvError, ID: id, Data: errorData{Message: msg}}
}
