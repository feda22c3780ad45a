// Package gateway is the realtime websocket gateway: authenticated
// connections, room membership, and room broadcasts relayed across instances
// through a shared backbone.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"fleettrack/internal/cdc"
	"fleettrack/internal/model"
)

// ActiveDrivers lists drivers with a live latest-position entry.
type ActiveDrivers interface {
	ActiveDrivers(ctx context.Context, tenantID string) ([]model.EnrichedPosition, error)
}

// Observer counts frames the hub could not deliver.
type Observer interface {
	FrameDropped()
	RateLimited()
}

// Stats is the health view of the local instance.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Hub owns local connections and room membership.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[*Conn]struct{}
	backbone Backbone
	active   ActiveDrivers
	obs      Observer
	log      *zap.Logger
}

func NewHub(backbone Backbone, active ActiveDrivers, log *zap.Logger) *Hub {
	return &Hub{
		conns:    map[string]*Conn{},
		rooms:    map[string]map[*Conn]struct{}{},
		backbone: backbone,
		active:   active,
		log:      log,
	}
}

func (h *Hub) SetObserver(o Observer) { h.obs = o }

// Serve delivers backbone broadcasts to local members until ctx ends.
func (h *Hub) Serve(ctx context.Context) error {
	h.log.Info("gateway backbone subscribed")
	err := h.backbone.Subscribe(ctx, h.deliver)
	if ctx.Err() != nil {
		h.closeAll()
	}
	return err
}

// closeAll ends every local connection; each unregisters itself.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.close()
	}
}

func (h *Hub) String() string { return "gateway-hub" }

// deliver sends one copy per matching room, so a connection in two of the
// listed rooms receives the event twice.
func (h *Hub) deliver(b Broadcast) {
	frame, err := json.Marshal(Envelope{Event: b.Event, Data: b.Data})
	if err != nil {
		h.log.Error("encode broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range b.Rooms {
		for c := range h.rooms[room] {
			if !c.enqueue(frame) && h.obs != nil {
				h.obs.FrameDropped()
			}
		}
	}
}

// Emit publishes an event to rooms on every instance.
func (h *Hub) Emit(ctx context.Context, event string, data any, rooms ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return h.backbone.Publish(ctx, Broadcast{Rooms: rooms, Event: event, Data: raw})
}

func (h *Hub) BroadcastPosition(ctx context.Context, p model.EnrichedPosition) error {
	rooms := []string{tenantRoom(p.TenantID), driverRoom(p.DriverID)}
	if p.RouteID != "" {
		rooms = append(rooms, routeRoom(p.RouteID))
	}
	return h.Emit(ctx, EvPositionUpdate, p, rooms...)
}

func (h *Hub) BroadcastVisit(ctx context.Context, ev model.VisitEvent) error {
	return h.Emit(ctx, EvVisitUpdate, ev, tenantRoom(ev.TenantID), driverRoom(ev.DriverID), routeRoom(ev.RouteID))
}

// BroadcastCDCLag sends a lag snapshot to administrators only.
func (h *Hub) BroadcastCDCLag(ctx context.Context, s cdc.Snapshot) error {
	return h.Emit(ctx, EvCDCLag, s, adminRoom)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.conns), Rooms: len(h.rooms)}
}

// register adds the connection and its automatic rooms.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	h.joinLocked(c, tenantRoom(c.principal.TenantID))
	if c.principal.IsAdmin() {
		h.joinLocked(c, adminRoom)
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.conns, c.id)
}

func (h *Hub) join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, room)
}

func (h *Hub) leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Conn]struct{}{}
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Rooms lists the rooms a connection belongs to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}
