package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fleettrack/internal/auth"
	"fleettrack/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Conn is one authenticated socket. Room membership is guarded by the hub.
type Conn struct {
	id        string
	principal auth.Principal
	hub       *Hub
	ws        *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	rooms     map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

func newConn(h *Hub, p auth.Principal, ws *websocket.Conn, opts Options) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:        id,
		principal: p,
		hub:       h,
		ws:        ws,
		send:      make(chan []byte, opts.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		rooms:     map[string]struct{}{},
		done:      make(chan struct{}),
		log:       h.log.With(zap.String("conn_id", id), zap.String("tenant_id", p.TenantID)),
	}
}

// enqueue never blocks. A slow client loses frames rather than stalling
// delivery to everyone else.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		c.log.Error("encode reply", zap.Error(err))
		return
	}
	if !c.enqueue(b) && c.hub.obs != nil {
		c.hub.obs.FrameDropped()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			if c.hub.obs != nil {
				c.hub.obs.RateLimited()
			}
			c.reply(errorFrame("", "rate limit exceeded"))
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(errorFrame("", "malformed frame"))
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f Frame) {
	var req roomRequest
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &req); err != nil {
			c.reply(errorFrame(f.ID, "malformed data"))
			return
		}
	}
	switch f.Event {
	case EvJoinTenant:
		if req.TenantID == "" || !canJoinTenant(c.principal, req.TenantID) {
			c.reply(errorFrame(f.ID, "not authorized for tenant"))
			return
		}
		c.hub.join(c, tenantRoom(req.TenantID))
	case EvLeaveTenant:
		c.hub.leave(c, tenantRoom(req.TenantID))
	case EvJoinDriver:
		if req.DriverID == "" || !canJoinDriver(c.principal, req.DriverID) {
			c.reply(errorFrame(f.ID, "not authorized for driver"))
			return
		}
		c.hub.join(c, driverRoom(req.DriverID))
	case EvLeaveDriver:
		c.hub.leave(c, driverRoom(req.DriverID))
	case EvJoinRoute:
		if req.RouteID == "" {
			c.reply(errorFrame(f.ID, "routeId required"))
			return
		}
		c.hub.join(c, routeRoom(req.RouteID))
	case EvLeaveRoute:
		c.hub.leave(c, routeRoom(req.RouteID))
	case EvGetActiveDrivers:
		c.activeDrivers(ctx, f.ID)
	default:
		c.reply(errorFrame(f.ID, "unknown event"))
	}
}

func (c *Conn) activeDrivers(ctx context.Context, id string) {
	if c.hub.active == nil {
		c.reply(Envelope{Event: EvActiveDrivers, ID: id, Data: []model.EnrichedPosition{}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	drivers, err := c.hub.active.ActiveDrivers(ctx, c.principal.TenantID)
	if err != nil {
		c.log.Warn("active drivers lookup failed", zap.Error(err))
		c.reply(errorFrame(id, "active drivers unavailable"))
		return
	}
	c.reply(Envelope{Event: EvActiveDrivers, ID: id, Data: drivers})
}

// canJoinTenant limits tenant rooms to the caller's own tenant, admins
// included.
func canJoinTenant(p auth.Principal, tenantID string) bool {
	return p.TenantID == tenantID
}

// canJoinDriver admits admins to any driver room and everyone else to their
// own driver room only.
func canJoinDriver(p auth.Principal, driverID string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.DriverID != "" && p.DriverID == driverID
}
