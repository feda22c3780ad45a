package gateway

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleettrack/internal/auth"
)

// Options tune every connection.
type Options struct {
	RateLimit    float64
	RateBurst    int
	SendBuffer   int
	AllowOrigins []string
}

// Authenticator resolves the handshake credential.
type Authenticator interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// Handler upgrades /ws requests.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, a Authenticator, opts Options) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	h := &Handler{hub: hub, auth: a, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowOrigins) == 0 || slices.Contains(h.opts.AllowOrigins, "*") {
		return true
	}
	return slices.Contains(h.opts.AllowOrigins, origin)
}

// ServeHTTP authenticates after the upgrade so a rejected client receives an
// error event before the socket is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	p, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		h.hub.log.Info("socket rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		reject(ws, "authentication failed")
		return
	}

	c := newConn(h.hub, p, ws, h.opts)
	h.hub.register(c)
	c.log.Debug("socket connected", zap.String("role", p.Role))
	defer func() {
		h.hub.unregister(c)
		c.log.Debug("socket disconnected")
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go c.writePump()
	c.readPump(ctx)
}

func reject(ws *websocket.Conn, msg string) {
	defer func() { _ = ws.Close() }()
	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	if b, err := json.Marshal(errorFrame("", msg)); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
}
