// Package api implements the HTTP read surface: health, metrics, positions,
// history, customer directory and CDC administration.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fleettrack/internal/archive"
	"fleettrack/internal/cdc"
	"fleettrack/internal/gateway"
	"fleettrack/internal/kv"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

// Store is the relational read side.
type Store interface {
	ListDriverPositions(ctx context.Context, tenantID string) ([]model.DriverPosition, error)
	ListSyncStates(ctx context.Context) ([]model.SyncState, error)
	Ping(ctx context.Context) error
}

// CustomerDirectory is the lookup cache.
type CustomerDirectory interface {
	GetAllForTenant(ctx context.Context, tenantID string) ([]model.Customer, error)
	Warm(ctx context.Context, tenantID string) (int, error)
}

type GatewayStats interface {
	Stats() gateway.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store     Store
	KV        kv.Store
	Archive   archive.Archive
	Customers CustomerDirectory
	Monitor   *cdc.Monitor
	Gateway   GatewayStats
	// Kafka is optional; nil reports the broker as not configured.
	Kafka Pinger
	// ReloadDrivers rebuilds the device directory.
	ReloadDrivers func(ctx context.Context) (int, error)
	Auth          Authenticator
	// Socket serves /ws.
	Socket http.Handler
	Log    *zap.Logger
}

type Server struct {
	Deps
	auth   Authenticator
	router chi.Router
}

func NewServer(d Deps) *Server {
	s := &Server{Deps: d, auth: d.Auth}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if d.Socket != nil {
		r.Handle("/ws", d.Socket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/positions", s.PositionsHandler)
		r.Get("/drivers/{driverID}/position", s.DriverPositionHandler)
		r.Get("/drivers/{driverID}/history", s.DriverHistoryHandler)
		r.Get("/routes/{routeID}/history", s.RouteHistoryHandler)
		r.Get("/customers", s.CustomersHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/customers/warm", s.WarmCustomersHandler)
			r.Get("/sync/status", s.SyncStatusHandler)
			r.Get("/sync/lag", s.SyncLagHandler)
			r.Post("/drivers/reload", s.ReloadDriversHandler)
			r.Get("/gateway/stats", s.GatewayStatsHandler)
		})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// observe logs each request and records it under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", dur),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// HTTPService runs the server under the supervisor tree.
type HTTPService struct {
	srv *http.Server
	log *zap.Logger
}

func NewHTTPService(addr string, h http.Handler, readHeaderTimeout time.Duration, log *zap.Logger) *HTTPService {
	return &HTTPService{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log: log,
	}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.Info("http listening", zap.String("addr", h.srv.Addr))
		errCh <- h.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.srv.Shutdown(shutdownCtx); err != nil {
			h.log.Warn("http shutdown", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http" }
