package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fleettrack/internal/archive"
	"fleettrack/internal/buildinfo"
	"fleettrack/internal/cdc"
	"fleettrack/internal/kv"
	"fleettrack/internal/model"
)

// PositionsHandler handles GET /v1/positions
func (s *Server) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	items, err := s.Store.ListDriverPositions(r.Context(), p.TenantID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List positions failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.DriverPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DriverPositionHandler handles GET /v1/drivers/{driverID}/position
func (s *Server) DriverPositionHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "driverID")
	pos, ok, err := kv.GetJSON[model.EnrichedPosition](r.Context(), s.KV, kv.PositionKey(id))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Position lookup failed", err.Error(), r.URL.Path)
		return
	}
	if !ok || (pos.TenantID != p.TenantID && !p.IsAdmin()) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no live position for driver", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// DriverHistoryHandler handles GET /v1/drivers/{driverID}/history
func (s *Server) DriverHistoryHandler(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, archive.DefaultDriverLimit, func(ctx context.Context, tenant string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
		return s.Archive.DriverHistory(ctx, tenant, chi.URLParam(r, "driverID"), from, to, limit)
	})
}

// RouteHistoryHandler handles GET /v1/routes/{routeID}/history
func (s *Server) RouteHistoryHandler(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, archive.DefaultRouteLimit, func(ctx context.Context, tenant string, from, to time.Time, limit int) ([]model.ArchivedPosition, error) {
		return s.Archive.RouteHistory(ctx, tenant, chi.URLParam(r, "routeID"), from, to, limit)
	})
}

type historyFunc func(ctx context.Context, tenant string, from, to time.Time, limit int) ([]model.ArchivedPosition, error)

func (s *Server) history(w http.ResponseWriter, r *http.Request, defLimit int, fetch historyFunc) {
	from, to, limit, err := parseRange(r, defLimit)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid range", err.Error(), r.URL.Path)
		return
	}
	items, err := fetch(r.Context(), principal(r).TenantID, from, to, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "History query failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.ArchivedPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func parseRange(r *http.Request, defLimit int) (from, to time.Time, limit int, err error) {
	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		return from, to, 0, errors.New("from and to are required (RFC3339)")
	}
	if from, err = time.Parse(time.RFC3339, q.Get("from")); err != nil {
		return from, to, 0, errors.New("from must be RFC3339")
	}
	if to, err = time.Parse(time.RFC3339, q.Get("to")); err != nil {
		return from, to, 0, errors.New("to must be RFC3339")
	}
	if to.Before(from) {
		return from, to, 0, errors.New("to must not precede from")
	}
	limit = defLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return from, to, 0, errors.New("limit must be a positive integer")
		}
		limit = min(n, defLimit)
	}
	return from, to, limit, nil
}

// CustomersHandler handles GET /v1/customers
func (s *Server) CustomersHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Customers.GetAllForTenant(r.Context(), principal(r).TenantID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List customers failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.Customer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WarmCustomersHandler handles POST /v1/admin/customers/warm
func (s *Server) WarmCustomersHandler(w http.ResponseWriter, r *http.Request) {
	tenant := principal(r).TenantID
	if t := r.URL.Query().Get("tenantId"); t != "" {
		tenant = t
	}
	n, err := s.Customers.Warm(r.Context(), tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Warm failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenant, "warmed": n})
}

// SyncStatusHandler handles GET /v1/admin/sync/status
func (s *Server) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	states, err := s.Store.ListSyncStates(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Sync status failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": states})
}

// SyncLagHandler handles GET /v1/admin/sync/lag
func (s *Server) SyncLagHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Monitor.Snapshot(r.Context()))
}

// ReloadDriversHandler handles POST /v1/admin/drivers/reload
func (s *Server) ReloadDriversHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.ReloadDrivers(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Reload failed", err.Error(), r.URL.Path)
		return
	}
	s.Log.Info("device directory reloaded", zap.Int("devices", n))
	writeJSON(w, http.StatusOK, map[string]any{"devices": n})
}

// GatewayStatsHandler handles GET /v1/admin/gateway/stats
func (s *Server) GatewayStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Gateway.Stats())
}

type dependency struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler reports dependency reachability, gateway load and CDC lag.
// An unreachable optional dependency degrades the report; it never fails the
// request.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]dependency{
		"store":   check(ctx, s.Store),
		"redis":   check(ctx, s.KV),
		"archive": check(ctx, s.Archive),
	}
	if s.Kafka != nil {
		deps["kafka"] = check(ctx, s.Kafka)
	} else {
		deps["kafka"] = dependency{Status: "not_configured"}
	}

	maxLag := s.Monitor.Tracker().MaxLagMs()
	cdcStatus := cdc.HealthForLag(maxLag)
	overall := "ok"
	switch cdcStatus {
	case cdc.HealthWarning, cdc.HealthDegraded, cdc.HealthCritical:
		overall = cdcStatus
	}
	for _, d := range deps {
		if d.Status == "down" && overall == "ok" {
			overall = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       overall,
		"build":        buildinfo.Info(),
		"time":         time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
		"gateway":      s.Gateway.Stats(),
		"cdc": map[string]any{
			"status":   cdcStatus,
			"maxLagMs": maxLag,
		},
	})
}

func check(ctx context.Context, p Pinger) dependency {
	if err := p.Ping(ctx); err != nil {
		return dependency{Status: "down", Error: err.Error()}
	}
	return dependency{Status: "up"}
}

// ReadyHandler answers 503 until the relational store is reachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
