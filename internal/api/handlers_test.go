package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleettrack/internal/archive"
	"fleettrack/internal/auth"
	"fleettrack/internal/cdc"
	"fleettrack/internal/customers"
	"fleettrack/internal/gateway"
	"fleettrack/internal/kv"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

type harness struct {
	srv     *Server
	st      *store.Memory
	kv      *kv.Memory
	arch    *archive.Memory
	reloads int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics.RegisterDefault()
	h := &harness{st: store.NewMemory(), kv: kv.NewMemory(), arch: archive.NewMemory()}
	ctx := context.Background()
	lat, lon := -16.5, -68.1
	require.NoError(t, h.st.UpsertCustomer(ctx, model.Customer{ID: 1, TenantID: "t1", Name: "Tienda", Latitude: &lat, Longitude: &lon, Active: true}))
	require.NoError(t, h.st.UpsertCustomer(ctx, model.Customer{ID: 2, TenantID: "t1", Name: "Kiosko", Active: true}))
	require.NoError(t, h.st.UpsertCustomer(ctx, model.Customer{ID: 3, TenantID: "t2", Name: "Other", Active: true}))
	require.NoError(t, h.st.UpsertDriverPosition(ctx, model.DriverPosition{DriverID: "D1", TenantID: "t1", UpdatedAt: time.Now()}))
	require.NoError(t, h.st.UpsertDriverPosition(ctx, model.DriverPosition{DriverID: "D9", TenantID: "t2", UpdatedAt: time.Now()}))

	tracker := cdc.NewTracker(60, map[string]string{"cdc.customers": "customers_cache"}, nil)
	h.srv = NewServer(Deps{
		Store:     h.st,
		KV:        h.kv,
		Archive:   h.arch,
		Customers: customers.New(h.st, h.kv, time.Minute, time.Minute, zap.NewNop()),
		Monitor:   cdc.NewMonitor(tracker, nil, time.Second, zap.NewNop()),
		Gateway:   gateway.NewHub(gateway.NewMemoryBackbone(), nil, zap.NewNop()),
		ReloadDrivers: func(context.Context) (int, error) {
			h.reloads++
			return 4, nil
		},
		Auth: auth.NewVerifier(auth.ModeDev, nil, nil),
		Log:  zap.NewNop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, target, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.srv.ServeHTTP(rr, req)
	var body map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestHealthReportsDependencies(t *testing.T) {
	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])

	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "up", deps["store"].(map[string]any)["status"])
	assert.Equal(t, "up", deps["redis"].(map[string]any)["status"])
	assert.Equal(t, "not_configured", deps["kafka"].(map[string]any)["status"])
	assert.Equal(t, cdc.HealthHealthy, body["cdc"].(map[string]any)["status"])
	assert.Contains(t, body, "build")
}

func TestReadyAndMetrics(t *testing.T) {
	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrr := httptest.NewRecorder()
	h.srv.ServeHTTP(mrr, req)
	assert.Equal(t, http.StatusOK, mrr.Code)
	assert.Contains(t, mrr.Body.String(), "http_requests_total")
}

func TestV1RequiresBearerToken(t *testing.T) {
	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/v1/positions", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
}

func TestPositionsAreTenantScoped(t *testing.T) {
	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/v1/positions", "t1:dispatcher")
	require.Equal(t, http.StatusOK, rr.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "D1", items[0].(map[string]any)["driverId"])
}

func TestDriverPositionFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, kv.SetJSON(ctx, h.kv, kv.PositionKey("D1"), model.EnrichedPosition{DriverID: "D1", TenantID: "t1", Latitude: -16.5}, time.Minute))

	rr, body := h.do(t, http.MethodGet, "/v1/drivers/D1/position", "t1:dispatcher")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, -16.5, body["latitude"])

	rr, _ = h.do(t, http.MethodGet, "/v1/drivers/D1/position", "t2:dispatcher")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = h.do(t, http.MethodGet, "/v1/drivers/D2/position", "t1:dispatcher")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDriverHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, h.arch.InsertPosition(ctx, model.ArchivedPosition{
			Time: base.Add(time.Duration(i) * time.Minute), DriverID: "D1", TenantID: "t1", RouteID: "R1",
		}))
	}
	require.NoError(t, h.arch.InsertPosition(ctx, model.ArchivedPosition{Time: base, DriverID: "D1", TenantID: "t2"}))

	rr, _ := h.do(t, http.MethodGet, "/v1/drivers/D1/history", "t1:dispatcher")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr, _ = h.do(t, http.MethodGet, "/v1/drivers/D1/history?from=yesterday&to=2026-03-02T00:00:00Z", "t1:dispatcher")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	q := "?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z"
	rr, body := h.do(t, http.MethodGet, "/v1/drivers/D1/history"+q, "t1:dispatcher")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), body["count"])

	rr, body = h.do(t, http.MethodGet, "/v1/routes/R1/history"+q+"&limit=2", "t1:dispatcher")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestCustomersForTenant(t *testing.T) {
	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/v1/customers", "t1:dispatcher")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["items"], 2)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newHarness(t)
	rr, _ := h.do(t, http.MethodGet, "/v1/admin/sync/lag", "t1:dispatcher")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, body := h.do(t, http.MethodGet, "/v1/admin/sync/lag", "t1:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body, "tables")
	assert.Empty(t, body["kafkaOffsetLag"])

	rr, body = h.do(t, http.MethodPost, "/v1/admin/customers/warm", "t1:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), body["warmed"])

	rr, body = h.do(t, http.MethodPost, "/v1/admin/drivers/reload", "t1:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(4), body["devices"])
	assert.Equal(t, 1, h.reloads)

	rr, body = h.do(t, http.MethodGet, "/v1/admin/gateway/stats", "t1:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), body["connections"])

	rr, body = h.do(t, http.MethodGet, "/v1/admin/sync/status", "t1:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body, "tables")
}
