package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleettrack/internal/archive"
	"fleettrack/internal/customers"
	"fleettrack/internal/kv"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
	"fleettrack/internal/stream"
	"fleettrack/internal/visits"
)

type record struct {
	topic, key string
	value      []byte
}

type recorder struct {
	mu   sync.Mutex
	recs []record
}

func (r *recorder) Publish(_ context.Context, topic string, key, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, record{topic, string(key), value})
	return nil
}

func (r *recorder) onTopic(topic string) []record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []record
	for _, rec := range r.recs {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
	sinks   map[string]int
}

func (o *countingObserver) PositionProcessed(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[result]++
}

func (o *countingObserver) FanoutFailed(sink string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sinks[sink]++
}

type failingArchive struct{}

func (failingArchive) InsertPosition(context.Context, model.ArchivedPosition) error {
	return errors.New("archive unavailable")
}

type harness struct {
	engine  *Engine
	st      *store.Memory
	kvs     *kv.Memory
	arch    *archive.Memory
	pub     *recorder
	obs     *countingObserver
	fixedAt time.Time
}

func ptr(f float64) *float64 { return &f }

func newHarness(t *testing.T, arch Archive) *harness {
	t.Helper()
	st := store.NewMemory()
	st.PutDriver(model.Driver{ID: "D1", TenantID: "t1", DeviceID: "DEV001", Name: "Ana"})
	st.PutDriver(model.Driver{ID: "D2", TenantID: "t1", DeviceID: "12", Name: "Luis"})
	st.PutRoute(model.Route{ID: "r1", TenantID: "t1", DriverID: "D1", Status: "in_progress"})
	st.PutVisit(model.PlannedVisit{ID: "v1", TenantID: "t1", RouteID: "r1", DriverID: "D1", CustomerID: 42, Sequence: 1, Status: model.VisitPending})
	require.NoError(t, st.UpsertCustomer(context.Background(), model.Customer{
		ID: 42, TenantID: "t1", Name: "Tienda Sol", Latitude: ptr(-16.50), Longitude: ptr(-68.10), GeofenceRadiusM: 50, Active: true,
	}))

	h := &harness{
		st:      st,
		kvs:     kv.NewMemory(),
		arch:    archive.NewMemory(),
		pub:     &recorder{},
		obs:     &countingObserver{results: map[string]int{}, sinks: map[string]int{}},
		fixedAt: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	if arch == nil {
		arch = h.arch
	}
	dir := NewDirectory()
	_, err := dir.Reload(context.Background(), st)
	require.NoError(t, err)

	pool := pond.NewPool(8)
	t.Cleanup(pool.StopAndWait)

	log := zap.NewNop()
	h.engine = NewEngine(Deps{
		Directory:   dir,
		Store:       st,
		Customers:   customers.New(st, h.kvs, time.Minute, 5*time.Minute, log),
		Arrivals:    visits.NewService(st, h.pub, "visits.events", log),
		KV:          h.kvs,
		Archive:     arch,
		Publisher:   h.pub,
		Topic:       "gps.positions.enriched",
		PositionTTL: 5 * time.Minute,
		Pool:        pool,
		Observer:    h.obs,
		Log:         log,
	})
	h.engine.now = func() time.Time { return h.fixedAt }
	return h
}

func devFix() model.RawFix {
	return model.RawFix{DeviceID: "DEV001", Latitude: -16.50, Longitude: -68.10, Speed: 0, Course: 0}
}

func TestArrivalScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pos, ok, err := h.engine.HandleFix(ctx, devFix())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "D1", pos.DriverID)
	assert.Equal(t, "t1", pos.TenantID)
	assert.Equal(t, "Ana", pos.DriverName)
	assert.Equal(t, "r1", pos.RouteID)
	assert.Equal(t, "v1", pos.NextVisitID)
	require.NotNil(t, pos.DistanceToNextM)
	assert.InDelta(t, 0, *pos.DistanceToNextM, 0.001)
	assert.Nil(t, pos.ETAToNextSec)
	assert.True(t, pos.InsideGeofence)
	require.NotNil(t, pos.GeofenceCustomerID)
	assert.Equal(t, int64(42), *pos.GeofenceCustomerID)
	assert.True(t, pos.VisitAutoArrival)
	require.NotNil(t, pos.NextCustomer)
	assert.Equal(t, "Tienda Sol", pos.NextCustomer.Name)
	assert.Equal(t, h.fixedAt, pos.Time)

	v, _ := h.st.Visit("v1")
	assert.Equal(t, model.VisitArrived, v.Status)
}

func TestAutoArrivalIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := h.engine.HandleFix(ctx, devFix())
		require.NoError(t, err)
	}
	assert.Len(t, h.pub.onTopic("visits.events"), 1)
	assert.Len(t, h.pub.onTopic("gps.positions.enriched"), 3)
}

func TestAutoArrivalSkipsClosedVisit(t *testing.T) {
	h := newHarness(t, nil)
	h.st.PutVisit(model.PlannedVisit{ID: "v1", TenantID: "t1", RouteID: "r1", DriverID: "D1", CustomerID: 42, Sequence: 1, Status: model.VisitInProgress})

	pos, _, err := h.engine.HandleFix(context.Background(), devFix())
	require.NoError(t, err)
	assert.Equal(t, "v1", pos.CurrentVisitID)
	assert.True(t, pos.InsideGeofence)
	assert.False(t, pos.VisitAutoArrival)
	assert.Empty(t, h.pub.onTopic("visits.events"))
}

func TestFanOutWritesEverySink(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fix := devFix()
	fix.Latitude, fix.Longitude, fix.Speed = -16.51, -68.10, 36

	pos, _, err := h.engine.HandleFix(ctx, fix)
	require.NoError(t, err)
	require.NotNil(t, pos.ETAToNextSec)
	assert.False(t, pos.InsideGeofence)

	cached, ok, err := kv.GetJSON[model.EnrichedPosition](ctx, h.kvs, kv.PositionKey("D1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos.DriverID, cached.DriverID)
	_, _, ok = h.kvs.GeoPos(kv.GeoKey("t1"), "D1")
	assert.True(t, ok)

	snaps, err := h.st.ListDriverPositions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "r1", snaps[0].CurrentRouteID)

	assert.Equal(t, 1, h.arch.Len())

	out := h.pub.onTopic("gps.positions.enriched")
	require.Len(t, out, 1)
	assert.Equal(t, "D1", out[0].key)

	assert.Eventually(t, func() bool {
		d, _ := h.st.Driver("D1")
		return d.Status == "active"
	}, time.Second, 10*time.Millisecond)
}

func TestFanOutToleratesPartialFailure(t *testing.T) {
	h := newHarness(t, failingArchive{})
	ctx := context.Background()

	_, ok, err := h.engine.HandleFix(ctx, devFix())
	require.NoError(t, err)
	require.True(t, ok)

	_, hit, err := kv.GetJSON[model.EnrichedPosition](ctx, h.kvs, kv.PositionKey("D1"))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Len(t, h.pub.onTopic("gps.positions.enriched"), 1)
	snaps, _ := h.st.ListDriverPositions(ctx, "t1")
	assert.Len(t, snaps, 1)

	assert.Equal(t, 1, h.obs.sinks[SinkArchive])
	d, _ := h.st.Driver("D1")
	assert.NotEqual(t, "active", d.Status)
}

func TestUnknownDeviceIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	_, ok, err := h.engine.HandleFix(context.Background(), model.RawFix{DeviceID: "NOPE", Latitude: 1, Longitude: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.pub.recs)
	assert.Equal(t, 1, h.obs.results[ResultUnknownDevice])
}

func TestInvalidFixIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	fix := devFix()
	fix.Latitude = 120
	_, _, err := h.engine.HandleFix(context.Background(), fix)
	assert.Error(t, err)
	assert.Equal(t, 1, h.obs.results[ResultInvalid])
}

func TestAlternateKeyTakesPriority(t *testing.T) {
	h := newHarness(t, nil)
	fix := model.RawFix{DeviceID: "12", Latitude: 0, Longitude: 0, Attributes: map[string]any{"uniqueId": "DEV001"}}
	pos, ok, err := h.engine.HandleFix(context.Background(), fix)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "D1", pos.DriverID)
	assert.Equal(t, "DEV001", pos.DeviceID)
}

func TestHandleDecodesNumericDeviceID(t *testing.T) {
	h := newHarness(t, nil)
	fixTime := time.Date(2026, 5, 4, 11, 59, 30, 0, time.UTC)
	body, err := json.Marshal(map[string]any{
		"deviceId":  12,
		"latitude":  -16.4,
		"longitude": -68.2,
		"fixTime":   fixTime,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Handle(context.Background(), stream.Message{Topic: "gps.positions", Value: body}))
	out := h.pub.onTopic("gps.positions.enriched")
	require.Len(t, out, 1)
	var pos model.EnrichedPosition
	require.NoError(t, json.Unmarshal(out[0].value, &pos))
	assert.Equal(t, "D2", pos.DriverID)
	assert.Equal(t, "12", pos.DeviceID)
	assert.True(t, fixTime.Equal(pos.Time))
	assert.Empty(t, pos.RouteID)
}

func TestHandleRejectsGarbage(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.Handle(context.Background(), stream.Message{Topic: "gps.positions", Value: []byte("{")})
	assert.Error(t, err)
}

func TestDirectoryRefresh(t *testing.T) {
	d := NewDirectory()
	d.Refresh("IMEI9", Entry{DriverID: "D9", TenantID: "t2", Name: "Eva"})
	e, ok := d.Lookup("IMEI9")
	require.True(t, ok)
	assert.Equal(t, "D9", e.DriverID)
	assert.Equal(t, "t2", e.TenantID)
	assert.Equal(t, 1, d.Len())
}
