package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fleettrack/internal/cdc"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PositionsProcessed counts fixes by outcome
	PositionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "positions_processed_total", Help: "Raw fixes processed by result."},
		[]string{"result"},
	)
	// FanoutFailures counts failed fan-out legs by sink
	FanoutFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_fanout_failures_total", Help: "Failed enriched-position writes by sink."},
		[]string{"sink"},
	)

	// CDCEvents counts applied change events per topic
	CDCEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cdc_events_total", Help: "Change events applied per topic."},
		[]string{"topic"},
	)
	// CDCErrors counts failed change events per topic
	CDCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cdc_errors_total", Help: "Change events that failed to apply per topic."},
		[]string{"topic"},
	)
	// CDCLag is the last end-to-end lag per topic in milliseconds
	CDCLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "cdc_end_to_end_lag_ms", Help: "Last end-to-end CDC lag in ms."},
		[]string{"topic"},
	)
	// SnapshotPushFailures counts lag snapshots that could not be broadcast
	SnapshotPushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cdc_snapshot_push_failures_total", Help: "Failed CDC lag snapshot pushes."},
	)

	// GatewayFramesDropped counts frames dropped for slow sockets
	GatewayFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_frames_dropped_total", Help: "Frames dropped because a socket buffer was full."},
	)
	// GatewayRateLimited counts inbound frames rejected by the per-socket limiter
	GatewayRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_rate_limited_total", Help: "Inbound frames rejected by rate limiting."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PositionsProcessed)
		Registry.MustRegister(FanoutFailures)
		Registry.MustRegister(CDCEvents)
		Registry.MustRegister(CDCErrors)
		Registry.MustRegister(CDCLag)
		Registry.MustRegister(SnapshotPushFailures)
		Registry.MustRegister(GatewayFramesDropped)
		Registry.MustRegister(GatewayRateLimited)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// RegisterGatewayStats exposes live connection and room counts.
func RegisterGatewayStats(stats func() (connections, rooms int)) {
	gatewayOnce.Do(func() {
		Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "gateway_connections", Help: "Open gateway sockets on this instance."},
			func() float64 { c, _ := stats(); return float64(c) },
		))
		Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "gateway_rooms", Help: "Non-empty rooms on this instance."},
			func() float64 { _, r := stats(); return float64(r) },
		))
	})
}

var gatewayOnce sync.Once

// Pipeline adapts the collectors to the observer hooks of the pipeline
// components.
type Pipeline struct{}

func (Pipeline) ObserveEvent(topic string, lag cdc.Lag) {
	CDCEvents.WithLabelValues(topic).Inc()
	if lag.EndToEndMs != nil {
		CDCLag.WithLabelValues(topic).Set(float64(*lag.EndToEndMs))
	}
}

func (Pipeline) ObserveError(topic string) { CDCErrors.WithLabelValues(topic).Inc() }

func (Pipeline) PositionProcessed(result string) { PositionsProcessed.WithLabelValues(result).Inc() }

func (Pipeline) FanoutFailed(sink string) { FanoutFailures.WithLabelValues(sink).Inc() }

func (Pipeline) FrameDropped() { GatewayFramesDropped.Inc() }

func (Pipeline) RateLimited() { GatewayRateLimited.Inc() }

func (Pipeline) SnapshotPushFailed() { SnapshotPushFailures.Inc() }
