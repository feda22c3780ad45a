package cdc

import (
	"context"
	"math"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"fleettrack/internal/stream"
)

// OffsetLagFetcher reports broker-side consumer group lag.
type OffsetLagFetcher interface {
	OffsetLag(ctx context.Context, topics []string) ([]stream.PartitionLag, error)
}

type Totals struct {
	TotalEventsProcessed int64 `json:"totalEventsProcessed"`
	TotalErrors          int64 `json:"totalErrors"`
	MaxLagMs             int64 `json:"maxLagMs"`
	AvgLagMs             int64 `json:"avgLagMs"`
}

// Snapshot is the admin view pushed to the gateway and served over HTTP.
type Snapshot struct {
	Timestamp      time.Time             `json:"timestamp"`
	UptimeSeconds  int64                 `json:"uptimeSeconds"`
	Tables         []TableMetrics        `json:"tables"`
	KafkaOffsetLag []stream.PartitionLag `json:"kafkaOffsetLag"`
	Totals         Totals                `json:"totals"`
}

// Monitor assembles snapshots. The offset-lag lookup is optional: it is
// bounded by timeout, guarded by a circuit breaker and contributes an empty
// list when unavailable.
type Monitor struct {
	tracker *Tracker
	offsets OffsetLagFetcher
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[[]stream.PartitionLag]
	log     *zap.Logger
}

func NewMonitor(tracker *Tracker, offsets OffsetLagFetcher, timeout time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		tracker: tracker,
		offsets: offsets,
		timeout: timeout,
		cb: gobreaker.NewCircuitBreaker[[]stream.PartitionLag](gobreaker.Settings{
			Name:    "kafka-offset-lag",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		log: log,
	}
}

func (m *Monitor) Tracker() *Tracker { return m.tracker }

// Snapshot never fails.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	tables := m.tracker.Tables()
	return Snapshot{
		Timestamp:      time.Now().UTC(),
		UptimeSeconds:  int64(m.tracker.Uptime() / time.Second),
		Tables:         tables,
		KafkaOffsetLag: m.offsetLag(ctx),
		Totals:         ComputeTotals(tables),
	}
}

func (m *Monitor) offsetLag(ctx context.Context) []stream.PartitionLag {
	if m.offsets == nil {
		return []stream.PartitionLag{}
	}
	lags, err := m.cb.Execute(func() ([]stream.PartitionLag, error) {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.offsets.OffsetLag(ctx, m.tracker.Topics())
	})
	if err != nil {
		m.log.Debug("offset lag unavailable", zap.Error(err))
		return []stream.PartitionLag{}
	}
	return lags
}

// ComputeTotals sums counters, takes the max lag and rounds the average over
// tables with a known lag.
func ComputeTotals(tables []TableMetrics) Totals {
	var t Totals
	var sum float64
	var known int
	for _, m := range tables {
		t.TotalEventsProcessed += m.EventsProcessed
		t.TotalErrors += m.ErrorsCount
		if m.LastEndToEndLagMs != nil {
			sum += float64(*m.LastEndToEndLagMs)
			known++
		}
	}
	t.MaxLagMs = maxLag(tables)
	if known > 0 {
		t.AvgLagMs = int64(math.Round(sum / float64(known)))
	}
	return t
}

// Health levels derived from the worst end-to-end lag.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

func HealthForLag(maxLagMs int64) string {
	switch {
	case maxLagMs < 1000:
		return HealthHealthy
	case maxLagMs < 5000:
		return HealthWarning
	case maxLagMs < 30000:
		return HealthDegraded
	default:
		return HealthCritical
	}
}
