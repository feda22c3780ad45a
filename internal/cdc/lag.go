package cdc

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// LagSample is one end-to-end lag observation.
type LagSample struct {
	TS    int64 `json:"ts"`
	LagMs int64 `json:"lagMs"`
}

// TableMetrics is the per-topic lag and counter view. Timestamps are
// milliseconds since the epoch; nil means never observed.
type TableMetrics struct {
	Table               string      `json:"table"`
	Topic               string      `json:"topic"`
	LastSourceTimestamp *int64      `json:"lastSourceTimestamp"`
	LastBrokerTimestamp *int64      `json:"lastKafkaTimestamp"`
	LastProcessedAt     *int64      `json:"lastProcessedAt"`
	LastEndToEndLagMs   *int64      `json:"lastEndToEndLagMs"`
	LastCaptureLagMs    *int64      `json:"lastCaptureLagMs"`
	LastConsumerLagMs   *int64      `json:"lastConsumerLagMs"`
	EventsProcessed     int64       `json:"eventsProcessed"`
	ErrorsCount         int64       `json:"errorsCount"`
	LastError           *string     `json:"lastError"`
	LastErrorAt         *int64      `json:"lastErrorAt"`
	LastOp              *string     `json:"lastOp"`
	LagHistory          []LagSample `json:"lagHistory"`
}

// Lag holds the three derived figures; each is nil when an input is missing.
type Lag struct {
	CaptureMs  *int64
	ConsumerMs *int64
	EndToEndMs *int64
}

// ComputeLag derives capture (broker - source), consumer (process - broker)
// and end-to-end (process - source) lag.
func ComputeLag(sourceMs, brokerMs *int64, processMs int64) Lag {
	var l Lag
	if sourceMs != nil && brokerMs != nil {
		v := *brokerMs - *sourceMs
		l.CaptureMs = &v
	}
	if brokerMs != nil {
		v := processMs - *brokerMs
		l.ConsumerMs = &v
	}
	if sourceMs != nil {
		v := processMs - *sourceMs
		l.EndToEndMs = &v
	}
	return l
}

// ring is a fixed-capacity buffer that drops the oldest sample when full.
type ring struct {
	buf   []LagSample
	start int
	n     int
}

func newRing(capacity int) *ring { return &ring{buf: make([]LagSample, capacity)} }

func (r *ring) push(s LagSample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) slice() []LagSample {
	out := make([]LagSample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type tableState struct {
	m       TableMetrics
	history *ring
}

// Observer receives every recorded event and error, e.g. for Prometheus.
type Observer interface {
	ObserveEvent(topic string, lag Lag)
	ObserveError(topic string)
}

// Tracker is shared by the consumer loop, the snapshot broadcaster and
// health checks.
type Tracker struct {
	mu       sync.RWMutex
	tables   map[string]*tableState
	capacity int
	now      func() time.Time
	started  time.Time
	obs      Observer
}

// NewTracker pre-initialises the given topic -> table pairs.
func NewTracker(capacity int, tables map[string]string, obs Observer) *Tracker {
	t := &Tracker{
		tables:   map[string]*tableState{},
		capacity: capacity,
		now:      time.Now,
		obs:      obs,
	}
	t.started = t.now()
	for topic, table := range tables {
		t.tables[topic] = t.newState(topic, table)
	}
	return t
}

// SetClock replaces the clock and resets the start time.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.started = now()
}

func (t *Tracker) newState(topic, table string) *tableState {
	return &tableState{m: TableMetrics{Table: table, Topic: topic}, history: newRing(t.capacity)}
}

func (t *Tracker) stateLocked(topic string) *tableState {
	st, ok := t.tables[topic]
	if !ok {
		st = t.newState(topic, strings.TrimPrefix(topic, "cdc.")+"_cache")
		t.tables[topic] = st
	}
	return st
}

// RecordEvent registers a successful apply.
func (t *Tracker) RecordEvent(topic string, sourceMs, brokerMs *int64, op string) {
	t.mu.Lock()
	now := t.now().UnixMilli()
	st := t.stateLocked(topic)
	lag := ComputeLag(sourceMs, brokerMs, now)
	st.m.LastSourceTimestamp = sourceMs
	st.m.LastBrokerTimestamp = brokerMs
	st.m.LastProcessedAt = &now
	st.m.LastOp = &op
	st.m.EventsProcessed++
	if lag.EndToEndMs != nil {
		st.m.LastEndToEndLagMs = lag.EndToEndMs
		st.history.push(LagSample{TS: now, LagMs: *lag.EndToEndMs})
	}
	if lag.CaptureMs != nil {
		st.m.LastCaptureLagMs = lag.CaptureMs
	}
	if lag.ConsumerMs != nil {
		st.m.LastConsumerLagMs = lag.ConsumerMs
	}
	t.mu.Unlock()
	if t.obs != nil {
		t.obs.ObserveEvent(topic, lag)
	}
}

// RecordError registers a failed apply.
func (t *Tracker) RecordError(topic string, err error) {
	t.mu.Lock()
	now := t.now().UnixMilli()
	st := t.stateLocked(topic)
	msg := err.Error()
	st.m.ErrorsCount++
	st.m.LastError = &msg
	st.m.LastErrorAt = &now
	t.mu.Unlock()
	if t.obs != nil {
		t.obs.ObserveError(topic)
	}
}

// Tables returns copies sorted by topic.
func (t *Tracker) Tables() []TableMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TableMetrics, 0, len(t.tables))
	for _, st := range t.tables {
		m := st.m
		m.LagHistory = st.history.slice()
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Topics lists every tracked topic.
func (t *Tracker) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tables))
	for topic := range t.tables {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// MaxLagMs is the largest last end-to-end lag, or 0.
func (t *Tracker) MaxLagMs() int64 {
	return maxLag(t.Tables())
}

func (t *Tracker) Uptime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.now().Sub(t.started)
}

func maxLag(tables []TableMetrics) int64 {
	var worst int64
	for _, m := range tables {
		if m.LastEndToEndLagMs != nil && *m.LastEndToEndLagMs > worst {
			worst = *m.LastEndToEndLagMs
		}
	}
	return worst
}
