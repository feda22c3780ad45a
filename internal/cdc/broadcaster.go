package cdc

import (
	"context"

	"go.uber.org/zap"
)

// LagSink delivers a snapshot to the admin room.
type LagSink interface {
	BroadcastCDCLag(ctx context.Context, s Snapshot) error
}

// Broadcaster pushes snapshots on a schedule. A failed push is logged and the
// next tick proceeds normally.
type Broadcaster struct {
	monitor *Monitor
	sink    LagSink
	log     *zap.Logger
	onFail  func()
}

func NewBroadcaster(m *Monitor, sink LagSink, log *zap.Logger) *Broadcaster {
	return &Broadcaster{monitor: m, sink: sink, log: log}
}

// OnFailure registers a callback for failed pushes.
func (b *Broadcaster) OnFailure(fn func()) { b.onFail = fn }

// Push builds one snapshot and sends it.
func (b *Broadcaster) Push(ctx context.Context) {
	snap := b.monitor.Snapshot(ctx)
	if err := b.sink.BroadcastCDCLag(ctx, snap); err != nil {
		b.log.Warn("cdc lag push failed", zap.Error(err))
		if b.onFail != nil {
			b.onFail()
		}
		return
	}
	b.log.Debug("cdc lag pushed", zap.Int64("max_lag_ms", snap.Totals.MaxLagMs))
}
