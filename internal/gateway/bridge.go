package gateway

import (
	"context"
	"fmt"

	"fleettrack/internal/kv"
	"fleettrack/internal/model"
	"fleettrack/internal/stream"
)

// PositionHandler relays the enriched position stream to rooms. Each
// instance consumes a share of the partitions and the backbone carries the
// result to every instance.
func (h *Hub) PositionHandler() stream.Handler {
	return stream.HandlerFunc(func(ctx context.Context, msg stream.Message) error {
		p, err := stream.DecodeJSON[model.EnrichedPosition](msg)
		if err != nil {
			return fmt.Errorf("decode position: %w", err)
		}
		return h.BroadcastPosition(ctx, p)
	})
}

// VisitHandler relays visit transitions to rooms.
func (h *Hub) VisitHandler() stream.Handler {
	return stream.HandlerFunc(func(ctx context.Context, msg stream.Message) error {
		ev, err := stream.DecodeJSON[model.VisitEvent](msg)
		if err != nil {
			return fmt.Errorf("decode visit event: %w", err)
		}
		return h.BroadcastVisit(ctx, ev)
	})
}

// KVActiveDrivers reads latest positions from the fast cache. A driver is
// active while its position entry has not expired.
type KVActiveDrivers struct {
	KV kv.Store
}

func (a KVActiveDrivers) ActiveDrivers(ctx context.Context, tenantID string) ([]model.EnrichedPosition, error) {
	keys, err := a.KV.ScanKeys(ctx, kv.PositionPattern())
	if err != nil {
		return nil, err
	}
	out := []model.EnrichedPosition{}
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := a.KV.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if v == nil {
			continue
		}
		p, err := stream.DecodeJSON[model.EnrichedPosition](stream.Message{Value: v})
		if err != nil || p.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
