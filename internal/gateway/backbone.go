package gateway

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

// Broadcast is one room-scoped event on the backbone. Every instance delivers
// it to its own local members of each listed room.
type Broadcast struct {
	Rooms []string        `json:"rooms"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Backbone relays broadcasts between gateway instances. Local delivery
// happens only through Subscribe, so an instance never skips the backbone for
// its own sockets.
type Backbone interface {
	Publish(ctx context.Context, b Broadcast) error
	// Subscribe calls fn for every broadcast until ctx ends.
	Subscribe(ctx context.Context, fn func(Broadcast)) error
}

// MemoryBackbone serves a single process.
type MemoryBackbone struct {
	mu     sync.Mutex
	subs   map[chan Broadcast]struct{}
	onDrop func()
}

func NewMemoryBackbone() *MemoryBackbone {
	return &MemoryBackbone{subs: map[chan Broadcast]struct{}{}}
}

// OnDrop registers a callback for broadcasts a full subscriber missed.
func (m *MemoryBackbone) OnDrop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Publish never blocks; a subscriber with a full buffer misses the broadcast.
func (m *MemoryBackbone) Publish(_ context.Context, b Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- b:
		default:
			if m.onDrop != nil {
				m.onDrop()
			}
		}
	}
	return nil
}

func (m *MemoryBackbone) Subscribe(ctx context.Context, fn func(Broadcast)) error {
	ch := make(chan Broadcast, 256)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-ch:
			fn(b)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (m *MemoryBackbone) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
