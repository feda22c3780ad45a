// Package supervisor arranges long-running services into a suture tree.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds restart policy for every layer.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has three layers so a crashing stream consumer never takes the HTTP
// server down with it:
//   - streams: Kafka consumer loops
//   - realtime: gateway backbone and scheduler
//   - api: HTTP server
type Tree struct {
	root     *suture.Supervisor
	streams  *suture.Supervisor
	realtime *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(log *zap.Logger, cfg TreeConfig) *Tree {
	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = func(e suture.Event) {
		log.Warn("supervisor event", zap.String("event", e.String()), zap.Any("details", e.Map()))
	}
	t := &Tree{
		root:     suture.New("fleettrack", rootSpec),
		streams:  suture.New("streams", spec),
		realtime: suture.New("realtime", spec),
		api:      suture.New("api", spec),
	}
	t.root.Add(t.streams)
	t.root.Add(t.realtime)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddStream(svc suture.Service) suture.ServiceToken   { return t.streams.Add(svc) }
func (t *Tree) AddRealtime(svc suture.Service) suture.ServiceToken { return t.realtime.Add(svc) }
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken      { return t.api.Add(svc) }

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
