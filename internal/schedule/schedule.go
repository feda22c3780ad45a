// Package schedule runs periodic jobs on a cron scheduler supervised like any
// other service.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler owns a cron instance. Jobs never overlap with themselves and a
// panicking job is recovered.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

func New(log *zap.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  log,
	}
}

// Every runs fn at a fixed interval. fn receives a context bounded by the
// interval so a slow run cannot pile up.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) cron.EntryID {
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		fn(ctx)
	}))
	s.log.Info("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return id
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) String() string { return "scheduler" }

// Serve starts the cron loop and stops it, waiting for running jobs, when ctx
// is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
