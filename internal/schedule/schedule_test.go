package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEveryRunsUntilStopped(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Every("tick", time.Second, func(ctx context.Context) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		runs.Add(1)
	})
	assert.Equal(t, 1, s.Entries())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Every("flaky", time.Second, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}
