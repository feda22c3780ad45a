package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	fetchErr  error
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.fetchErr != nil {
		return kafka.Message{}, f.fetchErr
	}
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestConsumerSurvivesHandlerFailures(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "gps.positions", Partition: 0, Offset: 1, Value: []byte("ok")},
		kafka.Message{Topic: "gps.positions", Partition: 0, Offset: 2, Value: []byte("fail")},
		kafka.Message{Topic: "gps.positions", Partition: 0, Offset: 3, Value: []byte("panic")},
		kafka.Message{Topic: "gps.positions", Partition: 0, Offset: 4, Value: []byte("ok")},
	)
	core, logs := observer.New(zap.InfoLevel)

	var (
		mu      sync.Mutex
		handled []int64
		results []error
	)
	h := HandlerFunc(func(_ context.Context, msg Message) error {
		mu.Lock()
		handled = append(handled, msg.Offset)
		mu.Unlock()
		switch string(msg.Value) {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("bad payload")
		}
		return nil
	})
	c := NewConsumer("positions", func() Reader { return reader }, h, zap.New(core))
	c.OnResult(func(_ string, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []int64{1, 2, 3, 4}, handled)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())
	require.Len(t, results, 4)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	assert.ErrorIs(t, results[2], errPanic)
	assert.True(t, reader.closed)

	dropped := logs.FilterMessage("message dropped").All()
	require.Len(t, dropped, 2)
	fields := dropped[0].ContextMap()
	assert.Equal(t, "gps.positions", fields["topic"])
	assert.EqualValues(t, 0, fields["partition"])
	assert.EqualValues(t, 2, fields["offset"])
}

func TestConsumerReturnsFetchError(t *testing.T) {
	reader := newFakeReader()
	reader.fetchErr = errors.New("broker down")
	c := NewConsumer("cdc.customers", func() Reader { return reader }, HandlerFunc(func(context.Context, Message) error { return nil }), zap.NewNop())
	err := c.Serve(context.Background())
	assert.ErrorContains(t, err, "broker down")
	assert.True(t, reader.closed)
	assert.Equal(t, "cdc.customers", c.String())
}

func TestComputePartitionLag(t *testing.T) {
	assert.Equal(t, PartitionLag{Topic: "t", Partition: 1, Latest: 10, Committed: 4, Lag: 6}, ComputePartitionLag("t", 1, 10, 4))
	assert.Equal(t, int64(10), ComputePartitionLag("t", 0, 10, -1).Lag)
	assert.Equal(t, int64(0), ComputePartitionLag("t", 0, 3, 9).Lag)
}

func TestDecodeJSON(t *testing.T) {
	type fix struct {
		DeviceID string `json:"deviceId"`
	}
	v, err := DecodeJSON[fix](Message{Value: []byte(`{"deviceId":"DEV001"}`)})
	require.NoError(t, err)
	assert.Equal(t, "DEV001", v.DeviceID)

	_, err = DecodeJSON[fix](Message{Value: []byte(`{`)})
	assert.Error(t, err)
}

type recordingPublisher struct {
	topic, key string
	value      []byte
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, key, value []byte) error {
	r.topic, r.key, r.value = topic, string(key), value
	return nil
}

func TestPublishJSON(t *testing.T) {
	p := &recordingPublisher{}
	require.NoError(t, PublishJSON(context.Background(), p, "visits.events", "v1", map[string]string{"visitId": "v1"}))
	assert.Equal(t, "visits.events", p.topic)
	assert.Equal(t, "v1", p.key)
	assert.JSONEq(t, `{"visitId":"v1"}`, string(p.value))
}
