// Package stream wraps the Kafka readers, writer and admin calls used by the
// pipeline.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is a broker record as seen by handlers.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	// Time is the broker timestamp.
	Time time.Time
}

// Handler processes one message. Returned errors are logged and the message
// is committed anyway.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Reader is the subset of *kafka.Reader the consumer loop needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartOffset selects where a new consumer group begins.
type StartOffset int64

const (
	Earliest StartOffset = StartOffset(kafka.FirstOffset)
	Latest   StartOffset = StartOffset(kafka.LastOffset)
)

// NewKafkaReader returns a group reader for one topic.
func NewKafkaReader(brokers []string, groupID, topic string, start StartOffset) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		StartOffset:    int64(start),
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
}

// Consumer runs one topic's loop. It implements suture.Service.
type Consumer struct {
	name      string
	newReader func() Reader
	handler   Handler
	log       *zap.Logger
	onResult  func(topic string, err error)
}

func NewConsumer(name string, newReader func() Reader, h Handler, log *zap.Logger) *Consumer {
	return &Consumer{name: name, newReader: newReader, handler: h, log: log.With(zap.String("consumer", name))}
}

// OnResult registers a callback invoked after every handled message.
func (c *Consumer) OnResult(fn func(topic string, err error)) { c.onResult = fn }

func (c *Consumer) String() string { return c.name }

// Serve fetches, handles and commits until ctx is done. Handler failures and
// panics never stop the loop; fetch failures return so the supervisor can
// restart with backoff.
func (c *Consumer) Serve(ctx context.Context) error {
	r := c.newReader()
	defer func() {
		if err := r.Close(); err != nil {
			c.log.Warn("close reader", zap.Error(err))
		}
	}()
	c.log.Info("consumer started")
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s: %w", c.name, err)
		}
		msg := Message{
			Topic:     km.Topic,
			Partition: km.Partition,
			Offset:    km.Offset,
			Key:       km.Key,
			Value:     km.Value,
			Time:      km.Time,
		}
		herr := c.handle(ctx, msg)
		if herr != nil {
			c.log.Error("message dropped",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(herr))
		}
		if c.onResult != nil {
			c.onResult(msg.Topic, herr)
		}
		if err := r.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("commit failed",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

var errPanic = errors.New("handler panic")

func (c *Consumer) handle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
			c.log.Debug("handler panic stack", zap.ByteString("stack", debug.Stack()))
		}
	}()
	return c.handler.Handle(ctx, msg)
}
