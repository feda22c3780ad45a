package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackbone relays broadcasts over one Redis pub/sub channel.
type RedisBackbone struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBackbone(rdb *redis.Client, channel string, log *zap.Logger) *RedisBackbone {
	return &RedisBackbone{rdb: rdb, channel: channel, log: log}
}

func (r *RedisBackbone) Publish(ctx context.Context, b Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Subscribe returns an error when the subscription drops so the supervisor
// can restart it.
func (r *RedisBackbone) Subscribe(ctx context.Context, fn func(Broadcast)) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("backbone subscription closed")
			}
			var b Broadcast
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				r.log.Warn("bad broadcast", zap.Error(err))
				continue
			}
			fn(b)
		}
	}
}
