package message_broaker

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPubSub publishes to a Redis channel named after the queue.
// Subscribers only see messages published while they are connected.
type RedisPubSub struct {
	client *redis.Client
	prefix string
}

func NewRedisPubSub(client *redis.Client, prefix string) *RedisPubSub {
	return &RedisPubSub{client: client, prefix: prefix}
}

func (r *RedisPubSub) channel(queue string) string {
	if r.prefix == "" {
		return queue
	}
	return r.prefix + ":" + queue
}

func (r *RedisPubSub) Publish(queue string, message []byte) error {
	if err := r.client.Publish(context.Background(), r.channel(queue), message).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", r.channel(queue))
	}
	return nil
}

func (r *RedisPubSub) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, r.channel(queue))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", r.channel(queue))
	}
	return forward(ctx, sub.Channel(), func(m *redis.Message) []byte { return []byte(m.Payload) }, func() { _ = sub.Close() }), nil
}

// Close is a no-op; the Redis client is owned by the container.
func (r *RedisPubSub) Close() error {
	return nil
}
