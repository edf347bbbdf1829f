package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Transport abstracts the concrete push pipe so the reconnecting client
// never deals with transport details.
type Transport interface {
	Open(ctx context.Context, channel, credential string) (Conn, error)
}

// Conn is a single open connection to a named channel
type Conn interface {
	// Receive blocks until the next raw payload or a connection error
	Receive(ctx context.Context) ([]byte, error)
	// Send publishes a raw payload on the channel
	Send(ctx context.Context, payload []byte) error
	// Ping keeps the connection alive through idle intermediaries
	Ping(ctx context.Context) error
	Close() error
}

// RedisTransport delivers channel messages over Redis pub/sub. Delivery is
// at-most-once: anything published while a subscriber is away is lost,
// which is exactly the contract Handle callers must assume.
type RedisTransport struct {
	client *redis.Client
	prefix string
}

// NewRedisTransport creates a Redis pub/sub transport
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{client: client, prefix: prefix}
}

func (t *RedisTransport) Open(ctx context.Context, channel, credential string) (Conn, error) {
	name := t.prefix + ":" + channel
	sub := t.client.Subscribe(ctx, name)

	// Force the subscription onto the wire so Open fails fast when the
	// server is unreachable instead of on the first Receive.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	return &redisConn{client: t.client, sub: sub, channel: name}, nil
}

type redisConn struct {
	client  *redis.Client
	sub     *redis.PubSub
	channel string
}

func (c *redisConn) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Send(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, c.channel, payload).Err()
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.sub.Ping(ctx)
}

func (c *redisConn) Close() error {
	return c.sub.Close()
}
