package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps the go-redis client with the operations the service needs.
type Client struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client from a redis:// URL or host:port address.
func NewRedisClient(addr string) *Client {
	opts := &redis.Options{Addr: addr}
	if parsed, err := redis.ParseURL(addr); err == nil {
		opts = parsed
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10

	return &Client{client: redis.NewClient(opts)}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetNX stores a value only when the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
