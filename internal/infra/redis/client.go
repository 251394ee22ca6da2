package redis

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/blast-dispatch/internal/config"
)

// Client wraps a go-redis client and the key namespace of this deployment.
type Client struct {
	inner  *redis.Client
	prefix string
}

// NewClient creates a new redis client from config.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "blast"
	}

	return &Client{inner: client, prefix: prefix}, nil
}

// Prefix returns the namespace prepended to every key.
func (c *Client) Prefix() string {
	return c.prefix
}

// Key joins parts under the client namespace.
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Check pings the server.
func (c *Client) Check(ctx context.Context) error {
	if err := c.inner.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner exposes the raw redis client.
func (c *Client) Inner() *redis.Client {
	return c.inner
}
