// Package redis holds the shared-state primitives that let multiple replicas
// cooperate on one signal flow: the dedup admitter (SET NX), per-symbol
// locks (SETNX + conditional Lua unlock), the durable event stream behind
// the broadcaster (XADD/XREAD), and the alert rate limiter (fixed window
// counters).
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps one go-redis connection pool shared by the admitter, lock
// manager, signal bus, and rate limiter.
type Client struct {
	rdb *redis.Client
}

// New creates a Client and verifies connectivity with a ping before
// returning it.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Ping checks connectivity. The health supervisor probes through it.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for the sibling types in this
// package that need direct driver access.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
