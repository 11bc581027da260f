// Package redisclient keeps the user → in-progress memory pointer in Redis.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client implements memory.Pointers on top of a Redis connection.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// Connect parses a redis:// URL, pings the server and returns a client.
// Pointer keys expire after ttl; zero disables expiry.
func Connect(ctx context.Context, url string, ttl time.Duration, log zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log = log.With().Str("component", "redis").Logger()
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Dur("pointer_ttl", ttl).Msg("redis connected")
	return &Client{rdb: rdb, ttl: ttl, log: log}, nil
}

func pointerKey(uid string) string {
	return "users:" + uid + ":in_progress_memory_id"
}

// GetInProgress returns the pointed-to memory id, or "" when unset.
func (c *Client) GetInProgress(ctx context.Context, uid string) (string, error) {
	id, err := c.rdb.Get(ctx, pointerKey(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (c *Client) SetInProgress(ctx context.Context, uid, memoryID string) error {
	return c.rdb.Set(ctx, pointerKey(uid), memoryID, c.ttl).Err()
}

// HealthCheck pings the server with a short deadline.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	c.log.Info().Msg("closing redis client")
	return c.rdb.Close()
}
