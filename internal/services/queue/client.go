package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client for queue operations
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects to redisURL and checks the connection.
func NewClient(ctx context.Context, redisURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Connected to Redis for input queue", "addr", opt.Addr)
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewClientFrom wraps an existing connection.
func NewClientFrom(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: rdb, logger: logger}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis returns the underlying Redis client for direct operations
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
