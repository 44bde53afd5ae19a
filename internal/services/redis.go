// Package services holds connections to external services shared by the
// relay, the input queue and the workers.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService owns the Redis connection.
type RedisService struct {
	client *redis.Client
	logger *slog.Logger

	retries    int
	retryDelay time.Duration
}

// NewRedisService creates a Redis service. redisURL is either a redis:// URL
// or a bare host:port address.
func NewRedisService(redisURL string, logger *slog.Logger) (*RedisService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opt = parsed
	}
	return &RedisService{
		client:     redis.NewClient(opt),
		logger:     logger,
		retries:    30,
		retryDelay: 2 * time.Second,
	}, nil
}

func (r *RedisService) Ping(ctx context.Context) error {
	cmd := r.client.Ping(ctx)
	if err := cmd.Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.logger.Debug("Redis ping successful", "result", cmd.Val())
	return nil
}

func (r *RedisService) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis connection", "error", err)
		return err
	}

	r.logger.Info("Redis connection closed")
	return nil
}

func (r *RedisService) Client() *redis.Client {
	return r.client
}

// WaitForConnection pings until Redis answers, the retries run out or ctx
// is done.
func (r *RedisService) WaitForConnection(ctx context.Context) error {
	for i := 0; i < r.retries; i++ {
		if err := r.Ping(ctx); err != nil {
			r.logger.Debug("Redis not ready yet", "error", err, "attempt", i+1)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while waiting for redis: %w", ctx.Err())
			case <-time.After(r.retryDelay):
				continue
			}
		}

		r.logger.Info("Redis connection established")
		return nil
	}

	return fmt.Errorf("redis did not become available after %d attempts", r.retries)
}
