package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/talemate/pkg/queue"
)

// InputQueue holds player input for scenes, one Redis list per scene.
type InputQueue struct {
	client *Client
	logger *slog.Logger
}

func NewInputQueue(client *Client, logger *slog.Logger) *InputQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &InputQueue{client: client, logger: logger}
}

func queueKey(scene string) string {
	return fmt.Sprintf("scene-input:%s", scene)
}

// Enqueue appends req to its scene's queue.
func (q *InputQueue) Enqueue(ctx context.Context, req *queue.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := q.client.rdb.RPush(ctx, queueKey(req.Scene), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	q.logger.Debug("Enqueued input", "scene", req.Scene, "request_id", req.RequestID, "type", req.Type)
	return nil
}

// Requeue puts req back at the head of its scene's queue.
func (q *InputQueue) Requeue(ctx context.Context, req *queue.Request) error {
	data, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := q.client.rdb.LPush(ctx, queueKey(req.Scene), data).Err(); err != nil {
		return fmt.Errorf("failed to requeue request: %w", err)
	}
	return nil
}

// BlockingDequeue waits up to timeout for the next request of scene.
// It returns nil, nil when the timeout passes with nothing queued.
func (q *InputQueue) BlockingDequeue(ctx context.Context, scene string, timeout time.Duration) (*queue.Request, error) {
	result, err := q.client.rdb.BLPop(ctx, timeout, queueKey(scene)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue request: %w", err)
	}

	// BLPop returns [key, value]
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPop result: %v", result)
	}
	req, err := queue.FromJSON([]byte(result[1]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return req, nil
}

// Peek returns up to limit queued requests without removing them. A limit
// of zero or less returns all of them.
func (q *InputQueue) Peek(ctx context.Context, scene string, limit int) ([]*queue.Request, error) {
	end := int64(limit - 1)
	if limit <= 0 {
		end = -1
	}
	raw, err := q.client.rdb.LRange(ctx, queueKey(scene), 0, end).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to peek input queue: %w", err)
	}
	reqs := make([]*queue.Request, 0, len(raw))
	for _, r := range raw {
		req, err := queue.FromJSON([]byte(r))
		if err != nil {
			q.logger.Warn("Skipping malformed queued request", "scene", scene, "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Depth returns the number of requests queued for scene.
func (q *InputQueue) Depth(ctx context.Context, scene string) (int, error) {
	n, err := q.client.rdb.LLen(ctx, queueKey(scene)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return int(n), nil
}

// Clear drops every request queued for scene.
func (q *InputQueue) Clear(ctx context.Context, scene string) error {
	if err := q.client.rdb.Del(ctx, queueKey(scene)).Err(); err != nil {
		return fmt.Errorf("failed to clear input queue: %w", err)
	}
	return nil
}
