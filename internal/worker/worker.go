// Package worker delivers queued player input to a running scene.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/talemate/internal/services/queue"
	queuePkg "github.com/jwebster45206/talemate/pkg/queue"
	"github.com/jwebster45206/talemate/pkg/signals"
)

const (
	workerTimeout = 5 * time.Second
	lockTTL       = 30 * time.Second
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Worker pulls input for one scene from the queue and hands it to the
// scene's bus, answering pending input requests.
type Worker struct {
	id          string
	scene       string
	queue       *queue.InputQueue
	bus         *signals.Bus
	redisClient *redis.Client
	log         *slog.Logger
	timeout     time.Duration
}

// New creates a worker for scene. An empty workerID gets a random one.
func New(q *queue.InputQueue, redisClient *redis.Client, bus *signals.Bus, scene string, log *slog.Logger, workerID string) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	return &Worker{
		id:          workerID,
		scene:       scene,
		queue:       q,
		bus:         bus,
		redisClient: redisClient,
		log:         log.With("worker_id", workerID, "scene", scene),
		timeout:     workerTimeout,
	}
}

// WithTimeout sets how long one dequeue blocks before the worker checks for
// shutdown again.
func (w *Worker) WithTimeout(d time.Duration) *Worker {
	w.timeout = d
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// Run processes requests until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker starting")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker shutting down")
			return nil
		default:
		}
		if _, err := w.processNext(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info("Worker shutting down")
				return nil
			}
			w.log.Error("Error processing request", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNext handles at most one queued request and reports whether it was
// delivered.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	req, err := w.queue.BlockingDequeue(ctx, w.scene, w.timeout)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue request: %w", err)
	}
	if req == nil {
		return false, nil
	}
	w.log.Info("Received request from queue", "request_id", req.RequestID, "type", req.Type)

	locked, err := w.acquireLock(ctx)
	if err != nil {
		return false, errors.Join(fmt.Errorf("failed to acquire scene lock: %w", err), w.queue.Requeue(ctx, req))
	}
	if !locked {
		w.log.Info("Scene locked by another worker, re-queueing request", "request_id", req.RequestID)
		if err := w.queue.Requeue(ctx, req); err != nil {
			return false, fmt.Errorf("failed to re-queue request: %w", err)
		}
		return false, nil
	}
	defer w.releaseLock(ctx)

	w.deliver(ctx, req)
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, req *queuePkg.Request) {
	switch req.Type {
	case queuePkg.RequestTypeAbort:
		w.bus.Abort(ctx)
	default:
		w.bus.SendInput(ctx, req.Text, req.InputID)
	}
	w.log.Debug("Delivered request", "request_id", req.RequestID, "latency_ms", time.Since(req.EnqueuedAt).Milliseconds())
}

func lockKey(scene string) string {
	return fmt.Sprintf("scene-lock:%s", scene)
}

// acquireLock returns false when another worker holds the scene.
func (w *Worker) acquireLock(ctx context.Context) (bool, error) {
	return w.redisClient.SetNX(ctx, lockKey(w.scene), w.id, lockTTL).Result()
}

// releaseLock deletes the lock only if this worker still owns it.
func (w *Worker) releaseLock(ctx context.Context) {
	if err := releaseScript.Run(context.WithoutCancel(ctx), w.redisClient, []string{lockKey(w.scene)}, w.id).Err(); err != nil {
		w.log.Error("Failed to release scene lock", "error", err)
	}
}
