package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/queue"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	client, err := NewClient(context.Background(), "redis://"+mr.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url", nil)
	assert.Error(t, err)
}

func TestInputQueue_EnqueueAndDequeue(t *testing.T) {
	client, _ := setupTestRedis(t)
	q := NewInputQueue(client, nil)
	ctx := context.Background()

	inputs := []string{"Open the door.", "Look around.", "Wait."}
	for _, text := range inputs {
		require.NoError(t, q.Enqueue(ctx, queue.NewInput("harbor", text)))
	}
	require.NoError(t, q.Enqueue(ctx, queue.NewInput("lighthouse", "Climb.")))

	depth, err := q.Depth(ctx, "harbor")
	require.NoError(t, err)
	assert.Equal(t, len(inputs), depth)

	for _, want := range inputs {
		req, err := q.BlockingDequeue(ctx, "harbor", time.Second)
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Equal(t, want, req.Text)
		assert.Equal(t, queue.RequestTypeInput, req.Type)
	}

	depth, err = q.Depth(ctx, "lighthouse")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestInputQueue_DequeueTimeout(t *testing.T) {
	client, _ := setupTestRedis(t)
	q := NewInputQueue(client, nil)

	req, err := q.BlockingDequeue(context.Background(), "empty", time.Second)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestInputQueue_RequeueGoesFirst(t *testing.T) {
	client, _ := setupTestRedis(t)
	q := NewInputQueue(client, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.NewInput("harbor", "second")))
	first := queue.NewInput("harbor", "first")
	require.NoError(t, q.Requeue(ctx, first))

	reqs, err := q.Peek(ctx, "harbor", 0)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, first.RequestID, reqs[0].RequestID)

	reqs, err = q.Peek(ctx, "harbor", 1)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestInputQueue_Validation(t *testing.T) {
	client, _ := setupTestRedis(t)
	q := NewInputQueue(client, nil)

	tests := []struct {
		name string
		req  *queue.Request
	}{
		{"no scene", queue.NewInput("", "hi")},
		{"unknown type", &queue.Request{RequestID: "x", Scene: "harbor", Type: "shout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, q.Enqueue(context.Background(), tt.req))
		})
	}
}

func TestInputQueue_ClearAndMalformed(t *testing.T) {
	client, mr := setupTestRedis(t)
	q := NewInputQueue(client, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.NewAbort("harbor")))
	_, err := mr.Push(queueKey("harbor"), "{not json")
	require.NoError(t, err)

	reqs, err := q.Peek(ctx, "harbor", 0)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, queue.RequestTypeAbort, reqs[0].Type)

	require.NoError(t, q.Clear(ctx, "harbor"))
	depth, err := q.Depth(ctx, "harbor")
	require.NoError(t, err)
	assert.Zero(t, depth)
}
