// Package events relays scene bus emissions to Redis Pub/Sub so that
// out-of-process frontends can follow a running scene.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/talemate/pkg/signals"
)

// Event is the wire form of a signals.Event.
type Event struct {
	Type      signals.Signal  `json:"type"`
	Scene     string          `json:"scene"`
	Message   string          `json:"message,omitempty"`
	Character string          `json:"character,omitempty"`
	Status    string          `json:"status,omitempty"`
	ID        uint64          `json:"id,omitempty"`
	Details   string          `json:"details,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
}

// Broadcaster publishes scene events to Redis Pub/Sub
type Broadcaster struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster(redisClient *redis.Client, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Channel returns the Pub/Sub channel of a scene.
func Channel(scene string) string {
	return fmt.Sprintf("scene-events:%s", scene)
}

func toWire(scene string, ev signals.Event) (Event, error) {
	out := Event{
		Type:      ev.Typ,
		Scene:     scene,
		Message:   ev.Message,
		Character: ev.Character,
		Status:    ev.Status,
		ID:        ev.ID,
		Details:   ev.Details,
		Data:      ev.Data,
	}
	if ev.Scene != "" {
		out.Scene = ev.Scene
	}
	if ev.MessageObject != nil {
		obj, err := json.Marshal(ev.MessageObject)
		if err != nil {
			return out, fmt.Errorf("failed to marshal message object: %w", err)
		}
		out.Object = obj
	}
	return out, nil
}

// Publish sends ev to the scene's channel.
func (b *Broadcaster) Publish(ctx context.Context, scene string, ev signals.Event) error {
	wire, err := toWire(scene, ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.redisClient.Publish(ctx, Channel(scene), data).Err(); err != nil {
		b.logger.Error("Failed to publish event", "error", err, "scene", scene, "signal", ev.Typ)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.logger.Debug("Published event", "scene", scene, "signal", ev.Typ)
	return nil
}

// Receiver returns a bus receiver forwarding every event of scene. Connect it
// with Bus.ConnectAll.
func (b *Broadcaster) Receiver(scene string) signals.Receiver {
	return func(ctx context.Context, ev signals.Event) error {
		return b.Publish(ctx, scene, ev)
	}
}

// Subscription streams decoded events of one scene.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
}

// Events returns the decoded event stream. It closes with the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe listens on the scene's channel until ctx is done or the
// subscription is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, scene string) (*Subscription, error) {
	pubsub := b.redisClient.Subscribe(ctx, Channel(scene))
	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Channel(scene), err)
	}

	sub := &Subscription{pubsub: pubsub, events: make(chan Event)}
	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Dropping malformed event", "error", err, "channel", msg.Channel)
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					pubsub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}
