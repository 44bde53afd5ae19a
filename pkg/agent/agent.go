// Package agent provides the shared agent machinery: action trees, the
// processing wrapper, the registry and the active-scene scope.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/signals"
)

// Names of the built-in agents.
const (
	Conversation = "conversation"
	Narrator     = "narrator"
	Director     = "director"
	WorldState   = "world_state"
	Summarizer   = "summarizer"
	Creator      = "creator"
	Memory       = "memory"
	TTS          = "tts"
	Visual       = "visual"
	Editor       = "editor"
)

// Agent is implemented by every agent.
type Agent interface {
	Name() string
	Actions() Actions
	Client() client.Client
	Status() Status
}

// Status is reported through agent_status events.
type Status struct {
	Name       string `json:"name"`
	Client     string `json:"client,omitempty"`
	Processing bool   `json:"processing"`
	Ready      bool   `json:"ready"`
}

// Base implements Agent and is embedded by the concrete agents.
type Base struct {
	name           string
	requiresClient bool
	bus            *signals.Bus
	logger         *slog.Logger

	mu         sync.RWMutex
	client     client.Client
	actions    Actions
	processing int
}

var _ Agent = (*Base)(nil)

// NewBase creates the shared part of an agent. Agents that need a model
// pass a client; Ready reports false until one is set.
func NewBase(name string, c client.Client, actions Actions, bus *signals.Bus, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	if actions == nil {
		actions = Actions{}
	}
	return &Base{
		name:           name,
		requiresClient: true,
		client:         c,
		actions:        actions,
		bus:            bus,
		logger:         logger.With("agent", name),
	}
}

// WithoutClient marks the agent as usable without a model.
func (b *Base) WithoutClient() *Base {
	b.requiresClient = false
	return b
}

func (b *Base) Name() string { return b.name }

// Logger returns the agent logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Bus returns the bus status events go to.
func (b *Base) Bus() *signals.Bus { return b.bus }

func (b *Base) Client() client.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// SetClient replaces the agent's client.
func (b *Base) SetClient(c client.Client) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
	b.emitStatus(context.Background())
}

// Actions returns a copy of the action tree.
func (b *Base) Actions() Actions {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.actions.Clone()
}

// ApplyConfig merges saved action settings into the tree.
func (b *Base) ApplyConfig(saved Actions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions.Merge(saved)
}

// ActionEnabled reports whether action exists and is enabled.
func (b *Base) ActionEnabled(action string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.actions[action]
	return ok && a.Enabled
}

// SetEnabled toggles an action.
func (b *Base) SetEnabled(action string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.actions[action]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgentAction, action)
	}
	a.Enabled = enabled
	return nil
}

// ConfigValue returns the value of an action option.
func (b *Base) ConfigValue(action, key string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, err := b.actions.lookup(action, key)
	if err != nil {
		return nil, err
	}
	return cfg.Value, nil
}

// ConfigInt returns an integer option or def.
func (b *Base) ConfigInt(action, key string, def int) int {
	v, err := b.ConfigValue(action, key)
	if err != nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

// ConfigString returns a string option or def.
func (b *Base) ConfigString(action, key, def string) string {
	v, err := b.ConfigValue(action, key)
	if err != nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// ConfigBool returns a boolean option or def.
func (b *Base) ConfigBool(action, key string, def bool) bool {
	v, err := b.ConfigValue(action, key)
	if err != nil {
		return def
	}
	if x, ok := v.(bool); ok {
		return x
	}
	return def
}

// SetConfig changes an action option.
func (b *Base) SetConfig(action, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, err := b.actions.lookup(action, key)
	if err != nil {
		return err
	}
	cfg.Value = value
	return nil
}

// Processing reports whether an operation is running.
func (b *Base) Processing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.processing > 0
}

// Ready reports whether the agent can run.
func (b *Base) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.requiresClient {
		return true
	}
	return b.client != nil && b.client.Enabled()
}

func (b *Base) Status() Status {
	st := Status{Name: b.name, Processing: b.Processing(), Ready: b.Ready()}
	if c := b.Client(); c != nil {
		st.Client = c.Name()
	}
	return st
}

func (b *Base) emitStatus(ctx context.Context) {
	if b.bus == nil {
		return
	}
	st := b.Status()
	status := signals.StatusIdle
	if st.Processing {
		status = signals.StatusBusy
	}
	b.bus.Emit(ctx, signals.Event{
		Typ:     signals.AgentStatus,
		Status:  status,
		Message: b.name,
		Data: map[string]any{
			"name":       st.Name,
			"client":     st.Client,
			"processing": st.Processing,
			"ready":      st.Ready,
		},
	})
}

type runningKey struct{ name string }

// Run executes fn as an agent operation. The processing flag and
// agent_status events wrap the outermost call only; nested calls on the same
// agent run directly. Under a scope, operations are serialized per scene.
func (b *Base) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if ctx.Value(runningKey{b.name}) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s.%s: %w", b.name, op, Cause(ctx))
	}

	release := func() {}
	if sc, ok := FromContext(ctx); ok {
		held, rel, err := sc.acquire(ctx)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", b.name, op, err)
		}
		ctx, release = held, rel
	}
	defer release()

	ctx = context.WithValue(ctx, runningKey{b.name}, op)
	b.setProcessing(ctx, 1)
	defer b.setProcessing(ctx, -1)

	b.logger.Debug("Agent operation started", "operation", op)
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s.%s: %w", b.name, op, Cause(ctx))
		}
		return fmt.Errorf("%s.%s: %w", b.name, op, err)
	}
	return nil
}

func (b *Base) setProcessing(ctx context.Context, delta int) {
	b.mu.Lock()
	before := b.processing > 0
	b.processing += delta
	after := b.processing > 0
	b.mu.Unlock()
	if before != after {
		b.emitStatus(context.WithoutCancel(ctx))
	}
}

// Generate sends prompt to the agent's client with context overrides
// applied and the client's status emitted around the call.
func (b *Base) Generate(ctx context.Context, prompt string, params client.Parameters, kind client.Kind) (string, error) {
	c := b.Client()
	if c == nil {
		return "", fmt.Errorf("%s: %w", b.name, ErrNoClient)
	}
	c.EmitStatus(ctx, true)
	defer c.EmitStatus(context.WithoutCancel(ctx), false)

	out, err := c.Generate(ctx, prompt, client.Prepare(ctx, c, params), kind)
	if err != nil {
		if client.IsGenerationError(err) && b.bus != nil {
			b.bus.Status(context.WithoutCancel(ctx), signals.StatusError, err.Error(), map[string]any{"agent": b.name})
		}
		return "", err
	}
	return out, nil
}
