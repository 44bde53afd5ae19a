package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

// Memory connects the active scene to a long-term memory store.
type Memory struct {
	*agent.Base
	store memory.Memory
}

var _ worldstate.DocumentStore = (*Memory)(nil)

// NewMemory creates the memory agent. It needs no model.
func NewMemory(store memory.Memory, bus *signals.Bus, logger *slog.Logger) *Memory {
	actions := agent.Actions{
		"recall": {
			Enabled: true,
			Label:   "Recall",
			Config: map[string]*agent.ActionConfig{
				"limit":      {Label: "Results per query", Type: "number", Value: 3, Min: 1, Max: 20, Step: 1},
				"max_tokens": {Label: "Token budget", Type: "number", Value: 512, Min: 64, Max: 4096, Step: 64},
			},
		},
	}
	base := agent.NewBase(agent.Memory, nil, actions, bus, logger).WithoutClient()
	return &Memory{Base: base, store: store}
}

// Store returns the backing store.
func (a *Memory) Store() memory.Memory { return a.store }

// session tags writes with the memory session of the active scene.
func (a *Memory) session(ctx context.Context) {
	if s, err := agent.ActiveScene(ctx); err == nil {
		a.store.SetSession(s.MemorySessionID())
	}
}

// Add stores doc and returns its id.
func (a *Memory) Add(ctx context.Context, doc memory.Document) (string, error) {
	var id string
	err := a.Run(ctx, "add", func(ctx context.Context) error {
		a.session(ctx)
		var err error
		id, err = a.store.Add(ctx, doc)
		return err
	})
	return id, err
}

// Get returns document id.
func (a *Memory) Get(ctx context.Context, id string) (memory.Document, error) {
	return a.store.Get(ctx, id)
}

// Remove deletes document id.
func (a *Memory) Remove(ctx context.Context, id string) error {
	return a.Run(ctx, "remove", func(ctx context.Context) error {
		return a.store.Remove(ctx, id)
	})
}

// MultiQuery answers several queries within the configured budget unless
// opts sets its own.
func (a *Memory) MultiQuery(ctx context.Context, queries []string, opts memory.QueryOptions) ([]memory.Document, error) {
	if opts.Limit <= 0 {
		opts.Limit = a.ConfigInt("recall", "limit", 3)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = a.ConfigInt("recall", "max_tokens", 512)
	}
	var docs []memory.Document
	err := a.Run(ctx, "multi_query", func(ctx context.Context) error {
		if bus := a.Bus(); bus != nil {
			bus.Emit(ctx, signals.Event{
				Typ:  signals.MemoryRequest,
				Data: map[string]any{"queries": queries, "limit": opts.Limit, "max_tokens": opts.MaxTokens},
			})
		}
		var err error
		docs, err = memory.MultiQuery(ctx, a.store, queries, opts)
		return err
	})
	return docs, err
}

// RemoveUnsaved drops documents written since the active scene was last
// saved.
func (a *Memory) RemoveUnsaved(ctx context.Context) (int, error) {
	var n int
	err := a.Run(ctx, "remove_unsaved", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		n, err = a.store.RemoveUnsaved(ctx, s.SavedMemorySessionID())
		if err != nil {
			return fmt.Errorf("failed to remove unsaved documents: %w", err)
		}
		a.Logger().Debug("Removed unsaved memory documents", "count", n)
		return nil
	})
	return n, err
}
