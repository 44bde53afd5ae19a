package core

import (
	"context"
	"fmt"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/nodes"
)

const (
	scopeGame  = "game"
	scopeLocal = "local"
)

// GetState reads a variable from the scene's game state or, with scope
// local, from the run's variables.
type GetState struct {
	*nodes.Base
}

func NewGetState() *GetState {
	n := &GetState{Base: nodes.NewBase("core/GetState", "Get State")}
	n.Setup()
	return n
}

func (n *GetState) Setup() {
	n.AddInput("path", "str")
	n.AddInput("default", "any")
	n.AddOutput("value", "any")
	n.AddOutput("exists", "bool")
	n.SetDefault("scope", scopeGame)
}

func (n *GetState) Run(ctx context.Context, st *nodes.GraphState) error {
	path, err := n.RequireString("path")
	if err != nil {
		return err
	}
	def := n.NormalizedInputValue("default")

	var (
		value  any
		exists bool
	)
	switch scope, _ := n.Property("scope").(string); scope {
	case scopeLocal:
		value, exists = st.Get(path)
	case scopeGame:
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		value, exists = s.GameState().Lookup(path)
	default:
		return &nodes.InputValueError{Node: n.Label(), Socket: "scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
	if !exists {
		value = def
	}
	return n.SetOutputValues(map[string]any{"value": value, "exists": exists})
}

// SetState writes a variable to the scene's game state or, with scope
// local, to the run's variables.
type SetState struct {
	*nodes.Base
}

func NewSetState() *SetState {
	n := &SetState{Base: nodes.NewBase("core/SetState", "Set State")}
	n.Setup()
	return n
}

func (n *SetState) Setup() {
	n.AddInput("path", "str")
	n.AddInput("value", "any")
	n.AddOutput("value", "any")
	n.SetDefault("scope", scopeGame)
}

func (n *SetState) Run(ctx context.Context, st *nodes.GraphState) error {
	path, err := n.RequireString("path")
	if err != nil {
		return err
	}
	value := n.NormalizedInputValue("value")

	switch scope, _ := n.Property("scope").(string); scope {
	case scopeLocal:
		st.Set(path, value)
	case scopeGame:
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		if err := s.GameState().Set(path, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	default:
		return &nodes.InputValueError{Node: n.Label(), Socket: "scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
	return n.SetOutputValues(map[string]any{"value": value})
}
