package core

import (
	"context"
	"fmt"

	"github.com/jwebster45206/d20"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/nodes"
)

// ActorStats builds a d20 stat block from the game state entry
// actors/<character> ({hp, max_hp, ac, attributes}) and outputs its
// numbers.
type ActorStats struct {
	*nodes.Base
}

func NewActorStats() *ActorStats {
	n := &ActorStats{Base: nodes.NewBase("game/ActorStats", "Actor Stats")}
	n.Setup()
	return n
}

func (n *ActorStats) Setup() {
	n.AddInput("character", "str")
	n.AddInput("attribute", "str")
	n.AddOutput("hp", "int")
	n.AddOutput("max_hp", "int")
	n.AddOutput("ac", "int")
	n.AddOutput("attribute", "int")
	n.AddOutput("actor", "any")
}

func (n *ActorStats) Run(ctx context.Context, st *nodes.GraphState) error {
	name, err := n.RequireString("character")
	if err != nil {
		return err
	}
	s, err := agent.ActiveScene(ctx)
	if err != nil {
		return err
	}
	raw, ok := s.GameState().Lookup("actors/" + name)
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "character", Reason: fmt.Sprintf("no stats for %s", name)}
	}
	spec, ok := raw.(map[string]any)
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "character", Reason: fmt.Sprintf("stats for %s are not a map", name)}
	}

	maxHP, _ := nodes.ToInt(spec["max_hp"])
	hp, hasHP := nodes.ToInt(spec["hp"])
	if maxHP == 0 {
		maxHP = hp
	}
	ac, _ := nodes.ToInt(spec["ac"])
	attrs := make(map[string]int)
	if m, ok := spec["attributes"].(map[string]any); ok {
		for k, v := range m {
			if i, ok := nodes.ToInt(v); ok {
				attrs[k] = i
			}
		}
	}

	actor, err := d20.NewActor(name).
		WithHP(maxHP).
		WithAC(ac).
		WithAttributes(attrs).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build actor %s: %w", name, err)
	}
	if hasHP && hp != maxHP && hp > 0 {
		if err := actor.SetHP(hp); err != nil {
			return fmt.Errorf("failed to set HP of %s: %w", name, err)
		}
	}

	out := map[string]any{
		"hp":     actor.HP(),
		"max_hp": actor.MaxHP(),
		"ac":     actor.AC(),
		"actor":  actor,
	}
	if key, _ := n.NormalizedInputValue("attribute").(string); key != "" {
		if v, ok := actor.Attribute(key); ok {
			out["attribute"] = v
		}
	}
	return n.SetOutputValues(out)
}
