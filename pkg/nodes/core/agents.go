package core

import (
	"context"
	"fmt"
	"slices"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/nodes"
)

// Narrate runs a narrator action and pushes the result to the scene.
type Narrate struct {
	*nodes.Base
	narrator *agents.Narrator
}

func NewNarrate(narrator *agents.Narrator) *Narrate {
	n := &Narrate{Base: nodes.NewBase("agents/narrator/Narrate", "Narrate"), narrator: narrator}
	n.Setup()
	return n
}

func (n *Narrate) Setup() {
	n.AddInput("state", "any")
	n.AddInput("character", "str")
	n.AddInput("narrative_direction", "str")
	n.AddInput("query", "str")
	n.AddOutput("message", "message")
	n.AddOutput("text", "str")
	n.SetDefault("action", "progress_story")
	n.SetDefault("push", true)
}

func (n *Narrate) Run(ctx context.Context, st *nodes.GraphState) error {
	action, _ := n.Property("action").(string)
	declared, ok := message.NarratorActions[action]
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "action", Reason: fmt.Sprintf("unknown narrator action %q", action)}
	}
	args := make(map[string]any)
	for _, name := range []string{"character", "narrative_direction", "query"} {
		if !slices.Contains(declared, name) {
			continue
		}
		if v, _ := n.NormalizedInputValue(name).(string); v != "" {
			args[name] = v
		}
	}

	m, err := n.narrator.Narrate(ctx, action, args)
	if err != nil {
		return err
	}
	if m == nil {
		n.Deactivate()
		return nil
	}
	if push, _ := n.Property("push").(bool); push {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		if err := s.Push(ctx, m); err != nil {
			return fmt.Errorf("failed to push narration: %w", err)
		}
	}
	return n.SetOutputValues(map[string]any{"message": m, "text": m.Head().Message})
}

// ContextualGenerate writes content through the creator agent.
type ContextualGenerate struct {
	*nodes.Base
	creator *agents.Creator
}

func NewContextualGenerate(creator *agents.Creator) *ContextualGenerate {
	n := &ContextualGenerate{Base: nodes.NewBase("agents/creator/ContextualGenerate", "Contextual Generate"), creator: creator}
	n.Setup()
	return n
}

func (n *ContextualGenerate) Setup() {
	n.AddInput("state", "any")
	n.AddInput("context", "str")
	n.AddInput("instructions", "str")
	n.AddInput("character", "str")
	n.AddInput("words", "int")
	n.AddOutput("text", "str")
}

func (n *ContextualGenerate) Run(ctx context.Context, st *nodes.GraphState) error {
	subject, err := n.RequireString("context")
	if err != nil {
		return err
	}
	req := agents.GenerateRequest{Context: subject}
	req.Instructions, _ = n.NormalizedInputValue("instructions").(string)
	req.Character, _ = n.NormalizedInputValue("character").(string)
	if words, ok := nodes.ToInt(n.NormalizedInputValue("words")); ok {
		req.Words = words
	}
	text, err := n.creator.ContextualGenerate(ctx, req)
	if err != nil {
		return err
	}
	return n.SetOutputValues(map[string]any{"text": text})
}
