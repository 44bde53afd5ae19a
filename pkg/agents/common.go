// Package agents implements the built-in agents on top of agent.Base.
// Agents produce messages; the caller decides whether to push them.
package agents

import (
	"fmt"
	"log/slog"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/textfilter"
)

// accuracyRetries is how often a malformed answer is asked for again.
const accuracyRetries = 2

const minHistoryBudget = 256

// promptFor starts a builder sized for the agent's client, leaving room for
// a response of length tokens.
func promptFor(b *agent.Base, s *scene.Scene, length int) *prompts.Builder {
	p := prompts.New().WithScene(s)
	if c := b.Client(); c != nil {
		p = p.WithCounter(c.CountTokens).WithBudget(max(c.MaxTokenLength()-length, minHistoryBudget))
	}
	return p
}

// cleanerFor knows every character of s, active or not.
func cleanerFor(s *scene.Scene) *textfilter.Cleaner {
	var names []string
	for _, c := range s.Characters() {
		names = append(names, c.Name)
	}
	for _, c := range s.InactiveCharacters() {
		names = append(names, c.Name)
	}
	return textfilter.NewCleaner(names...)
}

func lengthParams(length int) client.Parameters {
	return client.Parameters{"max_tokens": length}
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// Set holds the built-in agents.
type Set struct {
	Conversation *Conversation
	Narrator     *Narrator
	Director     *Director
	WorldState   *WorldState
	Summarizer   *Summarizer
	Creator      *Creator
	Memory       *Memory
	Editor       *Editor
}

// NewSet creates every built-in agent sharing one client and registers them.
func NewSet(c client.Client, mem memory.Memory, bus *signals.Bus, logger *slog.Logger) (*Set, *agent.Registry, error) {
	set := &Set{
		Conversation: NewConversation(c, bus, logger),
		Narrator:     NewNarrator(c, bus, logger),
		Director:     NewDirector(c, bus, logger),
		WorldState:   NewWorldState(c, bus, logger),
		Summarizer:   NewSummarizer(c, bus, logger),
		Creator:      NewCreator(c, bus, logger),
		Memory:       NewMemory(mem, bus, logger),
		Editor:       NewEditor(c, bus, logger),
	}
	reg := agent.NewRegistry()
	for _, a := range []agent.Agent{
		set.Conversation, set.Narrator, set.Director, set.WorldState,
		set.Summarizer, set.Creator, set.Memory, set.Editor,
	} {
		if err := reg.Register(a); err != nil {
			return nil, nil, fmt.Errorf("failed to register agents: %w", err)
		}
	}
	return set, reg, nil
}
