package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/textfilter"
)

// Director nudges characters and the scene toward an interesting story.
type Director struct {
	*agent.Base
}

// NewDirector creates the director agent.
func NewDirector(c client.Client, bus *signals.Bus, logger *slog.Logger) *Director {
	actions := agent.Actions{
		"direct": {
			Enabled: true,
			Label:   "Direct",
			Config: map[string]*agent.ActionConfig{
				"turns":        {Label: "Turns between guidance", Type: "number", Value: 5, Min: 1, Max: 50, Step: 1},
				"as_monologue": {Label: "Inner monologue", Type: "bool", Value: true},
			},
		},
	}
	return &Director{Base: agent.NewBase(agent.Director, c, actions, bus, logger)}
}

// Due reports whether guidance should be given on turn.
func (a *Director) Due(turn int) bool {
	if !a.ActionEnabled("direct") {
		return false
	}
	every := max(a.ConfigInt("direct", "turns", 5), 1)
	return turn > 0 && turn%every == 0
}

// Direct produces guidance for character, or for the scene when character
// is empty. Guidance for a character is marked as inner monologue when the
// direct action is configured so.
func (a *Director) Direct(ctx context.Context, character string) (*message.DirectorMessage, error) {
	var out *message.DirectorMessage
	err := a.Run(ctx, "direct", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		instruction := prompts.DirectorSceneInstruction
		b := promptFor(a.Base, s, 128).WithSystem(prompts.StorytellerSystem).WithDirector(true)
		if character != "" {
			if !s.IsActive(character) {
				return fmt.Errorf("%s: %w", character, scene.ErrUnknownCharacter)
			}
			instruction = fmt.Sprintf(prompts.DirectorInstruction, character)
			b = b.WithCharacter(character)
		}
		prompt, err := b.WithInstruction(instruction).Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}

		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(128), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindDirection)
			if err != nil {
				return err
			}
			text := textfilter.StripPartialSentence(textfilter.Normalize(raw))
			if text == "" {
				return fmt.Errorf("empty direction: %w", agent.ErrLLMAccuracy)
			}
			out = message.NewDirectorMessage(text, character)
			if character != "" && a.ConfigBool("direct", "as_monologue", true) {
				out.SetMeta("as_monologue", true)
			}
			message.SetOrigin(out, agent.Director, "direct", map[string]any{"character": character})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
