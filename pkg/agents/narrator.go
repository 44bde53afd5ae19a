package agents

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

// Narrator describes the scene and moves the story along.
type Narrator struct {
	*agent.Base
}

// NewNarrator creates the narrator agent.
func NewNarrator(c client.Client, bus *signals.Bus, logger *slog.Logger) *Narrator {
	actions := agent.Actions{
		"generation_override": {
			Enabled: true,
			Label:   "Generation settings",
			Config: map[string]*agent.ActionConfig{
				"length": {Label: "Response length", Type: "number", Value: 256, Min: 32, Max: 1024, Step: 32},
			},
		},
		"narrate_time_passage": {
			Enabled:     true,
			Label:       "Narrate time passage",
			Description: "Narrate what happens when time is advanced.",
		},
		"narrate_dialogue": {
			Enabled: false,
			Label:   "Narrate after dialogue",
			Config: map[string]*agent.ActionConfig{
				"probability": {Label: "Probability", Type: "number", Value: 0.1, Min: 0.0, Max: 1.0, Step: 0.05},
			},
		},
	}
	return &Narrator{Base: agent.NewBase(agent.Narrator, c, actions, bus, logger)}
}

// Narrate runs a narrator action. The narrate_query action yields a context
// investigation unless as_narrative is set; every other action yields a
// narrator message. A nil message means the action is switched off.
func (a *Narrator) Narrate(ctx context.Context, action string, args map[string]any) (message.Message, error) {
	declared, ok := message.NarratorActions[action]
	if !ok {
		return nil, fmt.Errorf("%w: narrator.%s", agent.ErrUnknownAgentAction, action)
	}
	for name := range args {
		if !slices.Contains(declared, name) {
			return nil, fmt.Errorf("narrator action %s has no argument %q", action, name)
		}
	}
	if action == "narrate_time_passage" && !a.ActionEnabled("narrate_time_passage") {
		return nil, nil
	}

	var out message.Message
	err := a.Run(ctx, action, func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		task, err := a.task(s, action, args)
		if err != nil {
			return err
		}
		if direction := stringArg(args, "narrative_direction"); direction != "" {
			task += "\n" + fmt.Sprintf(prompts.NarrativeDirection, direction)
		}

		length := a.ConfigInt("generation_override", "length", 256)
		prompt, err := promptFor(a.Base, s, length).
			WithSystem(prompts.StorytellerSystem).
			WithInstruction(task).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}

		cleaner := cleanerFor(s)
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(length), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindNarrate)
			if err != nil {
				return err
			}
			text := cleaner.Narration(raw)
			if text == "" {
				return fmt.Errorf("empty narration: %w", agent.ErrLLMAccuracy)
			}
			out, err = narratorMessage(text, action, args)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallFunction replays a recorded narrator action. A "character" argument
// is rebound to the live character of the active scene.
func (a *Narrator) CallFunction(ctx context.Context, function string, args map[string]any) (message.Message, error) {
	if name := stringArg(args, "character"); name != "" {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return nil, err
		}
		c, ok := s.Character(name)
		if !ok {
			return nil, fmt.Errorf("failed to rebind %s: %w", name, scene.ErrUnknownCharacter)
		}
		args["character"] = c.Name
	}
	return a.Narrate(ctx, function, args)
}

func (a *Narrator) task(s *scene.Scene, action string, args map[string]any) (string, error) {
	switch action {
	case "narrate_query":
		return prompts.Narrator(action, stringArg(args, "query"))
	case "paraphrase":
		return prompts.Narrator(action, stringArg(args, "text"))
	case "narrate_character", "narrate_character_entry", "narrate_character_exit", "narrate_after_dialogue":
		name := stringArg(args, "character")
		if _, ok := s.Character(name); !ok {
			return "", fmt.Errorf("%s: %w", name, scene.ErrUnknownCharacter)
		}
		return prompts.Narrator(action, name)
	case "narrate_time_passage":
		passed := stringArg(args, "time_passed")
		if passed == "" {
			human, err := isodate.Human(stringArg(args, "duration"), "")
			if err != nil {
				return "", fmt.Errorf("invalid duration: %w", err)
			}
			passed = human
		}
		return prompts.Narrator(action, passed)
	}
	return prompts.Narrator(action)
}

func narratorMessage(text, action string, args map[string]any) (message.Message, error) {
	if action == "narrate_query" {
		if asNarrative, _ := args["as_narrative"].(bool); !asNarrative {
			m := &message.ContextInvestigationMessage{
				Header:  message.Header{Message: text, Source: action},
				SubType: message.SubTypeQuery,
			}
			message.SetOrigin(m, agent.Narrator, action, args)
			return m, nil
		}
	}
	return message.NewNarratorMessage(text, action, args)
}
