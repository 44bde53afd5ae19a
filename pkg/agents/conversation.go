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

// Conversation writes dialogue for non-player characters.
type Conversation struct {
	*agent.Base
}

// NewConversation creates the conversation agent.
func NewConversation(c client.Client, bus *signals.Bus, logger *slog.Logger) *Conversation {
	actions := agent.Actions{
		"generation_override": {
			Enabled: true,
			Label:   "Generation settings",
			Config: map[string]*agent.ActionConfig{
				"length":       {Label: "Response length", Type: "number", Value: 192, Min: 32, Max: 1024, Step: 32},
				"instructions": {Label: "Extra instructions", Type: "text", Value: ""},
			},
		},
	}
	return &Conversation{Base: agent.NewBase(agent.Conversation, c, actions, bus, logger)}
}

// ConverseOptions steer a line of dialogue.
type ConverseOptions struct {
	// Direction is an instruction the character must follow.
	Direction string
}

// Converse generates the next line for character in the active scene.
func (a *Conversation) Converse(ctx context.Context, character string, opts ConverseOptions) (*message.CharacterMessage, error) {
	var out *message.CharacterMessage
	err := a.Run(ctx, "converse", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		if !s.IsActive(character) {
			return fmt.Errorf("%s: %w", character, scene.ErrUnknownCharacter)
		}

		length := a.ConfigInt("generation_override", "length", 192)
		instruction := fmt.Sprintf(prompts.ConversationInstruction, character)
		if extra := a.ConfigString("generation_override", "instructions", ""); extra != "" {
			instruction += "\n" + extra
		}
		if opts.Direction != "" {
			instruction += "\n" + fmt.Sprintf(prompts.ConversationDirection, character, opts.Direction)
		}
		prompt, err := promptFor(a.Base, s, length).
			WithSystem(prompts.StorytellerSystem).
			WithCharacter(character).
			WithInstruction(instruction).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}

		cleaner := cleanerFor(s)
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(length), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindConversation)
			if err != nil {
				return err
			}
			text := textfilter.BalanceMarkup(cleaner.Dialogue(character, raw))
			if text == "" {
				return fmt.Errorf("empty dialogue for %s: %w", character, agent.ErrLLMAccuracy)
			}
			out = message.NewCharacterMessage(character, text)
			out.FromChoice = opts.Direction
			message.SetOrigin(out, agent.Conversation, "converse", map[string]any{
				"character": character,
				"direction": opts.Direction,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
