package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/focal"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/textfilter"
)

// Creator generates scene content such as descriptions and attributes.
type Creator struct {
	*agent.Base
}

// NewCreator creates the creator agent.
func NewCreator(c client.Client, bus *signals.Bus, logger *slog.Logger) *Creator {
	actions := agent.Actions{
		"contextual_generate": {
			Enabled: true,
			Label:   "Contextual generation",
			Config: map[string]*agent.ActionConfig{
				"words": {Label: "Maximum words", Type: "number", Value: 150, Min: 10, Max: 1000, Step: 10},
			},
		},
		"update_attributes": {
			Enabled: true,
			Label:   "Update character attributes",
			Config: map[string]*agent.ActionConfig{
				"max_calls": {Label: "Maximum changes", Type: "number", Value: 5, Min: 1, Max: 20, Step: 1},
			},
		},
	}
	return &Creator{Base: agent.NewBase(agent.Creator, c, actions, bus, logger)}
}

// GenerateRequest describes a piece of content to create.
type GenerateRequest struct {
	// Context names what is generated, e.g. "character attribute:age".
	Context      string
	Instructions string
	Character    string
	// Words caps the length. Zero uses the configured default.
	Words int
}

// ContextualGenerate writes content fitting the active scene.
func (a *Creator) ContextualGenerate(ctx context.Context, req GenerateRequest) (string, error) {
	var out string
	err := a.Run(ctx, "contextual_generate", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		if req.Context == "" {
			return fmt.Errorf("generation context is required")
		}
		words := req.Words
		if words <= 0 {
			words = a.ConfigInt("contextual_generate", "words", 150)
		}
		length := words * 2
		b := promptFor(a.Base, s, length).WithSystem(prompts.StorytellerSystem)
		if req.Character != "" {
			if !s.HasCharacter(req.Character) {
				return fmt.Errorf("%s: %w", req.Character, scene.ErrUnknownCharacter)
			}
			b = b.WithCharacter(req.Character)
		}
		subject := strings.ReplaceAll(req.Context, ":", " ")
		prompt, err := b.WithInstruction(fmt.Sprintf(prompts.ContextualGenerateInstruction, subject, req.Instructions, words)).Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(length), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindCreate)
			if err != nil {
				return err
			}
			out = textfilter.StripPartialSentence(textfilter.Normalize(raw))
			if out == "" {
				return fmt.Errorf("empty %s: %w", req.Context, agent.ErrLLMAccuracy)
			}
			return nil
		})
	})
	return out, err
}

// UpdateCharacterAttributes asks the model which attributes of character
// changed and applies them through set_character_attribute calls.
func (a *Creator) UpdateCharacterAttributes(ctx context.Context, character string) ([]*focal.Call, error) {
	var calls []*focal.Call
	err := a.Run(ctx, "update_attributes", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		if !s.IsActive(character) {
			return fmt.Errorf("%s: %w", character, scene.ErrUnknownCharacter)
		}
		c := a.Client()
		if c == nil {
			return agent.ErrNoClient
		}

		set := &focal.Callback{
			Name:        "set_character_attribute",
			Description: "Set an attribute of a character to a new value.",
			Multiple:    true,
			Arguments: []focal.Argument{
				{Name: "name", Type: focal.TypeString},
				{Name: "key", Type: focal.TypeString},
				{Name: "value", Type: focal.TypeString},
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, key, value := stringArg(args, "name"), stringArg(args, "key"), stringArg(args, "value")
				if key == "" {
					return nil, fmt.Errorf("attribute key is required")
				}
				err := s.UpdateCharacter(name, func(ch *scene.Character) {
					if ch.BaseAttributes == nil {
						ch.BaseAttributes = map[string]string{}
					}
					ch.BaseAttributes[strings.ToLower(key)] = value
				})
				return value, err
			},
		}
		f, err := focal.New(c, []*focal.Callback{set}, focal.Options{
			MaxCalls: a.ConfigInt("update_attributes", "max_calls", 5),
			Kind:     client.KindAnalyze,
		}, a.Logger())
		if err != nil {
			return err
		}

		prompt, err := promptFor(a.Base, s, 512).
			WithSystem(prompts.AnalystSystem).
			WithCharacter(character).
			WithInstruction(fmt.Sprintf(prompts.AttributeInstruction, character)).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}
		calls, err = f.Request(ctx, prompt)
		return err
	})
	return calls, err
}
