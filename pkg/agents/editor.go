package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/textfilter"
)

// Editor cleans up generated text before it is shown.
type Editor struct {
	*agent.Base
}

// NewEditor creates the editor agent. Without a client it still applies
// the local cleanup.
func NewEditor(c client.Client, bus *signals.Bus, logger *slog.Logger) *Editor {
	actions := agent.Actions{
		"fix_markup": {
			Enabled: true,
			Label:   "Fix markup",
		},
		"revise": {
			Enabled:     false,
			Label:       "Revise with the model",
			Description: "Ask the model to fix grammar and formatting.",
		},
	}
	return &Editor{Base: agent.NewBase(agent.Editor, c, actions, bus, logger).WithoutClient()}
}

// Edit returns the cleaned text. A failed revision falls back to the
// locally cleaned text.
func (a *Editor) Edit(ctx context.Context, text string) (string, error) {
	out := textfilter.Normalize(text)
	err := a.Run(ctx, "edit", func(ctx context.Context) error {
		if a.ActionEnabled("fix_markup") {
			out = textfilter.BalanceMarkup(out)
		}
		if !a.ActionEnabled("revise") || a.Client() == nil {
			return nil
		}
		revised, err := a.Generate(ctx, fmt.Sprintf(prompts.EditorInstruction, out), lengthParams(512), client.KindEdit)
		if err != nil {
			a.Logger().Warn("Revision failed, keeping cleaned text", "error", err)
			return nil
		}
		if revised = textfilter.Normalize(revised); revised != "" {
			out = revised
		}
		return nil
	})
	return out, err
}

// Revise rewrites text so it follows direction.
func (a *Editor) Revise(ctx context.Context, text, direction string) (string, error) {
	var out string
	err := a.Run(ctx, "revise", func(ctx context.Context) error {
		task := fmt.Sprintf(prompts.EditorInstruction, text)
		if direction != "" {
			task += "\n\n" + fmt.Sprintf(prompts.NarrativeDirection, direction)
		}
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(512), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, task, params, client.KindEdit)
			if err != nil {
				return err
			}
			out = textfilter.BalanceMarkup(textfilter.Normalize(raw))
			if out == "" {
				return fmt.Errorf("empty revision: %w", agent.ErrLLMAccuracy)
			}
			return nil
		})
	})
	return out, err
}
