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
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

// WorldState answers tracked questions and decides pin conditions.
type WorldState struct {
	*agent.Base
}

var (
	_ worldstate.Answerer         = (*WorldState)(nil)
	_ worldstate.ConditionChecker = (*WorldState)(nil)
)

// NewWorldState creates the world-state agent.
func NewWorldState(c client.Client, bus *signals.Bus, logger *slog.Logger) *WorldState {
	actions := agent.Actions{
		"update_reinforcements": {
			Enabled: true,
			Label:   "Update reinforcements",
		},
		"check_pin_conditions": {
			Enabled: true,
			Label:   "Check pin conditions",
			Config: map[string]*agent.ActionConfig{
				"turns": {Label: "Turns between checks", Type: "number", Value: 2, Min: 1, Max: 20, Step: 1},
			},
		},
	}
	return &WorldState{Base: agent.NewBase(agent.WorldState, c, actions, bus, logger)}
}

// AnswerQuery answers a reinforcement question from the story so far.
func (a *WorldState) AnswerQuery(ctx context.Context, r worldstate.Reinforcement) (string, error) {
	var answer string
	err := a.Run(ctx, "answer_query", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		instruction := fmt.Sprintf(prompts.ReinforcementInstruction, r.Question)
		if r.Character != "" {
			instruction += "\n" + fmt.Sprintf(prompts.ReinforcementCharacter, r.Character)
		}
		if r.Instructions != "" {
			instruction += "\n" + r.Instructions
		}
		prompt, err := promptFor(a.Base, s, 192).
			WithSystem(prompts.AnalystSystem).
			WithInstruction(instruction).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(192), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindAnalyze)
			if err != nil {
				return err
			}
			answer = textfilter.Normalize(raw)
			if answer == "" {
				return fmt.Errorf("empty answer to %q: %w", r.Question, agent.ErrLLMAccuracy)
			}
			return nil
		})
	})
	return answer, err
}

// CheckCondition asks whether condition holds. Answers that are neither
// yes nor no are retried.
func (a *WorldState) CheckCondition(ctx context.Context, condition string) (bool, error) {
	var verdict bool
	err := a.Run(ctx, "check_condition", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		prompt, err := promptFor(a.Base, s, 8).
			WithSystem(prompts.AnalystSystem).
			WithInstruction(fmt.Sprintf(prompts.ConditionInstruction, condition)).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build prompt: %w", err)
		}
		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(8), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindShort)
			if err != nil {
				return err
			}
			answer, ok := textfilter.YesNo(raw)
			if !ok {
				return fmt.Errorf("no verdict in %q: %w", raw, agent.ErrLLMAccuracy)
			}
			verdict = answer
			return nil
		})
	})
	return verdict, err
}
