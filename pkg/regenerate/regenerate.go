// Package regenerate replaces the most recent generated message of a scene
// with a fresh one.
package regenerate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

// Error explains why a message cannot be regenerated.
type Error struct {
	ID     uint64
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot regenerate message %d: %s", e.ID, e.Reason)
}

// Method selects how a directed regeneration treats the old message.
type Method string

const (
	// MethodReplace generates a new message from scratch.
	MethodReplace Method = "replace"
	// MethodEdit rewrites the old message following the direction.
	MethodEdit Method = "edit"
)

// Options steer a directed regeneration.
type Options struct {
	Direction string
	Method    Method
	// NukeRepetition in [0,1] asks the client to suppress repeated phrasing.
	NukeRepetition float64
}

type optionsKey struct{}

// WithOptions returns a context carrying directed regeneration options.
func WithOptions(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// OptionsFrom returns the options carried by ctx.
func OptionsFrom(ctx context.Context) (Options, bool) {
	opts, ok := ctx.Value(optionsKey{}).(Options)
	return opts, ok
}

// Converser writes dialogue for a character.
type Converser interface {
	Converse(ctx context.Context, character string, opts agents.ConverseOptions) (*message.CharacterMessage, error)
}

// FunctionCaller replays a recorded agent function.
type FunctionCaller interface {
	CallFunction(ctx context.Context, function string, args map[string]any) (message.Message, error)
}

// Reviser rewrites text following a direction.
type Reviser interface {
	Revise(ctx context.Context, text, direction string) (string, error)
}

// Reinforcer answers a tracked question again.
type Reinforcer interface {
	Refresh(ctx context.Context, question, character string) error
}

// Pipeline regenerates messages of the active scene.
type Pipeline struct {
	conversation Converser
	callers      map[string]FunctionCaller
	reviser      Reviser
	reinforcer   Reinforcer
	logger       *slog.Logger
}

// New creates a pipeline. Recorded functions are dispatched to callers by
// agent name.
func New(conversation Converser, callers map[string]FunctionCaller, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		conversation: conversation,
		callers:      callers,
		logger:       logger,
	}
}

// WithReviser enables MethodEdit.
func (p *Pipeline) WithReviser(r Reviser) *Pipeline {
	p.reviser = r
	return p
}

// WithReinforcer re-answers popped reinforcements instead of restoring
// their old answers.
func (p *Pipeline) WithReinforcer(r Reinforcer) *Pipeline {
	p.reinforcer = r
	return p
}

// Regenerate replaces the message at index idx of the active scene's
// history. A negative idx counts from the tail, skipping reinforcements.
// Only reinforcements may follow the target; they are popped and run again
// after the new message is pushed.
func (p *Pipeline) Regenerate(ctx context.Context, idx int) ([]message.Message, error) {
	s, err := agent.ActiveScene(ctx)
	if err != nil {
		return nil, err
	}
	opts, directed := OptionsFrom(ctx)
	if directed && opts.NukeRepetition > 0 {
		ctx = client.WithOverrides(ctx, client.Parameters{"nuke_repetition": min(opts.NukeRepetition, 1)})
	}

	history := s.History()
	target, err := p.locate(history, idx)
	if err != nil {
		return nil, err
	}
	if err := p.check(s, target); err != nil {
		return nil, err
	}

	var popped []message.Message
	for _, m := range slices.Backward(history) {
		if m.Head().ID <= target.Head().ID {
			break
		}
		removed, err := s.Remove(ctx, m.Head().ID)
		if err != nil {
			return nil, err
		}
		popped = append([]message.Message{removed}, popped...)
	}
	if _, err := s.Remove(ctx, target.Head().ID); err != nil {
		return nil, err
	}

	fresh, err := p.dispatch(ctx, target, opts)
	if err != nil {
		p.logger.Warn("Regeneration failed, restoring message", "id", target.Head().ID, "error", err)
		if rerr := s.Reinsert(ctx, append([]message.Message{target}, popped...)...); rerr != nil {
			p.logger.Error("Failed to restore messages", "error", rerr)
		}
		return nil, fmt.Errorf("failed to regenerate message %d: %w", target.Head().ID, err)
	}
	if err := s.Push(ctx, fresh...); err != nil {
		return nil, err
	}
	p.rerun(ctx, s, popped)

	bus := s.Bus()
	for _, m := range fresh {
		if bus == nil {
			break
		}
		bus.Emit(ctx, signals.Event{
			Typ:           signals.Regenerated(string(m.Kind())),
			ID:            m.Head().ID,
			Message:       m.Head().Message,
			MessageObject: m.Clone(),
		})
	}
	return fresh, nil
}

func (p *Pipeline) locate(history []message.Message, idx int) (message.Message, error) {
	if len(history) == 0 {
		return nil, &Error{Reason: "history is empty"}
	}
	if idx < 0 {
		for _, m := range slices.Backward(history) {
			if m.Kind() != message.KindReinforcement {
				return m, nil
			}
		}
		return nil, &Error{Reason: "history holds only reinforcements"}
	}
	if idx >= len(history) {
		return nil, &Error{Reason: fmt.Sprintf("index %d out of range", idx)}
	}
	for _, m := range history[idx+1:] {
		if m.Kind() != message.KindReinforcement {
			return nil, &Error{ID: history[idx].Head().ID, Reason: "only the most recent message can be regenerated"}
		}
	}
	return history[idx], nil
}

func (p *Pipeline) check(s *scene.Scene, m message.Message) error {
	id := m.Head().ID
	switch t := m.(type) {
	case *message.CharacterMessage:
		name := t.CharacterName()
		c, ok := s.Character(name)
		switch {
		case !ok:
			return &Error{ID: id, Reason: fmt.Sprintf("character %s is not in the scene", name)}
		case !s.IsActive(name):
			return &Error{ID: id, Reason: fmt.Sprintf("character %s is inactive", name)}
		case c.IsPlayer:
			return &Error{ID: id, Reason: "player messages are not generated"}
		case !s.HasActor(name):
			return &Error{ID: id, Reason: fmt.Sprintf("character %s has no actor", name)}
		}
		if p.conversation == nil {
			return &Error{ID: id, Reason: "no conversation agent"}
		}
		return nil
	case *message.NarratorMessage, *message.ContextInvestigationMessage:
		agentName, _, _, ok := message.OriginOf(m)
		if !ok {
			return &Error{ID: id, Reason: "message does not record its origin"}
		}
		if _, ok := p.callers[agentName]; !ok {
			return &Error{ID: id, Reason: fmt.Sprintf("no agent %s to replay", agentName)}
		}
		return nil
	}
	return &Error{ID: id, Reason: fmt.Sprintf("%s messages cannot be regenerated", m.Kind())}
}

func (p *Pipeline) dispatch(ctx context.Context, target message.Message, opts Options) ([]message.Message, error) {
	if opts.Method == MethodEdit && opts.Direction != "" {
		return p.revise(ctx, target, opts.Direction)
	}

	switch t := target.(type) {
	case *message.CharacterMessage:
		direction := t.FromChoice
		if opts.Direction != "" {
			direction = opts.Direction
		}
		m, err := p.conversation.Converse(ctx, t.CharacterName(), agents.ConverseOptions{Direction: direction})
		if err != nil {
			return nil, err
		}
		return []message.Message{m}, nil
	default:
		agentName, function, args, _ := message.OriginOf(target)
		if opts.Direction != "" && slices.Contains(message.NarratorActions[function], "narrative_direction") {
			args["narrative_direction"] = opts.Direction
		}
		m, err := p.callers[agentName].CallFunction(ctx, function, args)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, nil
		}
		return []message.Message{m}, nil
	}
}

func (p *Pipeline) revise(ctx context.Context, target message.Message, direction string) ([]message.Message, error) {
	if p.reviser == nil {
		return nil, errors.New("edit regeneration needs a reviser")
	}
	m := target.Clone()
	h := m.Head()
	text := h.Message
	if cm, ok := m.(*message.CharacterMessage); ok {
		text = cm.Dialogue()
	}
	revised, err := p.reviser.Revise(ctx, text, direction)
	if err != nil {
		return nil, err
	}
	if cm, ok := m.(*message.CharacterMessage); ok {
		revised = cm.CharacterName() + ": " + revised
	}
	h.Message = revised
	h.Rev++
	return []message.Message{m}, nil
}

func (p *Pipeline) restore(ctx context.Context, s *scene.Scene, msgs []message.Message) {
	if err := s.Push(ctx, msgs...); err != nil {
		p.logger.Error("Failed to restore messages", "error", err)
	}
}

func (p *Pipeline) rerun(ctx context.Context, s *scene.Scene, popped []message.Message) {
	for _, m := range popped {
		rm, ok := m.(*message.ReinforcementMessage)
		if ok && p.reinforcer != nil {
			err := p.reinforcer.Refresh(ctx, rm.Question(), rm.Character())
			if err == nil {
				continue
			}
			p.logger.Warn("Failed to refresh reinforcement, restoring old answer", "question", rm.Question(), "error", err)
		}
		p.restore(ctx, s, []message.Message{m})
	}
}
