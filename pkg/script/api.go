package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

// ErrUnavailable is returned when a script calls an API whose agent is not
// configured.
var ErrUnavailable = errors.New("api unavailable")

// GameInstructionScope is everything a script can touch. Calls run against
// the scene active in their context.
type GameInstructionScope struct {
	Director   *agents.Director
	Narrator   *agents.Narrator
	Creator    *agents.Creator
	Memory     *agents.Memory
	WorldState *worldstate.Manager
	Logger     *slog.Logger

	vars map[string]any
}

// Vars returns a copy of the script variables.
func (sc *GameInstructionScope) Vars() map[string]any {
	return maps.Clone(sc.vars)
}

func (sc *GameInstructionScope) setVar(name string, v any) {
	if sc.vars == nil {
		sc.vars = make(map[string]any)
	}
	sc.vars[name] = v
}

func (sc *GameInstructionScope) logger() *slog.Logger {
	if sc.Logger == nil {
		return slog.Default()
	}
	return sc.Logger
}

// env builds the expression environment for s.
func (sc *GameInstructionScope) env(s *scene.Scene) Env {
	var names []string
	for _, c := range s.Characters() {
		names = append(names, c.Name)
	}
	gs := s.GameState()
	return Env{
		Turn:       s.Turn(),
		Scene:      s.Name,
		Title:      s.Title,
		Characters: names,
		State:      gs.Snapshot(),
		Vars:       sc.Vars(),
		Has:        gs.Has,
		Get:        func(path string) any { return gs.Get(path, nil) },
		Active:     s.IsActive,
	}
}

type param struct {
	name     string
	typ      string
	required bool
}

type apiCall struct {
	params []param
	run    func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error
}

func req(name, typ string) param { return param{name: name, typ: typ, required: true} }
func opt(name, typ string) param { return param{name: name, typ: typ} }

// surface is the complete script API.
var surface = map[string]apiCall{
	"log.debug": {params: []param{req("message", "str")}, run: logAt(slog.LevelDebug)},
	"log.info":  {params: []param{req("message", "str")}, run: logAt(slog.LevelInfo)},
	"log.warn":  {params: []param{req("message", "str")}, run: logAt(slog.LevelWarn)},
	"log.error": {params: []param{req("message", "str")}, run: logAt(slog.LevelError)},

	"vars.set": {
		params: []param{req("name", "str"), req("value", "any")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			sc.setVar(args["name"].(string), args["value"])
			return nil
		},
	},

	"scene.set_state": {
		params: []param{req("path", "str"), req("value", "any")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			return s.GameState().Set(args["path"].(string), args["value"])
		},
	},
	"scene.unset_state": {
		params: []param{req("path", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			s.GameState().Unset(args["path"].(string))
			return nil
		},
	},
	"scene.advance_time": {
		params: []param{req("duration", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			return s.AdvanceTime(args["duration"].(string))
		},
	},
	"scene.activate_character": {
		params: []param{req("name", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.WorldState != nil {
				return sc.WorldState.ActivateCharacter(ctx, args["name"].(string))
			}
			return s.ActivateCharacter(args["name"].(string))
		},
	},
	"scene.deactivate_character": {
		params: []param{req("name", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.WorldState != nil {
				return sc.WorldState.DeactivateCharacter(ctx, args["name"].(string))
			}
			return s.DeactivateCharacter(args["name"].(string))
		},
	},

	"director.direct": {
		params: []param{opt("character", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.Director == nil {
				return fmt.Errorf("director: %w", ErrUnavailable)
			}
			character, _ := args["character"].(string)
			m, err := sc.Director.Direct(ctx, character)
			if err != nil {
				return err
			}
			return s.Push(ctx, m)
		},
	},

	"narrator.narrate": {
		params: []param{req("action", "str"), opt("character", "str"), opt("narrative_direction", "str"), opt("query", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.Narrator == nil {
				return fmt.Errorf("narrator: %w", ErrUnavailable)
			}
			action := args["action"].(string)
			rest := maps.Clone(args)
			delete(rest, "action")
			m, err := sc.Narrator.Narrate(ctx, action, rest)
			if err != nil || m == nil {
				return err
			}
			return s.Push(ctx, m)
		},
	},

	"creator.contextual_generate": {
		params: []param{req("context", "str"), req("store_as", "str"), opt("instructions", "str"), opt("character", "str"), opt("words", "int")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.Creator == nil {
				return fmt.Errorf("creator: %w", ErrUnavailable)
			}
			r := agents.GenerateRequest{Context: args["context"].(string)}
			r.Instructions, _ = args["instructions"].(string)
			r.Character, _ = args["character"].(string)
			r.Words, _ = args["words"].(int)
			text, err := sc.Creator.ContextualGenerate(ctx, r)
			if err != nil {
				return err
			}
			sc.setVar(args["store_as"].(string), text)
			return nil
		},
	},

	"world_state.add_reinforcement": {
		params: []param{req("question", "str"), opt("character", "str"), opt("interval", "int"), opt("insert", "str"), opt("instructions", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.WorldState == nil {
				return fmt.Errorf("world_state: %w", ErrUnavailable)
			}
			r := worldstate.Reinforcement{Question: args["question"].(string), IntervalTurns: 10, InsertMode: worldstate.InsertSequential}
			r.Character, _ = args["character"].(string)
			r.Instructions, _ = args["instructions"].(string)
			if interval, ok := args["interval"].(int); ok {
				r.IntervalTurns = interval
			}
			if insert, ok := args["insert"].(string); ok {
				r.InsertMode = worldstate.InsertMode(insert)
			}
			return sc.WorldState.AddReinforcement(ctx, r)
		},
	},
	"world_state.refresh": {
		params: []param{req("question", "str"), opt("character", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.WorldState == nil {
				return fmt.Errorf("world_state: %w", ErrUnavailable)
			}
			character, _ := args["character"].(string)
			return sc.WorldState.Refresh(ctx, args["question"].(string), character)
		},
	},

	"memory.add": {
		params: []param{req("text", "str"), opt("id", "str")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.Memory == nil {
				return fmt.Errorf("memory: %w", ErrUnavailable)
			}
			doc := memory.Document{Text: args["text"].(string), Meta: map[string]any{"source": "script"}}
			doc.ID, _ = args["id"].(string)
			_, err := sc.Memory.Add(ctx, doc)
			return err
		},
	},
	"memory.query": {
		params: []param{req("query", "str"), req("store_as", "str"), opt("limit", "int")},
		run: func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
			if sc.Memory == nil {
				return fmt.Errorf("memory: %w", ErrUnavailable)
			}
			opts := memory.QueryOptions{}
			opts.Limit, _ = args["limit"].(int)
			docs, err := sc.Memory.MultiQuery(ctx, []string{args["query"].(string)}, opts)
			if err != nil {
				return err
			}
			texts := make([]string, 0, len(docs))
			for _, d := range docs {
				texts = append(texts, d.Text)
			}
			sc.setVar(args["store_as"].(string), strings.Join(texts, "\n"))
			return nil
		},
	},
}

func logAt(level slog.Level) func(context.Context, *GameInstructionScope, *scene.Scene, map[string]any) error {
	return func(ctx context.Context, sc *GameInstructionScope, s *scene.Scene, args map[string]any) error {
		sc.logger().Log(ctx, level, args["message"].(string), "scene", s.Name, "source", "script")
		return nil
	}
}

// call validates resolved arguments against the surface and runs the API.
func (sc *GameInstructionScope) call(ctx context.Context, name string, args map[string]any) error {
	api, ok := surface[name]
	if !ok {
		return fmt.Errorf("call %q: %w", name, ErrUnknownDataSpec)
	}
	s, err := agent.ActiveScene(ctx)
	if err != nil {
		return err
	}
	checked := make(map[string]any, len(args))
	for _, p := range api.params {
		v, ok := args[p.name]
		if !ok || v == nil {
			if p.required {
				return fmt.Errorf("%s requires argument %q", name, p.name)
			}
			continue
		}
		cv, err := coerce(v, p.typ)
		if err != nil {
			return fmt.Errorf("%s argument %q: %w", name, p.name, err)
		}
		checked[p.name] = cv
	}
	return api.run(ctx, sc, s, checked)
}

func coerce(v any, typ string) (any, error) {
	switch typ {
	case "str":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "int":
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == float64(int(n)) {
				return int(n), nil
			}
		}
		return nil, fmt.Errorf("expected integer, got %v", v)
	}
	return v, nil
}
