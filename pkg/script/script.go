// Package script runs a scene's game.yaml: a list of calls into a small,
// validated API surface, each optionally guarded by an expression.
//
//	game:
//	  - when: turn >= 3 && !has("quest/started")
//	    call: scene.set_state
//	    args: {path: quest/started, value: true}
//	  - call: narrator.narrate
//	    args: {action: progress_story, narrative_direction: "=vars.mood"}
//
// String arguments starting with "=" are expressions evaluated against the
// same environment as when.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// FileName is the script file looked up in a scene directory.
const FileName = "game.yaml"

var (
	// ErrUnknownDataSpec is returned for calls or arguments outside the API
	// surface.
	ErrUnknownDataSpec = errors.New("unknown data spec")
	// ErrNoGame is returned for a script without a game section.
	ErrNoGame = errors.New("script has no game section")
)

// Env is what expressions see. Scripts never reach the scene's mutable
// collections; state is a snapshot.
type Env struct {
	Turn       int               `expr:"turn"`
	Scene      string            `expr:"scene"`
	Title      string            `expr:"title"`
	Characters []string          `expr:"characters"`
	State      map[string]any    `expr:"state"`
	Vars       map[string]any    `expr:"vars"`
	Has        func(string) bool `expr:"has"`
	Get        func(string) any  `expr:"get"`
	Active     func(string) bool `expr:"active"`
}

// Step is one guarded API call.
type Step struct {
	When string         `yaml:"when,omitempty"`
	Call string         `yaml:"call"`
	Args map[string]any `yaml:"args,omitempty"`

	when  *vm.Program
	exprs map[string]*vm.Program
}

// Script is a compiled game.yaml.
type Script struct {
	Name                  string `yaml:"name,omitempty"`
	Game                  []Step `yaml:"game"`
	OnGenerationCancelled []Step `yaml:"on_generation_cancelled,omitempty"`
}

// Parse decodes and compiles a script. Every call and argument is checked
// against the API surface.
func Parse(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoGame
		}
		return nil, fmt.Errorf("failed to decode script: %w", err)
	}
	if len(s.Game) == 0 {
		return nil, ErrNoGame
	}
	for i := range s.Game {
		if err := s.Game[i].compile(); err != nil {
			return nil, fmt.Errorf("game step %d: %w", i+1, err)
		}
	}
	for i := range s.OnGenerationCancelled {
		if err := s.OnGenerationCancelled[i].compile(); err != nil {
			return nil, fmt.Errorf("on_generation_cancelled step %d: %w", i+1, err)
		}
	}
	return &s, nil
}

// ParseBytes is Parse over a byte slice.
func ParseBytes(data []byte) (*Script, error) {
	return Parse(bytes.NewReader(data))
}

// LoadFile reads and compiles the script at path.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return s, nil
}

func (st *Step) compile() error {
	call, ok := surface[st.Call]
	if !ok {
		return fmt.Errorf("call %q: %w", st.Call, ErrUnknownDataSpec)
	}
	for name := range st.Args {
		if !slices.ContainsFunc(call.params, func(p param) bool { return p.name == name }) {
			return fmt.Errorf("%s has no argument %q: %w", st.Call, name, ErrUnknownDataSpec)
		}
	}
	for _, p := range call.params {
		if _, ok := st.Args[p.name]; p.required && !ok {
			return fmt.Errorf("%s requires argument %q", st.Call, p.name)
		}
	}

	if st.When != "" {
		program, err := expr.Compile(st.When, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile condition %q: %w", st.When, err)
		}
		st.when = program
	}
	for name, v := range st.Args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "=") {
			continue
		}
		program, err := expr.Compile(strings.TrimPrefix(s, "="), expr.Env(Env{}))
		if err != nil {
			return fmt.Errorf("failed to compile argument %s: %w", name, err)
		}
		if st.exprs == nil {
			st.exprs = make(map[string]*vm.Program)
		}
		st.exprs[name] = program
	}
	return nil
}

// arguments resolves expression arguments against env.
func (st *Step) arguments(env Env) (map[string]any, error) {
	out := make(map[string]any, len(st.Args))
	for name, v := range st.Args {
		program, ok := st.exprs[name]
		if !ok {
			out[name] = v
			continue
		}
		resolved, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate argument %s: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}
