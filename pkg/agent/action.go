package agent

import (
	"fmt"
	"maps"
	"slices"
)

// ActionConfig is one configurable option of an action.
type ActionConfig struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Value       any    `json:"value"`
	Min         any    `json:"min,omitempty"`
	Max         any    `json:"max,omitempty"`
	Step        any    `json:"step,omitempty"`
	Choices     []any  `json:"choices,omitempty"`
}

// Action is a toggleable agent capability with its options.
type Action struct {
	Enabled     bool                     `json:"enabled"`
	Label       string                   `json:"label,omitempty"`
	Description string                   `json:"description,omitempty"`
	Config      map[string]*ActionConfig `json:"config,omitempty"`
}

// Clone returns a deep copy.
func (a *Action) Clone() *Action {
	out := *a
	out.Config = make(map[string]*ActionConfig, len(a.Config))
	for k, c := range a.Config {
		cp := *c
		out.Config[k] = &cp
	}
	return &out
}

// Actions is an agent's action tree keyed by action name.
type Actions map[string]*Action

// Clone returns a deep copy.
func (a Actions) Clone() Actions {
	out := make(Actions, len(a))
	for k, v := range a {
		out[k] = v.Clone()
	}
	return out
}

// Merge applies enabled flags and config values from other onto a.
// Unknown actions and options are ignored so stale saved configs load.
func (a Actions) Merge(other Actions) {
	for name, src := range other {
		dst, ok := a[name]
		if !ok {
			continue
		}
		dst.Enabled = src.Enabled
		for key, cfg := range src.Config {
			if d, ok := dst.Config[key]; ok {
				d.Value = cfg.Value
			}
		}
	}
}

// Names returns the action names sorted.
func (a Actions) Names() []string {
	return slices.Sorted(maps.Keys(a))
}

func (a Actions) lookup(action, key string) (*ActionConfig, error) {
	act, ok := a[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentAction, action)
	}
	cfg, ok := act.Config[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAgentAction, action, key)
	}
	return cfg, nil
}
