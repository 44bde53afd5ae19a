// Package state holds the dynamically typed game state of a scene.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// GameState is a key/value tree addressed by slash-delimited paths
// such as "player/hp".
type GameState struct {
	mu        sync.RWMutex
	Variables map[string]any `json:"variables"`
}

// NewGameState returns an empty game state.
func NewGameState() *GameState {
	return &GameState{Variables: make(map[string]any)}
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the value stored at path.
func (gs *GameState) Lookup(path string) (any, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return lookup(gs.Variables, splitPath(path))
}

func lookup(root map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 || root == nil {
		return nil, false
	}
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get returns the value at path or def when the path is missing.
func (gs *GameState) Get(path string, def any) any {
	if v, ok := gs.Lookup(path); ok {
		return v
	}
	return def
}

// Has reports whether path exists.
func (gs *GameState) Has(path string) bool {
	_, ok := gs.Lookup(path)
	return ok
}

// Set stores value at path, creating intermediate maps as needed.
func (gs *GameState) Set(path string, value any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty game state path")
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.Variables == nil {
		gs.Variables = make(map[string]any)
	}

	cur := gs.Variables
	for i, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q is not a container", strings.Join(parts[:i+1], "/"))
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// Unset removes the value at path. Missing paths are ignored.
func (gs *GameState) Unset(path string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	parent, ok := lookup(gs.Variables, parts[:len(parts)-1])
	if len(parts) == 1 {
		parent, ok = gs.Variables, gs.Variables != nil
	}
	if !ok {
		return
	}
	if m, isMap := parent.(map[string]any); isMap {
		delete(m, parts[len(parts)-1])
	}
}

// Snapshot returns a deep copy of the variable tree.
func (gs *GameState) Snapshot() map[string]any {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out, _ := deepCopy(gs.Variables).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}

// Clone returns an independent copy.
func (gs *GameState) Clone() *GameState {
	return &GameState{Variables: gs.Snapshot()}
}

// MarshalJSON writes the variable tree.
func (gs *GameState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Variables map[string]any `json:"variables"`
	}{Variables: gs.Snapshot()})
}

// UnmarshalJSON accepts {"variables": {...}} or a bare object.
func (gs *GameState) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("failed to decode game state: %w", err)
	}
	if wrapped.Variables == nil {
		var bare map[string]any
		if err := json.Unmarshal(data, &bare); err != nil {
			return fmt.Errorf("failed to decode game state: %w", err)
		}
		if _, hasKey := bare["variables"]; !hasKey {
			wrapped.Variables = bare
		}
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.Variables = wrapped.Variables
	if gs.Variables == nil {
		gs.Variables = make(map[string]any)
	}
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
