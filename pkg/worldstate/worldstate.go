// Package worldstate tracks what the story knows about its world: tracked
// reinforcement questions, context pins, manual context entries and
// snapshots of characters, items and locations.
package worldstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jwebster45206/talemate/pkg/conditionals"
)

var (
	ErrUnknownReinforcement = errors.New("unknown reinforcement")
	ErrDuplicateQuestion    = errors.New("reinforcement already tracked")
	ErrUnknownPin           = errors.New("unknown pin")
	ErrUnknownEntry         = errors.New("unknown manual context entry")
)

// InsertMode decides where a reinforcement answer goes.
type InsertMode string

const (
	InsertSequential          InsertMode = "sequential"
	InsertConversationContext InsertMode = "conversation-context"
	InsertNever               InsertMode = "never"
)

// Reinforcement is a question the world-state agent answers periodically.
type Reinforcement struct {
	Question       string     `json:"question"`
	Character      string     `json:"character,omitempty"`
	Instructions   string     `json:"instructions,omitempty"`
	IntervalTurns  int        `json:"interval"`
	InsertMode     InsertMode `json:"insert"`
	DueAtTurn      int        `json:"due"`
	LastAnswer     string     `json:"answer"`
	AnsweredAtTurn int        `json:"answered_at_turn"`
	MemoryID       string     `json:"memory_id,omitempty"`
}

// Key identifies a reinforcement by question and character.
func (r Reinforcement) Key() string {
	return r.Question + "\x00" + r.Character
}

// Pin surfaces a memory document or manual entry into prompt context.
// A pin without conditions is controlled by Active alone.
type Pin struct {
	EntryID             string               `json:"entry_id"`
	Condition           string               `json:"condition,omitempty"`
	GameStateConditions []conditionals.Group `json:"gamestate_condition,omitempty"`
	Active              bool                 `json:"active"`
}

// Conditional reports whether the pin's activity is decided by evaluation.
func (p Pin) Conditional() bool {
	return p.Condition != "" || len(p.GameStateConditions) > 0
}

// ManualContext is an authored or imported world entry.
type ManualContext struct {
	ID   string         `json:"id"`
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// CharacterSnapshot is the world state's view of one character.
type CharacterSnapshot struct {
	Snapshot string `json:"snapshot,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
}

// WorldState is safe for concurrent use.
type WorldState struct {
	mu             sync.RWMutex
	characters     map[string]CharacterSnapshot
	manualContext  map[string]ManualContext
	reinforcements []Reinforcement
	pins           map[string]Pin
	items          map[string]string
	locations      map[string]string
}

// New returns an empty world state.
func New() *WorldState {
	return &WorldState{
		characters:    make(map[string]CharacterSnapshot),
		manualContext: make(map[string]ManualContext),
		pins:          make(map[string]Pin),
		items:         make(map[string]string),
		locations:     make(map[string]string),
	}
}

// Reinforcements returns copies of the tracked reinforcements.
func (ws *WorldState) Reinforcements() []Reinforcement {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return slices.Clone(ws.reinforcements)
}

// Reinforcement finds a reinforcement by question and character.
func (ws *WorldState) Reinforcement(question, character string) (Reinforcement, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if i := ws.reinforcementIndex(question, character); i >= 0 {
		return ws.reinforcements[i], true
	}
	return Reinforcement{}, false
}

func (ws *WorldState) reinforcementIndex(question, character string) int {
	key := Reinforcement{Question: question, Character: character}.Key()
	for i, r := range ws.reinforcements {
		if r.Key() == key {
			return i
		}
	}
	return -1
}

// AddReinforcement starts tracking r. The first answer is due one interval
// after currentTurn unless r.DueAtTurn is already set.
func (ws *WorldState) AddReinforcement(r Reinforcement, currentTurn int) error {
	if r.Question == "" {
		return fmt.Errorf("reinforcement question is required")
	}
	if r.IntervalTurns <= 0 {
		r.IntervalTurns = 10
	}
	if r.InsertMode == "" {
		r.InsertMode = InsertSequential
	}
	switch r.InsertMode {
	case InsertSequential, InsertConversationContext, InsertNever:
	default:
		return fmt.Errorf("unknown insert mode %q", r.InsertMode)
	}
	if r.DueAtTurn <= 0 {
		r.DueAtTurn = currentTurn + r.IntervalTurns
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.reinforcementIndex(r.Question, r.Character) >= 0 {
		return fmt.Errorf("failed to add %q: %w", r.Question, ErrDuplicateQuestion)
	}
	ws.reinforcements = append(ws.reinforcements, r)
	return nil
}

// UpdateReinforcement applies fn to the stored reinforcement.
func (ws *WorldState) UpdateReinforcement(question, character string, fn func(r *Reinforcement)) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	i := ws.reinforcementIndex(question, character)
	if i < 0 {
		return fmt.Errorf("failed to update %q: %w", question, ErrUnknownReinforcement)
	}
	fn(&ws.reinforcements[i])
	return nil
}

// RemoveReinforcement stops tracking a question and returns what was removed.
func (ws *WorldState) RemoveReinforcement(question, character string) (Reinforcement, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	i := ws.reinforcementIndex(question, character)
	if i < 0 {
		return Reinforcement{}, fmt.Errorf("failed to remove %q: %w", question, ErrUnknownReinforcement)
	}
	r := ws.reinforcements[i]
	ws.reinforcements = slices.Delete(ws.reinforcements, i, i+1)
	return r, nil
}

// SetPin creates or replaces a pin.
func (ws *WorldState) SetPin(p Pin) error {
	if p.EntryID == "" {
		return fmt.Errorf("pin entry id is required")
	}
	if err := conditionals.Validate(p.GameStateConditions); err != nil {
		return fmt.Errorf("invalid pin conditions: %w", err)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.pins[p.EntryID] = p
	return nil
}

// RemovePin deletes the pin for entryID.
func (ws *WorldState) RemovePin(entryID string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.pins[entryID]; !ok {
		return fmt.Errorf("failed to remove pin %s: %w", entryID, ErrUnknownPin)
	}
	delete(ws.pins, entryID)
	return nil
}

// Pin returns the pin for entryID.
func (ws *WorldState) Pin(entryID string) (Pin, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	p, ok := ws.pins[entryID]
	return p, ok
}

// Pins returns all pins sorted by entry id.
func (ws *WorldState) Pins() []Pin {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]Pin, 0, len(ws.pins))
	for _, id := range slices.Sorted(maps.Keys(ws.pins)) {
		out = append(out, ws.pins[id])
	}
	return out
}

// IsPinActive reports whether entryID is pinned and currently active.
func (ws *WorldState) IsPinActive(entryID string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	p, ok := ws.pins[entryID]
	return ok && p.Active
}

func (ws *WorldState) setPinActive(entryID string, active bool) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	p, ok := ws.pins[entryID]
	if !ok || p.Active == active {
		return false
	}
	p.Active = active
	ws.pins[entryID] = p
	return true
}

// SetManualContext creates or replaces an entry.
func (ws *WorldState) SetManualContext(mc ManualContext) error {
	if mc.ID == "" {
		return fmt.Errorf("manual context id is required")
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	mc.Meta = maps.Clone(mc.Meta)
	ws.manualContext[mc.ID] = mc
	return nil
}

// ManualContext returns entry id.
func (ws *WorldState) ManualContext(id string) (ManualContext, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	mc, ok := ws.manualContext[id]
	mc.Meta = maps.Clone(mc.Meta)
	return mc, ok
}

// ManualContextEntries returns every entry sorted by id.
func (ws *WorldState) ManualContextEntries() []ManualContext {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]ManualContext, 0, len(ws.manualContext))
	for _, id := range slices.Sorted(maps.Keys(ws.manualContext)) {
		mc := ws.manualContext[id]
		mc.Meta = maps.Clone(mc.Meta)
		out = append(out, mc)
	}
	return out
}

// RemoveManualContext deletes an entry and any pin pointing at it.
func (ws *WorldState) RemoveManualContext(id string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.manualContext[id]; !ok {
		return fmt.Errorf("failed to remove %s: %w", id, ErrUnknownEntry)
	}
	delete(ws.manualContext, id)
	delete(ws.pins, id)
	return nil
}

// SetCharacter stores the snapshot of a character.
func (ws *WorldState) SetCharacter(name string, snap CharacterSnapshot) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.characters[name] = snap
}

// Character returns the snapshot of name.
func (ws *WorldState) Character(name string) (CharacterSnapshot, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	c, ok := ws.characters[name]
	return c, ok
}

// Characters returns a copy of every character snapshot.
func (ws *WorldState) Characters() map[string]CharacterSnapshot {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return maps.Clone(ws.characters)
}

// SetItem stores the description of an item.
func (ws *WorldState) SetItem(name, snapshot string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.items[name] = snapshot
}

// Items returns a copy of the item table.
func (ws *WorldState) Items() map[string]string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return maps.Clone(ws.items)
}

// SetLocation stores the description of a location.
func (ws *WorldState) SetLocation(name, snapshot string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.locations[name] = snapshot
}

// Locations returns a copy of the location table.
func (ws *WorldState) Locations() map[string]string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return maps.Clone(ws.locations)
}

// ContextEntries returns answers stored for conversation-context
// reinforcements, rendered as internal notes.
func (ws *WorldState) ContextEntries() []string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	var out []string
	for _, r := range ws.reinforcements {
		if r.InsertMode != InsertConversationContext || r.LastAnswer == "" {
			continue
		}
		if r.Character != "" {
			out = append(out, fmt.Sprintf("%s (%s): %s", r.Question, r.Character, r.LastAnswer))
		} else {
			out = append(out, fmt.Sprintf("%s: %s", r.Question, r.LastAnswer))
		}
	}
	return out
}

type wireState struct {
	Characters     map[string]CharacterSnapshot `json:"characters"`
	ManualContext  map[string]ManualContext     `json:"manual_context"`
	Reinforcements []Reinforcement              `json:"reinforce"`
	Pins           map[string]Pin               `json:"pins"`
	Items          map[string]string            `json:"items"`
	Locations      map[string]string            `json:"locations"`
}

func (ws *WorldState) MarshalJSON() ([]byte, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return json.Marshal(wireState{
		Characters:     ws.characters,
		ManualContext:  ws.manualContext,
		Reinforcements: ws.reinforcements,
		Pins:           ws.pins,
		Items:          ws.items,
		Locations:      ws.locations,
	})
}

func (ws *WorldState) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode world state: %w", err)
	}
	fresh := New()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.characters = orDefault(w.Characters, fresh.characters)
	ws.manualContext = orDefault(w.ManualContext, fresh.manualContext)
	ws.pins = orDefault(w.Pins, fresh.pins)
	ws.items = orDefault(w.Items, fresh.items)
	ws.locations = orDefault(w.Locations, fresh.locations)
	ws.reinforcements = w.Reinforcements
	return nil
}

func orDefault[K comparable, V any](m, def map[K]V) map[K]V {
	if m == nil {
		return def
	}
	return m
}

// Clone returns an independent copy.
func (ws *WorldState) Clone() *WorldState {
	data, err := json.Marshal(ws)
	if err != nil {
		return New()
	}
	out := New()
	if err := json.Unmarshal(data, out); err != nil {
		return New()
	}
	return out
}
