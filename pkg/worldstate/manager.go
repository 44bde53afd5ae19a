package worldstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/jwebster45206/talemate/pkg/conditionals"
	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/state"
)

// SceneLog is the part of a scene the manager drives.
type SceneLog interface {
	Turn() int
	TS() string
	History() []message.Message
	Push(ctx context.Context, msgs ...message.Message) error
	Remove(ctx context.Context, id uint64) (message.Message, error)
	GameState() *state.GameState
	WorldState() *WorldState
	HasCharacter(name string) bool
	ActivateCharacter(name string) error
	DeactivateCharacter(name string) error
}

// Answerer answers a tracked question, usually the world-state agent.
type Answerer interface {
	AnswerQuery(ctx context.Context, r Reinforcement) (string, error)
}

// ConditionChecker decides natural language pin conditions.
type ConditionChecker interface {
	CheckCondition(ctx context.Context, condition string) (bool, error)
}

// DocumentStore is the subset of long-term memory the manager writes to.
type DocumentStore interface {
	Add(ctx context.Context, doc memory.Document) (string, error)
	Get(ctx context.Context, id string) (memory.Document, error)
	Remove(ctx context.Context, id string) error
}

// Manager runs reinforcement cycles and pin evaluation for one scene.
type Manager struct {
	scene    SceneLog
	answerer Answerer
	checker  ConditionChecker
	memory   DocumentStore
	bus      *signals.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewManager creates a manager for scene.
func NewManager(scene SceneLog, answerer Answerer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		scene:    scene,
		answerer: answerer,
		logger:   logger,
		programs: make(map[string]*vm.Program),
	}
}

// WithConditionChecker enables natural language pin conditions.
func (m *Manager) WithConditionChecker(c ConditionChecker) *Manager {
	m.checker = c
	return m
}

// WithMemory stores reinforcement answers in long-term memory.
func (m *Manager) WithMemory(store DocumentStore) *Manager {
	m.memory = store
	return m
}

// WithBus emits world_state events after changes.
func (m *Manager) WithBus(bus *signals.Bus) *Manager {
	m.bus = bus
	return m
}

func (m *Manager) emit(ctx context.Context, action string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, signals.Event{Typ: signals.WorldState, Data: map[string]any{"action": action}})
}

// Tick answers every reinforcement due at the current turn and re-evaluates
// pins. A failed answer is logged and retried on the next tick.
func (m *Manager) Tick(ctx context.Context) int {
	turn := m.scene.Turn()
	answered := 0
	for _, r := range m.scene.WorldState().Reinforcements() {
		if r.DueAtTurn > turn {
			continue
		}
		if err := ctx.Err(); err != nil {
			return answered
		}
		if err := m.answer(ctx, r, turn); err != nil {
			m.logger.Error("Failed to answer reinforcement", "question", r.Question, "character", r.Character, "error", err)
			continue
		}
		answered++
	}

	m.EvaluatePins(ctx)
	if answered > 0 {
		m.emit(ctx, "reinforcements")
	}
	return answered
}

// Refresh answers a reinforcement now regardless of when it is due.
func (m *Manager) Refresh(ctx context.Context, question, character string) error {
	r, ok := m.scene.WorldState().Reinforcement(question, character)
	if !ok {
		return fmt.Errorf("failed to refresh %q: %w", question, ErrUnknownReinforcement)
	}
	if err := m.answer(ctx, r, m.scene.Turn()); err != nil {
		return err
	}
	m.emit(ctx, "reinforcements")
	return nil
}

// AddReinforcement tracks a new question due one interval from now.
func (m *Manager) AddReinforcement(ctx context.Context, r Reinforcement) error {
	if r.Character != "" && !m.scene.HasCharacter(r.Character) {
		return fmt.Errorf("failed to track %q for %s: unknown character", r.Question, r.Character)
	}
	if err := m.scene.WorldState().AddReinforcement(r, m.scene.Turn()); err != nil {
		return err
	}
	m.emit(ctx, "reinforcements")
	return nil
}

// RemoveReinforcement stops tracking a question, dropping its history
// message and memory document.
func (m *Manager) RemoveReinforcement(ctx context.Context, question, character string) error {
	r, err := m.scene.WorldState().RemoveReinforcement(question, character)
	if err != nil {
		return err
	}
	m.dropMessage(ctx, r)
	if m.memory != nil && r.MemoryID != "" {
		if err := m.memory.Remove(ctx, r.MemoryID); err != nil {
			m.logger.Warn("Failed to remove reinforcement memory", "memory_id", r.MemoryID, "error", err)
		}
	}
	m.emit(ctx, "reinforcements")
	return nil
}

func (m *Manager) answer(ctx context.Context, r Reinforcement, turn int) error {
	answer, err := m.answerer.AnswerQuery(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to answer %q: %w", r.Question, err)
	}

	if r.InsertMode == InsertSequential || r.InsertMode == "" {
		m.dropMessage(ctx, r)
		msg := message.NewReinforcementMessage(answer, r.Question, r.Character)
		if err := m.scene.Push(ctx, msg); err != nil {
			return fmt.Errorf("failed to push reinforcement: %w", err)
		}
	}

	memoryID := r.MemoryID
	if m.memory != nil {
		if memoryID != "" {
			if err := m.memory.Remove(ctx, memoryID); err != nil {
				m.logger.Debug("Previous reinforcement memory missing", "memory_id", memoryID, "error", err)
			}
		}
		meta := map[string]any{"typ": "reinforcement", "question": r.Question}
		if r.Character != "" {
			meta["character"] = r.Character
		}
		id, err := m.memory.Add(ctx, memory.Document{Text: r.Question + ": " + answer, Meta: meta})
		if err != nil {
			m.logger.Warn("Failed to store reinforcement in memory", "question", r.Question, "error", err)
			id = ""
		}
		memoryID = id
	}

	return m.scene.WorldState().UpdateReinforcement(r.Question, r.Character, func(stored *Reinforcement) {
		stored.LastAnswer = answer
		stored.AnsweredAtTurn = turn
		stored.DueAtTurn = turn + stored.IntervalTurns
		stored.MemoryID = memoryID
	})
}

// dropMessage removes earlier reinforcement messages for the same question.
func (m *Manager) dropMessage(ctx context.Context, r Reinforcement) {
	for _, msg := range m.scene.History() {
		rm, ok := msg.(*message.ReinforcementMessage)
		if !ok || rm.Question() != r.Question || rm.Character() != r.Character {
			continue
		}
		if _, err := m.scene.Remove(ctx, rm.ID); err != nil {
			m.logger.Warn("Failed to remove reinforcement message", "id", rm.ID, "error", err)
		}
	}
}

// EvaluatePins recomputes the active flag of every conditional pin and
// returns the entry ids whose state changed.
func (m *Manager) EvaluatePins(ctx context.Context) []string {
	ws := m.scene.WorldState()
	gs := m.scene.GameState()
	var changed []string

	for _, p := range ws.Pins() {
		if !p.Conditional() {
			continue
		}
		active := true
		if len(p.GameStateConditions) > 0 {
			active = conditionals.EvaluateGroups(p.GameStateConditions, gs)
		}
		if active && p.Condition != "" {
			ok, err := m.checkCondition(ctx, p.Condition)
			if err != nil {
				m.logger.Warn("Failed to evaluate pin condition", "entry_id", p.EntryID, "condition", p.Condition, "error", err)
			}
			active = ok
		}
		if ws.setPinActive(p.EntryID, active) {
			changed = append(changed, p.EntryID)
		}
	}

	if len(changed) > 0 {
		m.emit(ctx, "pins")
	}
	return changed
}

func (m *Manager) checkCondition(ctx context.Context, condition string) (bool, error) {
	m.mu.Lock()
	program, cached := m.programs[condition]
	if !cached {
		compiled, err := expr.Compile(condition)
		if err == nil {
			program = compiled
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	if program == nil {
		if m.checker == nil {
			return false, fmt.Errorf("condition is not an expression and no checker is configured")
		}
		return m.checker.CheckCondition(ctx, condition)
	}

	gs := m.scene.GameState()
	env := map[string]any{
		"game_state": gs.Snapshot(),
		"turn":       m.scene.Turn(),
		"ts":         m.scene.TS(),
		"get":        func(path string) any { return gs.Get(path, nil) },
		"has":        gs.Has,
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, expected bool", out)
	}
	return b, nil
}

// PinnedContext resolves the text of every active pin. Manual entries are
// read from the world state, anything else from long-term memory.
func (m *Manager) PinnedContext(ctx context.Context) []string {
	ws := m.scene.WorldState()
	var out []string
	for _, p := range ws.Pins() {
		if !p.Active {
			continue
		}
		if mc, ok := ws.ManualContext(p.EntryID); ok {
			out = append(out, mc.Text)
			continue
		}
		if m.memory == nil {
			continue
		}
		doc, err := m.memory.Get(ctx, p.EntryID)
		if err != nil {
			m.logger.Debug("Pinned entry not found", "entry_id", p.EntryID, "error", err)
			continue
		}
		out = append(out, doc.Text)
	}
	return out
}

// ValidatePins removes pins whose entry no longer exists and returns how many
// were dropped. Without a memory store, pins that are not manual context
// cannot be checked and are kept.
func (m *Manager) ValidatePins(ctx context.Context) int {
	ws := m.scene.WorldState()
	removed, unchecked := 0, 0
	for _, p := range ws.Pins() {
		if _, ok := ws.ManualContext(p.EntryID); ok {
			continue
		}
		if m.memory == nil {
			unchecked++
			continue
		}
		if _, err := m.memory.Get(ctx, p.EntryID); err == nil {
			continue
		}
		if err := ws.RemovePin(p.EntryID); err == nil {
			removed++
			m.logger.Info("Removed dangling pin", "entry_id", p.EntryID)
		}
	}
	if unchecked > 0 {
		m.logger.Info("Kept memory pins without a memory store to check them", "pins", unchecked)
	}
	return removed
}

// ValidateReinforcements drops reinforcements about characters the scene no
// longer knows and returns how many were dropped.
func (m *Manager) ValidateReinforcements(ctx context.Context) int {
	ws := m.scene.WorldState()
	removed := 0
	for _, r := range ws.Reinforcements() {
		if r.Character == "" || m.scene.HasCharacter(r.Character) {
			continue
		}
		if _, err := ws.RemoveReinforcement(r.Question, r.Character); err == nil {
			removed++
		}
	}
	return removed
}

// ActivateCharacter moves a character back into the active roster.
func (m *Manager) ActivateCharacter(ctx context.Context, name string) error {
	if err := m.scene.ActivateCharacter(name); err != nil {
		return err
	}
	m.emit(ctx, "activate_character")
	return nil
}

// DeactivateCharacter moves a character to the inactive roster.
func (m *Manager) DeactivateCharacter(ctx context.Context, name string) error {
	if err := m.scene.DeactivateCharacter(name); err != nil {
		return err
	}
	m.emit(ctx, "deactivate_character")
	return nil
}

// ImportManualContext stores entries. Existing ids are kept unless overwrite
// is set. It returns the number of entries written.
func (m *Manager) ImportManualContext(ctx context.Context, entries []ManualContext, overwrite bool) (int, error) {
	ws := m.scene.WorldState()
	n := 0
	for _, e := range entries {
		if _, exists := ws.ManualContext(e.ID); exists && !overwrite {
			continue
		}
		if err := ws.SetManualContext(e); err != nil {
			return n, fmt.Errorf("failed to import %s: %w", e.ID, err)
		}
		n++
	}
	if n > 0 {
		m.emit(ctx, "manual_context")
	}
	return n, nil
}
