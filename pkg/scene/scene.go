// Package scene holds the scene model: characters, the message log, time,
// assets and the world and game state a scene owns.
package scene

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/state"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

var (
	ErrUnknownCharacter = errors.New("unknown character")
	ErrImmutable        = errors.New("scene is immutable")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMultiplePlayers  = errors.New("scene already has a player character")
	ErrDuplicateName    = errors.New("character already exists")
	ErrNegativeTime     = errors.New("time cannot move backwards")
	ErrDuplicateID      = errors.New("message id already in history")
)

// Environment is the mode a scene runs in.
type Environment string

const (
	EnvironmentScene    Environment = "scene"
	EnvironmentCreative Environment = "creative"
)

// ArchivedEntry is a summary of history up to message End.
type ArchivedEntry struct {
	Text string `json:"text"`
	TS   string `json:"ts"`
	End  uint64 `json:"end,omitempty"`
}

// TokenCounter counts the tokens of a text for a specific model.
type TokenCounter func(text string) int

// ApproxTokens is a rough counter for tooling that has no tokenizer.
func ApproxTokens(text string) int {
	return (len(text) + 3) / 4
}

// Scene is the persistent container of a story.
// Metadata fields are exported; history, roster, time and memory session
// state are only reachable through methods that return copies.
type Scene struct {
	Name          string      `json:"name"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Intro         string      `json:"intro"`
	IntroVersions []string    `json:"intro_versions"`
	Environment   Environment `json:"environment"`
	Context       string      `json:"context"`
	Filename      string      `json:"filename"`
	SaveDir       string      `json:"-"`
	Help          string      `json:"help"`
	RestoreFrom   string      `json:"restore_from"`
	MemoryID      string      `json:"memory_id"`
	ImmutableSave bool        `json:"immutable_save"`
	Experimental  bool        `json:"experimental"`

	mu                   sync.RWMutex
	history              []message.Message
	archived             []ArchivedEntry
	characters           map[string]*Character
	order                []string
	inactive             map[string]*Character
	actors               map[string]struct{}
	ts                   string
	turn                 int
	memorySessionID      string
	savedMemorySessionID string
	assets               *AssetIndex

	worldState *worldstate.WorldState
	gameState  *state.GameState

	bus    *signals.Bus
	logger *slog.Logger
}

// New creates an empty scene and resets the message id counter.
func New(name string, bus *signals.Bus, logger *slog.Logger) *Scene {
	message.ResetIDs(0)
	s := newEmpty(bus, logger)
	s.Name = name
	s.MemoryID = uuid.NewString()
	s.memorySessionID = newSessionID()
	return s
}

func newEmpty(bus *signals.Bus, logger *slog.Logger) *Scene {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scene{
		Environment: EnvironmentScene,
		characters:  make(map[string]*Character),
		inactive:    make(map[string]*Character),
		actors:      make(map[string]struct{}),
		ts:          isodate.Zero,
		assets:      newAssetIndex(),
		worldState:  worldstate.New(),
		gameState:   state.NewGameState(),
		bus:         bus,
		logger:      logger,
	}
}

// newSessionID returns a time ordered id so sessions compare lexicographically.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Bus returns the scene's event bus. It may be nil.
func (s *Scene) Bus() *signals.Bus { return s.bus }

// SetBus attaches a bus, replacing any previous one.
func (s *Scene) SetBus(bus *signals.Bus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

// Logger returns the scene logger.
func (s *Scene) Logger() *slog.Logger { return s.logger }

func (s *Scene) emit(ctx context.Context, ev signals.Event) {
	s.mu.RLock()
	bus := s.bus
	s.mu.RUnlock()
	if bus == nil {
		return
	}
	if ev.Scene == "" {
		ev.Scene = s.Name
	}
	bus.Emit(ctx, ev)
}

// WorldState returns the scene's world state.
func (s *Scene) WorldState() *worldstate.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worldState
}

// GameState returns the scene's game state.
func (s *Scene) GameState() *state.GameState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameState
}

// Turn returns the current turn number.
func (s *Scene) Turn() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

// AdvanceTurn increments the turn counter and returns the new value.
func (s *Scene) AdvanceTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

// MemorySessionID identifies the current run of memory writes.
func (s *Scene) MemorySessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memorySessionID
}

// SavedMemorySessionID is the session last persisted by a save.
func (s *Scene) SavedMemorySessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.savedMemorySessionID
}

// NewMemorySession starts a new memory session and returns its id.
func (s *Scene) NewMemorySession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySessionID = newSessionID()
	return s.memorySessionID
}

// MarkMemorySaved records the current session as persisted.
func (s *Scene) MarkMemorySaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedMemorySessionID = s.memorySessionID
}

// SetIntro replaces the intro, keeping the previous text as a version.
func (s *Scene) SetIntro(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Intro != "" && s.Intro != text {
		s.addIntroVersion(s.Intro)
	}
	s.Intro = text
}

// AddIntroVersion stores an alternative intro.
func (s *Scene) AddIntroVersion(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addIntroVersion(text)
}

func (s *Scene) addIntroVersion(text string) {
	for _, v := range s.IntroVersions {
		if v == text {
			return
		}
	}
	s.IntroVersions = append(s.IntroVersions, text)
}

type activeKey struct{}

// WithActive returns a context carrying s as the active scene.
func WithActive(ctx context.Context, s *Scene) context.Context {
	return context.WithValue(ctx, activeKey{}, s)
}

// Active returns the scene carried by ctx.
func Active(ctx context.Context) (*Scene, bool) {
	s, ok := ctx.Value(activeKey{}).(*Scene)
	return s, ok && s != nil
}
