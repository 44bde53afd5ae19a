package scene

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/state"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

// sceneFile is the on-disk scene schema.
type sceneFile struct {
	Name                 string                 `json:"name"`
	Title                string                 `json:"title"`
	Description          string                 `json:"description"`
	Intro                string                 `json:"intro"`
	IntroVersions        []string               `json:"intro_versions"`
	Environment          Environment            `json:"environment"`
	Filename             string                 `json:"filename"`
	ImmutableSave        bool                   `json:"immutable_save"`
	Experimental         bool                   `json:"experimental"`
	Help                 string                 `json:"help"`
	RestoreFrom          string                 `json:"restore_from"`
	Context              string                 `json:"context"`
	TS                   string                 `json:"ts"`
	Turn                 int                    `json:"turn"`
	MemoryID             string                 `json:"memory_id"`
	MemorySessionID      string                 `json:"memory_session_id"`
	SavedMemorySessionID string                 `json:"saved_memory_session_id"`
	History              message.List           `json:"history"`
	ArchivedHistory      []ArchivedEntry        `json:"archived_history"`
	Characters           []*Character           `json:"characters"`
	InactiveCharacters   map[string]*Character  `json:"inactive_characters"`
	WorldState           *worldstate.WorldState `json:"world_state"`
	GameState            *state.GameState       `json:"game_state"`
	Assets               *AssetIndex            `json:"assets"`
}

// MarshalJSON writes the scene snapshot.
func (s *Scene) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	f := sceneFile{
		Name:                 s.Name,
		Title:                s.Title,
		Description:          s.Description,
		Intro:                s.Intro,
		IntroVersions:        slices.Clone(s.IntroVersions),
		Environment:          s.Environment,
		Filename:             s.Filename,
		ImmutableSave:        s.ImmutableSave,
		Experimental:         s.Experimental,
		Help:                 s.Help,
		RestoreFrom:          s.RestoreFrom,
		Context:              s.Context,
		TS:                   s.ts,
		Turn:                 s.turn,
		MemoryID:             s.MemoryID,
		MemorySessionID:      s.memorySessionID,
		SavedMemorySessionID: s.savedMemorySessionID,
		History:              slices.Clone(s.history),
		ArchivedHistory:      slices.Clone(s.archived),
		InactiveCharacters:   make(map[string]*Character, len(s.inactive)),
		WorldState:           s.worldState,
		GameState:            s.gameState,
		Assets:               s.assets.clone(),
	}
	for _, name := range s.order {
		f.Characters = append(f.Characters, s.characters[name].Clone())
	}
	for name, c := range s.inactive {
		f.InactiveCharacters[name] = c.Clone()
	}
	s.mu.RUnlock()

	if f.IntroVersions == nil {
		f.IntroVersions = []string{}
	}
	if f.History == nil {
		f.History = message.List{}
	}
	return json.Marshal(f)
}

// Decode builds a scene from a snapshot without touching the message id
// counter. Legacy string messages are promoted and given ids.
func Decode(data []byte, bus *signals.Bus, logger *slog.Logger) (*Scene, error) {
	f := sceneFile{
		WorldState: worldstate.New(),
		GameState:  state.NewGameState(),
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode scene: %w", err)
	}

	s := newEmpty(bus, logger)
	s.Name = f.Name
	s.Title = f.Title
	s.Description = f.Description
	s.Intro = f.Intro
	s.IntroVersions = f.IntroVersions
	if f.Environment != "" {
		s.Environment = f.Environment
	}
	s.Filename = f.Filename
	s.ImmutableSave = f.ImmutableSave
	s.Experimental = f.Experimental
	s.Help = f.Help
	s.RestoreFrom = f.RestoreFrom
	s.Context = f.Context
	s.turn = f.Turn
	s.MemoryID = f.MemoryID
	s.memorySessionID = f.MemorySessionID
	s.savedMemorySessionID = f.SavedMemorySessionID
	s.archived = f.ArchivedHistory
	if f.WorldState != nil {
		s.worldState = f.WorldState
	}
	if f.GameState != nil {
		s.gameState = f.GameState
	}
	if f.Assets != nil {
		s.assets = f.Assets
		if s.assets.Assets == nil {
			s.assets.Assets = make(map[string]*Asset)
		}
	}
	if f.TS != "" {
		if _, err := isodate.Parse(f.TS); err != nil {
			return nil, fmt.Errorf("failed to decode scene ts: %w", err)
		}
		s.ts = f.TS
	}
	if s.memorySessionID == "" {
		s.memorySessionID = newSessionID()
	}
	if s.savedMemorySessionID > s.memorySessionID {
		s.savedMemorySessionID = s.memorySessionID
	}

	for _, c := range f.Characters {
		if c == nil {
			continue
		}
		if err := s.AddCharacter(c); err != nil {
			return nil, fmt.Errorf("failed to load characters: %w", err)
		}
	}
	for name, c := range f.InactiveCharacters {
		if c == nil {
			continue
		}
		if c.Name == "" {
			c.Name = name
		}
		if err := s.AddInactiveCharacter(c); err != nil {
			return nil, fmt.Errorf("failed to load inactive characters: %w", err)
		}
	}

	var last uint64
	for _, m := range f.History {
		h := m.Head()
		if h.ID <= last {
			h.ID = last + 1
		}
		last = h.ID
		if name := s.characterOf(m); name != "" && !s.knownLocked(name) {
			s.logger.Warn("History references unknown character", "character", name, "id", h.ID)
		}
	}
	s.history = f.History
	return s, nil
}

// Load decodes a snapshot and resets the message id counter to continue
// after the highest id in history.
func Load(data []byte, bus *signals.Bus, logger *slog.Logger) (*Scene, error) {
	s, err := Decode(data, bus, logger)
	if err != nil {
		return nil, err
	}
	message.ResetIDs(s.LastMessageID())
	return s, nil
}

// LastMessageID is the id of the tail message or 0.
func (s *Scene) LastMessageID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.history); n > 0 {
		return s.history[n-1].Head().ID
	}
	return 0
}

// Clone returns an independent copy sharing the bus and logger.
func (s *Scene) Clone() (*Scene, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot scene: %w", err)
	}
	out, err := Decode(data, s.bus, s.logger)
	if err != nil {
		return nil, err
	}
	out.SaveDir = s.SaveDir
	return out, nil
}
