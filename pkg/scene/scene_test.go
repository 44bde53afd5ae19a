package scene

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []signals.Event
}

func (r *recorder) receive(_ context.Context, ev signals.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []signals.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signals.Signal, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Typ
	}
	return out
}

func newTestScene(t *testing.T) (*Scene, *recorder) {
	t.Helper()
	bus := signals.NewBus(testLogger())
	rec := &recorder{}
	bus.ConnectAll(rec.receive)
	s := New("test", bus, testLogger())
	require.NoError(t, s.AddCharacter(&Character{Name: "Elmer", IsPlayer: true}))
	require.NoError(t, s.AddCharacter(&Character{Name: "Kaira"}))
	return s, rec
}

func TestPush_AssignsIncreasingIDsAndSignals(t *testing.T) {
	s, rec := newTestScene(t)
	ctx := context.Background()

	err := s.Push(ctx,
		message.NewCharacterMessage("Elmer", "Hello."),
		message.NewCharacterMessage("Kaira", "Hi."),
		message.NewDirectorMessage("Be curious", "Kaira"),
		message.NewSceneMessage("The ship hums."),
	)
	require.NoError(t, err)

	var last uint64
	for _, m := range s.History() {
		assert.Greater(t, m.Head().ID, last)
		last = m.Head().ID
	}
	assert.Equal(t, uint64(4), last)
	assert.Equal(t, []signals.Signal{signals.Player, signals.Character, signals.Director, signals.System}, rec.types())
}

func TestPush_RejectsUnknownCharacter(t *testing.T) {
	s, _ := newTestScene(t)
	err := s.Push(context.Background(), message.NewCharacterMessage("Nobody", "Hm."))
	assert.ErrorIs(t, err, ErrUnknownCharacter)
	assert.Equal(t, 0, s.Len())
}

func TestPush_BatchIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []message.Message
		wantErr error
	}{
		{
			name: "unknown character after known",
			msgs: []message.Message{
				message.NewTimePassageMessage("P1D", "A day passes."),
				message.NewCharacterMessage("Kaira", "Hi."),
				message.NewCharacterMessage("Ghost", "Boo."),
			},
			wantErr: ErrUnknownCharacter,
		},
		{
			name: "negative time after valid time",
			msgs: []message.Message{
				message.NewTimePassageMessage("P1D", "A day passes."),
				message.NewTimePassageMessage("-P2D", "Back in time."),
			},
			wantErr: ErrNegativeTime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestScene(t)
			events := len(rec.types())
			ts := s.TS()
			lastID := message.LastID()

			err := s.Push(context.Background(), tt.msgs...)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, s.Len())
			assert.Len(t, rec.types(), events)
			assert.Equal(t, ts, s.TS())
			assert.Equal(t, lastID, message.LastID())
		})
	}
}

func TestReinsert_KeepsIDs(t *testing.T) {
	s, rec := newTestScene(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx,
		message.NewCharacterMessage("Elmer", "Hello."),
		message.NewTimePassageMessage("PT1H", "An hour passes."),
		message.NewCharacterMessage("Kaira", "Hi."),
	))
	history := s.History()
	mid, last := history[1].Head().ID, history[2].Head().ID

	removedLast, err := s.Remove(ctx, last)
	require.NoError(t, err)
	removedMid, err := s.Remove(ctx, mid)
	require.NoError(t, err)
	require.Equal(t, "PT0S", s.TS())

	events := len(rec.types())
	require.NoError(t, s.Reinsert(ctx, removedLast, removedMid))

	var got []uint64
	for _, m := range s.History() {
		got = append(got, m.Head().ID)
	}
	assert.Equal(t, []uint64{history[0].Head().ID, mid, last}, got)
	assert.Equal(t, "PT1H", s.TS())
	assert.Len(t, rec.types(), events+2)

	err = s.Reinsert(ctx, removedMid)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.ErrorIs(t, s.Reinsert(ctx, message.NewSceneMessage("No id.")), ErrDuplicateID)
	assert.Equal(t, 3, s.Len())
}

func TestCharacters_Roster(t *testing.T) {
	s, _ := newTestScene(t)

	t.Run("second player rejected", func(t *testing.T) {
		err := s.AddCharacter(&Character{Name: "Other", IsPlayer: true})
		assert.ErrorIs(t, err, ErrMultiplePlayers)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := s.AddCharacter(&Character{Name: "Kaira"})
		assert.ErrorIs(t, err, ErrDuplicateName)
	})

	t.Run("deactivate and activate", func(t *testing.T) {
		require.NoError(t, s.DeactivateCharacter("Kaira"))
		assert.False(t, s.IsActive("Kaira"))
		assert.False(t, s.HasActor("Kaira"))
		assert.True(t, s.HasCharacter("Kaira"))

		require.NoError(t, s.ActivateCharacter("Kaira"))
		assert.True(t, s.IsActive("Kaira"))
		assert.True(t, s.HasActor("Kaira"))
	})

	t.Run("update keeps name", func(t *testing.T) {
		require.NoError(t, s.UpdateCharacter("Kaira", func(c *Character) {
			c.Name = "Renamed"
			c.Description = "Engineer"
		}))
		c, ok := s.Character("Kaira")
		require.True(t, ok)
		assert.Equal(t, "Engineer", c.Description)
	})

	t.Run("update cannot add a second player", func(t *testing.T) {
		err := s.UpdateCharacter("Kaira", func(c *Character) { c.IsPlayer = true })
		assert.ErrorIs(t, err, ErrMultiplePlayers)
		c, _ := s.Character("Kaira")
		assert.False(t, c.IsPlayer)
	})

	t.Run("npcs exclude the player", func(t *testing.T) {
		npcs := s.NPCs()
		require.Len(t, npcs, 1)
		assert.Equal(t, "Kaira", npcs[0].Name)
	})
}

func TestEditAndHide_Idempotent(t *testing.T) {
	s, rec := newTestScene(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, message.NewCharacterMessage("Kaira", "Hi.")))
	id := s.LastMessageID()

	require.NoError(t, s.Edit(ctx, id, "Hello there."))
	m, _ := s.Message(id)
	assert.Equal(t, "Kaira: Hello there.", m.Head().Message)
	assert.Equal(t, uint32(1), m.Head().Rev)

	require.NoError(t, s.Edit(ctx, id, "Kaira: Hello there."))
	m, _ = s.Message(id)
	assert.Equal(t, uint32(1), m.Head().Rev)

	require.NoError(t, s.Hide(ctx, id))
	require.NoError(t, s.Hide(ctx, id))
	require.NoError(t, s.Unhide(ctx, id))
	m, _ = s.Message(id)
	assert.False(t, m.Head().Hidden())

	edited := 0
	for _, typ := range rec.types() {
		if typ == signals.MessageEdited {
			edited++
		}
	}
	assert.Equal(t, 3, edited)

	assert.ErrorIs(t, s.Edit(ctx, 999, "x"), ErrMessageNotFound)

	s.ImmutableSave = true
	assert.ErrorIs(t, s.Edit(ctx, id, "nope"), ErrImmutable)
}

func TestPopAndTruncate(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) *Scene {
		s, _ := newTestScene(t)
		require.NoError(t, s.Push(ctx,
			message.NewCharacterMessage("Elmer", "one"),
			message.NewSceneMessage("two"),
			message.NewCharacterMessage("Kaira", "three"),
			message.NewSceneMessage("four"),
		))
		return s
	}

	tests := []struct {
		name    string
		opts    PopOptions
		removed []uint64
		left    int
	}{
		{name: "tail", opts: PopOptions{}, removed: []uint64{4}, left: 3},
		{name: "tail of kind", opts: PopOptions{Kind: message.KindCharacter}, removed: []uint64{3}, left: 3},
		{name: "all of kind", opts: PopOptions{Kind: message.KindScene, All: true}, removed: []uint64{4, 2}, left: 2},
		{name: "from head", opts: PopOptions{Kind: message.KindScene, Reverse: true}, removed: []uint64{2}, left: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seed(t)
			removed := s.Pop(ctx, tt.opts)
			var ids []uint64
			for _, m := range removed {
				ids = append(ids, m.Head().ID)
			}
			assert.Equal(t, tt.removed, ids)
			assert.Equal(t, tt.left, s.Len())
		})
	}

	t.Run("truncate after", func(t *testing.T) {
		s := seed(t)
		removed := s.TruncateAfter(ctx, 2)
		assert.Len(t, removed, 2)
		assert.Equal(t, uint64(2), s.LastMessageID())
	})
}

func TestContextHistory(t *testing.T) {
	s, _ := newTestScene(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx,
		message.NewCharacterMessage("Elmer", "aaaa"),
		message.NewDirectorMessage("stay calm", "Kaira"),
		message.NewDirectorMessage("be loud", "Elmer"),
		message.NewCharacterMessage("Kaira", "bbbb"),
	))
	count := func(string) int { return 1 }

	t.Run("budget keeps the newest suffix", func(t *testing.T) {
		out := s.ContextHistory(ContextOptions{Budget: 1, Count: count})
		assert.Equal(t, []string{"Kaira: bbbb"}, out)
	})

	t.Run("director messages dropped by default", func(t *testing.T) {
		out := s.ContextHistory(ContextOptions{Budget: 10, Count: count})
		assert.Equal(t, []string{"Elmer: aaaa", "Kaira: bbbb"}, out)
	})

	t.Run("director for character rendered as monologue", func(t *testing.T) {
		out := s.ContextHistory(ContextOptions{Budget: 10, Count: count, Director: DirectorPolicy{Character: "Kaira"}})
		assert.Equal(t, []string{"Elmer: aaaa", "*Kaira thinks: stay calm*", "Kaira: bbbb"}, out)
	})

	t.Run("hidden messages skipped", func(t *testing.T) {
		require.NoError(t, s.Hide(ctx, 1))
		out := s.ContextHistory(ContextOptions{Budget: 10, Count: count})
		assert.Equal(t, []string{"Kaira: bbbb"}, out)
	})

	t.Run("archived summaries come first", func(t *testing.T) {
		s.ArchiveHistory(ctx, "Earlier things happened.", 0)
		out := s.ContextHistory(ContextOptions{Budget: 10, Count: count, IncludeArchived: true})
		assert.Equal(t, []string{"Earlier things happened.", "Kaira: bbbb"}, out)
	})
}

func TestTime(t *testing.T) {
	s, _ := newTestScene(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, message.NewTimePassageMessage("P2D", "")))
	require.NoError(t, s.Push(ctx, message.NewTimePassageMessage("PT5H", "")))
	assert.Equal(t, "P2DT5H", s.TS())

	err := s.Push(ctx, message.NewTimePassageMessage("-P1D", ""))
	assert.ErrorIs(t, err, ErrNegativeTime)

	s.Pop(ctx, PopOptions{Kind: message.KindTime})
	assert.Equal(t, "P2D", s.TS())

	entry := s.ArchiveHistory(ctx, "summary", s.LastMessageID())
	assert.Equal(t, "P2D", entry.TS)
	require.NoError(t, s.Push(ctx, message.NewTimePassageMessage("P1D", "")))
	s.SyncTime()
	assert.Equal(t, "P3D", s.TS())
}

func TestAssets(t *testing.T) {
	s, _ := newTestScene(t)
	s.SaveDir = t.TempDir()

	a, err := s.AddAsset([]byte("png-bytes"), "png", "image/png", &AssetMeta{Name: "cover"})
	require.NoError(t, err)
	b, err := s.AddAsset([]byte("png-bytes"), "png", "image/png", nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, s.Assets().Assets, 1)

	data, err := s.AssetData(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	require.NoError(t, s.SetCoverImage(a.ID))
	require.NoError(t, s.RemoveAsset(a.ID))
	assert.Empty(t, s.Assets().CoverImage)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s, _ := newTestScene(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx,
		message.NewCharacterMessage("Elmer", "Hello."),
		message.NewTimePassageMessage("P1D", ""),
	))
	require.NoError(t, s.DeactivateCharacter("Kaira"))
	require.NoError(t, s.GameState().Set("quest/stage", 2))
	s.AdvanceTurn()

	data, err := json.Marshal(s)
	require.NoError(t, err)

	loaded, err := Load(data, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, s.Name, loaded.Name)
	assert.Equal(t, "P1D", loaded.TS())
	assert.Equal(t, 1, loaded.Turn())
	assert.Equal(t, 2, loaded.Len())
	assert.False(t, loaded.IsActive("Kaira"))
	assert.True(t, loaded.HasCharacter("Kaira"))
	assert.Equal(t, float64(2), loaded.GameState().Get("quest/stage", nil))
	assert.Equal(t, s.MemorySessionID(), loaded.MemorySessionID())
	assert.Equal(t, uint64(2), message.LastID())
}

func TestSnapshot_LegacyHistory(t *testing.T) {
	data := []byte(`{
		"name": "legacy",
		"characters": [{"name": "Elmer", "is_player": true}],
		"history": ["Elmer: Hi.", "*The wind howls.*", "Director instructs Elmer: Look around."],
		"saved_memory_session_id": "zzzz",
		"memory_session_id": "aaaa"
	}`)
	s, err := Load(data, nil, testLogger())
	require.NoError(t, err)

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, message.KindCharacter, hist[0].Kind())
	assert.Equal(t, message.KindNarrator, hist[1].Kind())
	assert.Equal(t, message.KindDirector, hist[2].Kind())
	for i, m := range hist {
		assert.Equal(t, uint64(i+1), m.Head().ID)
	}
	assert.Equal(t, "aaaa", s.SavedMemorySessionID())
}

func TestSnapshot_RejectsBadTS(t *testing.T) {
	_, err := Decode([]byte(`{"name": "x", "ts": "yesterday"}`), nil, testLogger())
	assert.Error(t, err)
}

func TestClone_IsIndependent(t *testing.T) {
	s, _ := newTestScene(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, message.NewSceneMessage("start")))
	s.SaveDir = "/tmp/x"

	cp, err := s.Clone()
	require.NoError(t, err)
	require.NoError(t, cp.Edit(ctx, 1, "changed"))

	orig, _ := s.Message(1)
	assert.Equal(t, "start", orig.Head().Message)
	assert.Equal(t, "/tmp/x", cp.SaveDir)
}

func TestActiveContext(t *testing.T) {
	s, _ := newTestScene(t)
	ctx := WithActive(context.Background(), s)
	got, ok := Active(ctx)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = Active(context.Background())
	assert.False(t, ok)
}
