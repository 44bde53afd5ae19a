package script

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeScene(t *testing.T) (*scene.Scene, context.Context) {
	t.Helper()
	s := scene.New("harbor", signals.NewBus(testLogger()), testLogger())
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Elmer", IsPlayer: true}))
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Kaira"}))
	sc, ctx := agent.NewScope(context.Background(), s)
	t.Cleanup(sc.Close)
	return s, ctx
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		errText string
	}{
		{name: "empty", body: "", wantErr: ErrNoGame},
		{name: "no game", body: "name: x\n", wantErr: ErrNoGame},
		{name: "unknown call", body: "game:\n  - call: scene.explode\n", wantErr: ErrUnknownDataSpec},
		{name: "unknown argument", body: "game:\n  - call: log.info\n    args: {message: hi, colour: red}\n", wantErr: ErrUnknownDataSpec},
		{name: "missing argument", body: "game:\n  - call: scene.set_state\n    args: {path: x}\n", errText: `requires argument "value"`},
		{name: "bad condition", body: "game:\n  - when: turn >>> 2\n    call: log.info\n    args: {message: hi}\n", errText: "failed to compile condition"},
		{name: "non-bool condition", body: "game:\n  - when: turn + 1\n    call: log.info\n    args: {message: hi}\n", errText: "failed to compile condition"},
		{name: "unknown field", body: "game:\n  - call: log.info\n    args: {message: hi}\n    retry: 3\n", errText: "failed to decode script"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.body))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

const harborScript = `
name: harbor
game:
  - call: vars.set
    args: {name: mood, value: "=get('weather') == 'storm' ? 'grim' : 'calm'"}
  - when: turn >= 2 && !has("quest/started")
    call: scene.set_state
    args: {path: quest/started, value: true}
  - when: active("Kaira")
    call: narrator.narrate
    args: {action: narrate_character_entry, character: Kaira, narrative_direction: "=vars.mood"}
  - call: log.info
    args: {message: "=scene + ' ran'"}
on_generation_cancelled:
  - call: scene.set_state
    args: {path: cancelled, value: true}
`

func TestRunner_Run(t *testing.T) {
	s, ctx := activeScene(t)
	require.NoError(t, s.GameState().Set("weather", "storm"))
	s.AdvanceTurn()
	s.AdvanceTurn()

	mock := client.NewMockClient("Kaira steps in from the rain.")
	sc := &GameInstructionScope{Narrator: agents.NewNarrator(mock, nil, testLogger()), Logger: testLogger()}
	r := NewRunner(writeScript(t, t.TempDir(), harborScript), false, testLogger())

	require.NoError(t, r.Run(ctx, sc))
	assert.Equal(t, "grim", sc.Vars()["mood"])
	assert.Equal(t, true, s.GameState().Get("quest/started", nil))
	require.Equal(t, 1, s.Len())
	m, _ := s.At(0)
	assert.Equal(t, message.KindNarrator, m.Kind())
	assert.Contains(t, mock.GetCalls()[0].Prompt, "Follow this direction: grim")

	require.NoError(t, r.Cancelled(ctx, sc))
	assert.Equal(t, true, s.GameState().Get("cancelled", nil))
}

func TestRunner_ConditionSkips(t *testing.T) {
	s, ctx := activeScene(t)
	sc := &GameInstructionScope{Logger: testLogger()}
	r := NewRunner(writeScript(t, t.TempDir(), `
game:
  - when: turn > 5
    call: scene.set_state
    args: {path: late, value: true}
`), false, testLogger())

	require.NoError(t, r.Run(ctx, sc))
	assert.False(t, s.GameState().Has("late"))
}

func TestRunner_CallErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		errText string
	}{
		{
			name:    "agent not configured",
			body:    "game:\n  - call: director.direct\n",
			wantErr: ErrUnavailable,
		},
		{
			name:    "argument type",
			body:    "game:\n  - call: creator.contextual_generate\n    args: {context: age, store_as: age, words: many}\n",
			errText: "expected integer",
		},
		{
			name:    "unknown character",
			body:    "game:\n  - call: scene.deactivate_character\n    args: {name: Nobody}\n",
			wantErr: scene.ErrUnknownCharacter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ctx := activeScene(t)
			sc := &GameInstructionScope{
				Creator: agents.NewCreator(client.NewMockClient(), nil, testLogger()),
				Logger:  testLogger(),
			}
			r := NewRunner(writeScript(t, t.TempDir(), tt.body), false, testLogger())
			err := r.Run(ctx, sc)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestRunner_NeedsActiveScene(t *testing.T) {
	r := NewRunner(writeScript(t, t.TempDir(), "game:\n  - call: log.info\n    args: {message: hi}\n"), false, testLogger())
	err := r.Run(context.Background(), &GameInstructionScope{})
	assert.ErrorIs(t, err, agent.ErrSceneInactive)
}

func TestRunner_DevModeRecompiles(t *testing.T) {
	s, ctx := activeScene(t)
	dir := t.TempDir()
	writeScript(t, dir, "game:\n  - call: scene.set_state\n    args: {path: version, value: 1}\n")
	r := ForScene(dir, true, testLogger())
	sc := &GameInstructionScope{Logger: testLogger()}

	require.NoError(t, r.Run(ctx, sc))
	assert.Equal(t, 1, s.GameState().Get("version", nil))

	writeScript(t, dir, "game:\n  - call: scene.set_state\n    args: {path: version, value: 2}\n")
	require.NoError(t, r.Run(ctx, sc))
	assert.Equal(t, 2, s.GameState().Get("version", nil))
}

func TestRunner_CachesOutsideDevMode(t *testing.T) {
	s, ctx := activeScene(t)
	dir := t.TempDir()
	writeScript(t, dir, "game:\n  - call: scene.set_state\n    args: {path: version, value: 1}\n")
	r := ForScene(dir, false, testLogger())
	sc := &GameInstructionScope{Logger: testLogger()}

	require.NoError(t, r.Run(ctx, sc))
	writeScript(t, dir, "game:\n  - call: scene.set_state\n    args: {path: version, value: 2}\n")
	require.NoError(t, r.Run(ctx, sc))
	assert.Equal(t, 1, s.GameState().Get("version", nil))
}

func TestRunner_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "game:\n  - call: log.info\n    args: {message: one}\n")
	r := ForScene(dir, false, testLogger())
	_, err := r.Load()
	require.NoError(t, err)

	reloaded := make(chan *Script, 4)
	r.OnReload(func(s *Script, err error) {
		if err == nil {
			reloaded <- s
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))

	writeScript(t, dir, "game:\n  - call: log.info\n    args: {message: two}\n  - call: log.info\n    args: {message: three}\n")
	select {
	case s := <-reloaded:
		assert.Len(t, s.Game, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("script was not reloaded")
	}
	current, err := r.Script()
	require.NoError(t, err)
	assert.True(t, strings.Contains(current.Game[1].Args["message"].(string), "three"))
}
