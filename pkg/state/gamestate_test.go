package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameState_SetGet(t *testing.T) {
	gs := NewGameState()

	require.NoError(t, gs.Set("player/hp", 50))
	require.NoError(t, gs.Set("/player/tags/", []any{"wounded"}))

	v, ok := gs.Lookup("player/hp")
	assert.True(t, ok)
	assert.Equal(t, 50, v)
	assert.True(t, gs.Has("player/tags"))
	assert.False(t, gs.Has("player/mana"))
	assert.Equal(t, "none", gs.Get("player/mana", "none"))

	err := gs.Set("player/hp/current", 10)
	assert.Error(t, err, "scalar values cannot hold children")
}

func TestGameState_Unset(t *testing.T) {
	gs := NewGameState()
	require.NoError(t, gs.Set("a/b/c", true))
	require.NoError(t, gs.Set("top", 1))

	gs.Unset("a/b/c")
	gs.Unset("top")
	gs.Unset("missing/path")

	assert.False(t, gs.Has("a/b/c"))
	assert.True(t, gs.Has("a/b"))
	assert.False(t, gs.Has("top"))
}

func TestGameState_SnapshotIsDetached(t *testing.T) {
	gs := NewGameState()
	require.NoError(t, gs.Set("inventory/items", []any{"key"}))

	snap := gs.Snapshot()
	snap["inventory"].(map[string]any)["items"] = []any{"sword"}

	assert.Equal(t, []any{"key"}, gs.Get("inventory/items", nil))
}

func TestGameState_JSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "wrapped", input: `{"variables":{"player":{"hp":50}}}`},
		{name: "bare", input: `{"player":{"hp":50}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs := NewGameState()
			require.NoError(t, json.Unmarshal([]byte(tt.input), gs))
			assert.Equal(t, float64(50), gs.Get("player/hp", nil))

			out, err := json.Marshal(gs)
			require.NoError(t, err)
			assert.JSONEq(t, `{"variables":{"player":{"hp":50}}}`, string(out))
		})
	}
}
