package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	filestorage "github.com/jwebster45206/talemate/internal/storage"
	"github.com/jwebster45206/talemate/pkg/nodes"
	"github.com/jwebster45206/talemate/pkg/script"
)

const countingGraph = `{
  "title": "counting",
  "nodes": [
    {"id": "entry", "type": "core/Entry"},
    {"id": "loop", "type": "core/Loop", "exit": "props.counter.value > 10",
     "graph": {"nodes": [{"id": "counter", "type": "core/Counter"}]}},
    {"id": "record", "type": "core/SetState", "properties": {"path": "counter/iterations"}}
  ],
  "edges": [
    {"from": "entry.state", "to": "loop.state"},
    {"from": "loop.iterations", "to": "record.value"}
  ]
}`

func writeSceneFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestRun_Script(t *testing.T) {
	a, path := fileApp(t)
	writeSceneFile(t, filepath.Dir(path), "game.yaml", `
game:
  - call: scene.set_state
    args: {path: quest/started, value: true}
  - when: has("quest/started")
    call: log.info
    args: {message: "quest started"}
`)

	out, err := run(t, a, "run", path, "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "Ran game.yaml on Harbor.")
	assert.Contains(t, out, `"started": true`)

	fs := filestorage.NewFileStorage(a.cfg.ScenesDir, filestorage.Options{}, testLogger())
	s, err := fs.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, true, s.GameState().Get("quest/started", false))
}

func TestRun_ScriptNeedsAgent(t *testing.T) {
	a, path := fileApp(t)
	writeSceneFile(t, filepath.Dir(path), "game.yaml", `
game:
  - call: director.direct
    args: {character: Bob}
`)

	_, err := run(t, a, "run", path)
	assert.ErrorIs(t, err, script.ErrUnavailable)
}

func TestRun_Graph(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		wantErr    error
		wantOutput string
	}{
		{name: "default limit", wantOutput: `"iterations": 11`},
		{name: "config limit", limit: 5, wantErr: nodes.ErrLoopLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, path := fileApp(t)
			a.cfg.MaxLoopIterations = tt.limit
			writeSceneFile(t, filepath.Dir(path), filepath.Join("nodes", "counting.json"), countingGraph)

			out, err := run(t, a, "run", path, "--graph", "counting", "-v")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, "Ran counting on Harbor.")
			assert.Contains(t, out, tt.wantOutput)
		})
	}
}

func TestRun_GraphFromPath(t *testing.T) {
	a, path := fileApp(t)
	graph := filepath.Join(t.TempDir(), "elsewhere.json")
	require.NoError(t, os.WriteFile(graph, []byte(countingGraph), 0o644))

	out, err := run(t, a, "run", path, "--graph", graph)
	require.NoError(t, err)
	assert.Contains(t, out, `"iterations": 11`)
}

func TestRun_MissingScript(t *testing.T) {
	a, path := fileApp(t)
	_, err := run(t, a, "run", path)
	assert.Error(t, err)
}
