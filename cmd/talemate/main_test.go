package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/internal/config"
	filestorage "github.com/jwebster45206/talemate/internal/storage"
	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/message"
	queuePkg "github.com/jwebster45206/talemate/pkg/queue"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/storage"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment:   "test",
		ScenesDir:     t.TempDir(),
		MemoryBackend: config.MemoryBackendMemory,
		AutoBackup:    true,
		MaxBackups:    5,
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	a.out = &buf
	if a.logger == nil {
		a.logger = testLogger()
	}
	if a.cfg == nil {
		a.cfg = testConfig(t)
	}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return buf.String(), err
}

func harbor(t *testing.T) *scene.Scene {
	t.Helper()
	ctx := context.Background()
	s := scene.New("Harbor", nil, testLogger())
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Alice", IsPlayer: true}))
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Bob", Color: "#3b82f6"}))
	require.NoError(t, s.Push(ctx,
		message.NewSceneMessage("Fog rolls over the docks."),
		message.NewCharacterMessage("Alice", "Alice: Hello?"),
		message.NewCharacterMessage("Bob", "Bob: Over here, by the lamp."),
		message.NewDirectorMessage("Bob should sound nervous.", "Bob"),
	))
	require.NoError(t, s.WorldState().SetManualContext(worldstate.ManualContext{ID: "lore.docks", Text: "The docks are old."}))
	s.Filename = "harbor.json"
	return s
}

// mockApp seeds a mock storage with the harbor scene saved n times.
func mockApp(t *testing.T, saves int) (*app, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	s := harbor(t)
	for range saves {
		require.NoError(t, store.Save(context.Background(), s))
	}
	return &app{store: store}, store
}

// fileApp saves the harbor scene to a real scenes directory and returns
// the scene file path.
func fileApp(t *testing.T) (*app, string) {
	t.Helper()
	cfg := testConfig(t)
	s := harbor(t)
	s.Filename = ""
	fs := filestorage.NewFileStorage(cfg.ScenesDir, filestorage.Options{}, testLogger())
	require.NoError(t, fs.Save(context.Background(), s))
	return &app{cfg: cfg}, filepath.Join(s.SaveDir, s.Filename)
}

func TestValidate_Valid(t *testing.T) {
	a, _ := mockApp(t, 1)
	out, err := run(t, a, "validate", "harbor.json")
	require.NoError(t, err)
	assert.Contains(t, out, "harbor.json is valid (4 messages, 2 characters)")
}

func TestValidate_Issues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	raw := map[string]any{
		"name": "",
		"history": []any{
			"Ghost: Boo.",
			map[string]any{"typ": "time", "message": "Later", "ts": "soon"},
		},
		"world_state": map[string]any{
			"pins": map[string]any{"lore.missing": map[string]any{"entry_id": "lore.missing", "active": true}},
		},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := run(t, &app{}, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "Errors (2):")
	assert.Contains(t, out, "name is empty")
	assert.Contains(t, out, `invalid time passage "soon"`)
	assert.Contains(t, out, `character "Ghost" is not part of the scene`)
}

func TestValidate_Modules(t *testing.T) {
	a, path := fileApp(t)
	nodesDir := filepath.Join(filepath.Dir(path), "nodes")
	require.NoError(t, os.MkdirAll(nodesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nodesDir, "bad.json"), []byte("{not json"), 0o644))

	out, err := run(t, a, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "nodes:")
}

func TestValidate_MissingFile(t *testing.T) {
	a, _ := mockApp(t, 1)
	_, err := run(t, a, "validate", "nowhere.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistory(t *testing.T) {
	a, store := mockApp(t, 1)
	s, err := store.Load(context.Background(), "harbor.json")
	require.NoError(t, err)
	require.NoError(t, s.Hide(context.Background(), s.History()[3].Head().ID))
	require.NoError(t, store.Save(context.Background(), s))

	out, err := run(t, a, "history", "harbor.json", "--width", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "Harbor")
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "  Over here, by the")
	assert.NotContains(t, out, "nervous")

	out, err = run(t, a, "history", "harbor.json", "--hidden")
	require.NoError(t, err)
	assert.Contains(t, out, "(hidden)")
	assert.Contains(t, out, "nervous")
}

func TestFork(t *testing.T) {
	a, store := mockApp(t, 1)
	s, err := store.Load(context.Background(), "harbor.json")
	require.NoError(t, err)
	at := s.History()[1].Head().ID

	out, err := run(t, a, "fork", "harbor.json", strconvU(at), "--name", "branch")
	require.NoError(t, err)
	assert.Contains(t, out, "branch.json")

	fork, err := store.Load(context.Background(), "branch.json")
	require.NoError(t, err)
	assert.Equal(t, 2, fork.Len())

	_, err = run(t, a, "fork", "harbor.json", "999999")
	assert.ErrorContains(t, err, "not in the history")

	_, err = run(t, a, "fork", "harbor.json", "abc")
	assert.Error(t, err)
}

func TestExportAndImport(t *testing.T) {
	a, path := fileApp(t)
	outDir := t.TempDir()

	tests := []struct {
		name   string
		args   []string
		output string
	}{
		{"complete", []string{"--no-assets"}, "harbor.zip"},
		{"talemate", []string{"--format", "talemate", "--reset"}, "harbor.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := filepath.Join(outDir, tt.output)
			args := append([]string{"export", path, "-o", target}, tt.args...)
			out, err := run(t, a, args...)
			require.NoError(t, err)
			assert.Contains(t, out, "Exported Harbor")
			assert.FileExists(t, target)

			out, err = run(t, a, "import", target, "--name", "Imported "+tt.name)
			require.NoError(t, err)
			imported := filepath.Join(a.cfg.ScenesDir, "imported-"+tt.name, "imported-"+tt.name+".json")
			assert.Contains(t, out, imported)
			assert.FileExists(t, imported)
		})
	}

	_, err := run(t, a, "export", path, "--format", "tarball", "-o", filepath.Join(outDir, "x"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outDir, "x"))
}

func TestExport_Stdout(t *testing.T) {
	a, path := fileApp(t)
	out, err := run(t, a, "export", path, "--format", "talemate", "-o", "-")
	require.NoError(t, err)
	assert.NotContains(t, out, "Exported")
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestImportCard(t *testing.T) {
	a, store := mockApp(t, 1)
	card := filepath.Join(t.TempDir(), "kaira.json")
	require.NoError(t, os.WriteFile(card, []byte(`{
  "spec": "chara_card_v2",
  "spec_version": "2.0",
  "data": {
    "name": "Kaira",
    "description": "A ship's engineer.",
    "character_book": {"entries": [
      {"keys": ["reactor"], "content": "The reactor hums.", "enabled": true, "insertion_order": 1, "id": 1}
    ]}
  }
}`), 0o644))

	out, err := run(t, a, "import-card", "harbor.json", card)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported Kaira into Harbor (1 character book entries)")

	s, err := store.Load(context.Background(), "harbor.json")
	require.NoError(t, err)
	assert.True(t, s.HasCharacter("Kaira"))
	_, ok := s.WorldState().ManualContext("kaira.1")
	assert.True(t, ok)

	_, err = run(t, a, "import-card", "harbor.json", filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestBackups(t *testing.T) {
	a, store := mockApp(t, 3)

	out, err := run(t, a, "backups", "list", "harbor.json")
	require.NoError(t, err)
	assert.Contains(t, out, "MODIFIED")
	assert.Equal(t, 4, strings.Count(out, "\n"))

	out, err = run(t, a, "backups", "prune", "harbor.json", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 backups of Harbor, kept 1.")

	s, err := store.Load(context.Background(), "harbor.json")
	require.NoError(t, err)
	backups, err := store.Backups(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	_, err = run(t, a, "backups", "prune", "harbor.json", "--keep", "-1")
	assert.Error(t, err)
}

func TestBackups_DefaultKeepFromConfig(t *testing.T) {
	a, _ := mockApp(t, 4)
	a.cfg = testConfig(t)
	a.cfg.MaxBackups = 3
	out, err := run(t, a, "backups", "prune", "harbor.json")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 backups of Harbor, kept 3.")
}

func TestEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	a := &app{cfg: testConfig(t)}
	a.cfg.RedisURL = "redis://" + mr.Addr()

	out, err := run(t, a, "enqueue", "Harbor Town", "Open", "the", "door.", "--input-id", "turn-3")
	require.NoError(t, err)
	assert.Contains(t, out, "queue depth 1")

	_, err = run(t, a, "enqueue", "Harbor Town", "--abort")
	require.NoError(t, err)

	items, err := mr.List("scene-input:harbor-town")
	require.NoError(t, err)
	require.Len(t, items, 2)
	first, err := queuePkg.FromJSON([]byte(items[0]))
	require.NoError(t, err)
	assert.Equal(t, "Open the door.", first.Text)
	assert.Equal(t, "turn-3", first.InputID)
	second, err := queuePkg.FromJSON([]byte(items[1]))
	require.NoError(t, err)
	assert.Equal(t, queuePkg.RequestTypeAbort, second.Type)

	_, err = run(t, a, "enqueue", "Harbor Town")
	assert.Error(t, err)
}

func TestSQLiteMemoryBackend(t *testing.T) {
	a, path := fileApp(t)
	a.cfg.MemoryBackend = config.MemoryBackendSQLite
	a.cfg.MemoryDSN = filepath.Join(t.TempDir(), "memory.db")

	_, err := run(t, a, "history", path)
	require.NoError(t, err)
	assert.FileExists(t, a.cfg.MemoryDSN)
}

func TestCollection(t *testing.T) {
	assert.Equal(t, "harbor-town", collection("/srv/scenes/Harbor Town.json"))

	dir := t.TempDir()
	path := filepath.Join(dir, "harbor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "Harbor", "memory_id": "mem-42"}`), 0o644))
	assert.Equal(t, "mem-42", collection(path))

	legacy := filepath.Join(dir, "Old Harbor.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{"name": "Old Harbor"}`), 0o644))
	assert.Equal(t, "old-harbor", collection(legacy))
}

func TestFork_SharesMemoryCollection(t *testing.T) {
	ctx := context.Background()
	a, path := fileApp(t)
	a.cfg.MemoryBackend = config.MemoryBackendSQLite
	a.cfg.MemoryDSN = filepath.Join(t.TempDir(), "memory.db")

	var head struct {
		MemoryID string `json:"memory_id"`
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &head))
	require.NotEmpty(t, head.MemoryID)
	require.Equal(t, head.MemoryID, collection(path))

	mem, err := openMemory(ctx, a.cfg, collection(path), testLogger())
	require.NoError(t, err)
	_, err = mem.Add(ctx, memory.Document{ID: "lore-1", Text: "The lamp on the docks never goes out."})
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	loaded, err := filestorage.NewFileStorage(a.cfg.ScenesDir, filestorage.Options{}, testLogger()).Load(ctx, path)
	require.NoError(t, err)
	at := loaded.History()[1].Head().ID

	_, err = run(t, a, "fork", path, strconvU(at), "--name", "branch-A")
	require.NoError(t, err)
	forkPath := filepath.Join(filepath.Dir(path), "branch-A.json")
	assert.Equal(t, head.MemoryID, collection(forkPath))

	_, err = run(t, a, "history", forkPath)
	require.NoError(t, err)

	mem, err = openMemory(ctx, a.cfg, collection(forkPath), testLogger())
	require.NoError(t, err)
	defer mem.Close()
	docs, err := mem.Query(ctx, "lamp docks", 5, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "lore-1", docs[0].ID)
}

func strconvU(v uint64) string {
	return strconv.FormatUint(v, 10)
}
