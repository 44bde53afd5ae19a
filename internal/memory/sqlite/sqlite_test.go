package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/memory"
)

func open(t *testing.T, path, collection string) *Store {
	t.Helper()
	s := New(path, collection, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.SetDB(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AddGetRemove(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "memory.db"), "harbor")
	s.SetSession("0002")

	id, err := s.Add(ctx, memory.Document{Text: "The lighthouse keeper is Bob.", Meta: map[string]any{"character": "Bob", "turn": 3}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "The lighthouse keeper is Bob.", doc.Text)
	assert.Equal(t, "0002", doc.SessionID)
	assert.Equal(t, "Bob", doc.Meta["character"])

	_, err = s.Add(ctx, memory.Document{ID: id, Text: "Bob left the lighthouse."})
	require.NoError(t, err)
	doc, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Bob left the lighthouse.", doc.Text)

	require.NoError(t, s.Remove(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, id), memory.ErrNotFound)
}

func TestStore_Query(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "memory.db"), "harbor")
	for _, d := range []memory.Document{
		{ID: "a", Text: "The harbor smells of salt and tar.", Meta: map[string]any{"typ": "lore"}},
		{ID: "b", Text: "Bob keeps the lighthouse lamp burning.", Meta: map[string]any{"typ": "lore"}},
		{ID: "c", Text: "Alice owes Bob money for the lamp oil.", Meta: map[string]any{"typ": "history"}},
	} {
		_, err := s.Add(ctx, d)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		query string
		limit int
		where memory.Where
		want  []string
	}{
		{name: "ranked", query: "lighthouse lamp", limit: 2, want: []string{"b", "c"}},
		{name: "filtered", query: "lamp", where: memory.Where{"typ": "lore"}, want: []string{"b", "a"}},
		{name: "no match filter", query: "lamp", where: memory.Where{"typ": "dream"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.Query(ctx, tt.query, tt.limit, tt.where)
			require.NoError(t, err)
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_RemoveUnsaved(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "memory.db"), "harbor")
	for id, session := range map[string]string{"old": "0001", "saved": "0002", "new": "0003", "untagged": ""} {
		_, err := s.Add(ctx, memory.Document{ID: id, Text: id, SessionID: session})
		require.NoError(t, err)
	}

	n, err := s.RemoveUnsaved(ctx, "0002")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "new")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	for _, id := range []string{"old", "saved", "untagged"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestStore_CollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")
	harbor := open(t, path, "harbor")
	lighthouse := open(t, path, "lighthouse")

	_, err := harbor.Add(ctx, memory.Document{ID: "x", Text: "Harbor fact."})
	require.NoError(t, err)
	_, err = lighthouse.Get(ctx, "x")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestStore_EmbeddingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	embed := func(ctx context.Context, text string) ([]float32, error) {
		if text == "sea" {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	}
	s := New(filepath.Join(t.TempDir(), "memory.db"), "harbor", embed, nil)
	require.NoError(t, s.SetDB(ctx))
	defer s.Close()

	_, err := s.Add(ctx, memory.Document{ID: "wave", Text: "Waves", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.Add(ctx, memory.Document{ID: "rock", Text: "Rocks"})
	require.NoError(t, err)

	docs, err := s.Query(ctx, "sea", 1, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "wave", docs[0].ID)
	assert.InDelta(t, 1.0, docs[0].Score, 1e-6)
}

func TestStore_NotOpen(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "memory.db"), "harbor", nil, nil)
	_, err := s.Add(context.Background(), memory.Document{Text: "x"})
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}
