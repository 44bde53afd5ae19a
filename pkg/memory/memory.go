// Package memory defines the long-term memory contract used by agents and
// the world state, plus an in-process implementation.
package memory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Document is a unit of long-term memory.
type Document struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
	// Score is the relevance assigned by the last query.
	Score float64 `json:"-"`
}

// Where filters documents by exact meta values.
type Where map[string]any

// Matches reports whether every key in w equals the document's meta value.
func (w Where) Matches(meta map[string]any) bool {
	for k, v := range w {
		got, ok := meta[k]
		if !ok || !sameValue(got, v) {
			return false
		}
	}
	return true
}

// Embedder turns text into a vector. A nil embedder means lexical ranking.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Memory is a document store scoped to one scene.
type Memory interface {
	// SetDB opens the backing store.
	SetDB(ctx context.Context) error
	Close() error
	// SetSession tags subsequent writes with the memory session id.
	SetSession(id string)
	Add(ctx context.Context, doc Document) (string, error)
	Get(ctx context.Context, id string) (Document, error)
	Remove(ctx context.Context, id string) error
	// Query returns up to limit documents ranked by relevance to text.
	Query(ctx context.Context, text string, limit int, where Where) ([]Document, error)
	// RemoveUnsaved deletes documents written after the saved session.
	RemoveUnsaved(ctx context.Context, savedSessionID string) (int, error)
}

// Unsaved reports whether a document session is newer than saved. Session
// ids are time ordered and compare lexicographically.
func Unsaved(docSession, saved string) bool {
	return docSession != "" && docSession > saved
}
