package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Store is an in-process Memory used when no database backend is configured.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]Document
	order    []string
	session  string
	embedder Embedder
	logger   *slog.Logger
}

var _ Memory = (*Store)(nil)

// NewStore creates an in-process store. embedder may be nil.
func NewStore(embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{docs: make(map[string]Document), embedder: embedder, logger: logger}
}

func (s *Store) SetDB(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) SetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = id
}

// Add stores doc. An existing id is overwritten.
func (s *Store) Add(ctx context.Context, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if s.embedder != nil && len(doc.Embedding) == 0 {
		vec, err := s.embedder(ctx, doc.Text)
		if err != nil {
			return "", fmt.Errorf("failed to embed document: %w", err)
		}
		doc.Embedding = vec
	}
	doc.Meta = maps.Clone(doc.Meta)

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.SessionID == "" {
		doc.SessionID = s.session
	}
	if _, exists := s.docs[doc.ID]; !exists {
		s.order = append(s.order, doc.ID)
	}
	s.docs[doc.ID] = doc
	return doc.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("failed to get %s: %w", id, ErrNotFound)
	}
	doc.Meta = maps.Clone(doc.Meta)
	return doc, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("failed to remove %s: %w", id, ErrNotFound)
	}
	delete(s.docs, id)
	s.dropOrder(id)
	return nil
}

func (s *Store) dropOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) Query(ctx context.Context, text string, limit int, where Where) ([]Document, error) {
	var vec []float32
	if s.embedder != nil {
		v, err := s.embedder(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		vec = v
	}

	s.mu.RLock()
	candidates := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		doc := s.docs[id]
		if where.Matches(doc.Meta) {
			doc.Meta = maps.Clone(doc.Meta)
			candidates = append(candidates, doc)
		}
	}
	s.mu.RUnlock()

	ranked := Rank(text, vec, candidates)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (s *Store) RemoveUnsaved(ctx context.Context, savedSessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, doc := range s.docs {
		if Unsaved(doc.SessionID, savedSessionID) {
			delete(s.docs, id)
			s.dropOrder(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Removed unsaved memory", "count", removed)
	}
	return removed, nil
}
