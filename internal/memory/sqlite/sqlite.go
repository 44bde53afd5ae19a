// Package sqlite stores scene memory in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jwebster45206/talemate/pkg/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    collection  TEXT NOT NULL,
    id          TEXT NOT NULL,
    text        TEXT NOT NULL,
    meta        TEXT NOT NULL DEFAULT '{}',
    session_id  TEXT NOT NULL DEFAULT '',
    embedding   TEXT,
    UNIQUE (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(collection, session_id);
`

// Store is a memory.Memory backed by SQLite. Every scene gets its own
// collection inside the same database file.
type Store struct {
	path       string
	collection string
	embedder   memory.Embedder
	logger     *slog.Logger

	mu      sync.RWMutex
	db      *sql.DB
	session string
}

var _ memory.Memory = (*Store)(nil)

// New creates a store for collection in the database at path. SetDB opens it.
func New(path, collection string, embedder memory.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, collection: collection, embedder: embedder, logger: logger.With("memory", "sqlite", "collection", collection)}
}

// SetDB opens the database and applies the schema.
func (s *Store) SetDB(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open memory database: %w", err)
	}
	if s.path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	s.logger.Info("Opened memory database", "path", s.path)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) SetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = id
}

func (s *Store) conn() (*sql.DB, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, "", errors.New("memory database is not open")
	}
	return s.db, s.session, nil
}

// Add stores doc. An existing id is overwritten.
func (s *Store) Add(ctx context.Context, doc memory.Document) (string, error) {
	db, session, err := s.conn()
	if err != nil {
		return "", err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.SessionID == "" {
		doc.SessionID = session
	}
	if s.embedder != nil && len(doc.Embedding) == 0 {
		vec, err := s.embedder(ctx, doc.Text)
		if err != nil {
			return "", fmt.Errorf("failed to embed document: %w", err)
		}
		doc.Embedding = vec
	}
	meta, embedding, err := encode(doc)
	if err != nil {
		return "", err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, text, meta, session_id, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			text = excluded.text,
			meta = excluded.meta,
			session_id = excluded.session_id,
			embedding = excluded.embedding`,
		s.collection, doc.ID, doc.Text, meta, doc.SessionID, embedding)
	if err != nil {
		return "", fmt.Errorf("failed to add %s: %w", doc.ID, err)
	}
	return doc.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (memory.Document, error) {
	db, _, err := s.conn()
	if err != nil {
		return memory.Document{}, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, text, meta, session_id, embedding FROM documents WHERE collection = ? AND id = ?`,
		s.collection, id)
	doc, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Document{}, fmt.Errorf("failed to get %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Document{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	db, _, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, s.collection, id)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to remove %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// Query ranks the collection in process; meta filters are applied before
// ranking.
func (s *Store) Query(ctx context.Context, text string, limit int, where memory.Where) ([]memory.Document, error) {
	db, _, err := s.conn()
	if err != nil {
		return nil, err
	}
	var vec []float32
	if s.embedder != nil {
		if vec, err = s.embedder(ctx, text); err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, text, meta, session_id, embedding FROM documents WHERE collection = ? ORDER BY seq`,
		s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer rows.Close()

	var candidates []memory.Document
	for rows.Next() {
		doc, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		if where.Matches(doc.Meta) {
			candidates = append(candidates, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}

	ranked := memory.Rank(text, vec, candidates)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// RemoveUnsaved deletes documents whose session is newer than saved.
func (s *Store) RemoveUnsaved(ctx context.Context, savedSessionID string) (int, error) {
	db, _, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND session_id != '' AND session_id > ?`,
		s.collection, savedSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove unsaved memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Removed unsaved memory", "count", n)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (memory.Document, error) {
	var (
		doc       memory.Document
		meta      string
		embedding sql.NullString
	)
	if err := row.Scan(&doc.ID, &doc.Text, &meta, &doc.SessionID, &embedding); err != nil {
		return doc, err
	}
	if err := json.Unmarshal([]byte(meta), &doc.Meta); err != nil {
		return doc, fmt.Errorf("failed to decode meta of %s: %w", doc.ID, err)
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &doc.Embedding); err != nil {
			return doc, fmt.Errorf("failed to decode embedding of %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func encode(doc memory.Document) (string, sql.NullString, error) {
	meta := doc.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	m, err := json.Marshal(meta)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode meta of %s: %w", doc.ID, err)
	}
	if len(doc.Embedding) == 0 {
		return string(m), sql.NullString{}, nil
	}
	e, err := json.Marshal(doc.Embedding)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode embedding of %s: %w", doc.ID, err)
	}
	return string(m), sql.NullString{String: string(e), Valid: true}, nil
}
