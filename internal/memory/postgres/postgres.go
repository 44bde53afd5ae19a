// Package postgres stores scene memory in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jwebster45206/talemate/pkg/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_documents (
    seq         BIGSERIAL PRIMARY KEY,
    collection  TEXT NOT NULL,
    id          TEXT NOT NULL,
    text        TEXT NOT NULL,
    meta        JSONB NOT NULL DEFAULT '{}',
    session_id  TEXT NOT NULL DEFAULT '',
    embedding   REAL[],
    UNIQUE (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_memory_documents_session ON memory_documents(collection, session_id);
`

// Client is a memory.Memory backed by a pgx connection pool.
type Client struct {
	dsn        string
	collection string
	embedder   memory.Embedder
	logger     *slog.Logger

	mu      sync.RWMutex
	pool    *pgxpool.Pool
	session string
}

var _ memory.Memory = (*Client)(nil)

// New creates a client for collection. SetDB connects.
func New(dsn, collection string, embedder memory.Embedder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{dsn: dsn, collection: collection, embedder: embedder, logger: logger.With("memory", "postgres", "collection", collection)}
}

// SetDB connects the pool and applies the schema.
func (c *Client) SetDB(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()
	c.logger.Info("Connected memory database")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

func (c *Client) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
}

func (c *Client) conn() (*pgxpool.Pool, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return nil, "", errors.New("memory database is not connected")
	}
	return c.pool, c.session, nil
}

// Add stores doc. An existing id is overwritten.
func (c *Client) Add(ctx context.Context, doc memory.Document) (string, error) {
	pool, session, err := c.conn()
	if err != nil {
		return "", err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.SessionID == "" {
		doc.SessionID = session
	}
	if c.embedder != nil && len(doc.Embedding) == 0 {
		vec, err := c.embedder(ctx, doc.Text)
		if err != nil {
			return "", fmt.Errorf("failed to embed document: %w", err)
		}
		doc.Embedding = vec
	}
	meta := doc.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO memory_documents (collection, id, text, meta, session_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, id) DO UPDATE SET
			text = EXCLUDED.text,
			meta = EXCLUDED.meta,
			session_id = EXCLUDED.session_id,
			embedding = EXCLUDED.embedding`,
		c.collection, doc.ID, doc.Text, meta, doc.SessionID, doc.Embedding)
	if err != nil {
		return "", fmt.Errorf("failed to add %s: %w", doc.ID, err)
	}
	return doc.ID, nil
}

func (c *Client) Get(ctx context.Context, id string) (memory.Document, error) {
	pool, _, err := c.conn()
	if err != nil {
		return memory.Document{}, err
	}
	rows, err := pool.Query(ctx,
		`SELECT id, text, meta, session_id, embedding FROM memory_documents WHERE collection = $1 AND id = $2`,
		c.collection, id)
	if err != nil {
		return memory.Document{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	doc, err := pgx.CollectExactlyOneRow(rows, scanDocument)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Document{}, fmt.Errorf("failed to get %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Document{}, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return doc, nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	pool, _, err := c.conn()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM memory_documents WHERE collection = $1 AND id = $2`, c.collection, id)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to remove %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// Query filters on meta with JSONB containment and ranks in process.
func (c *Client) Query(ctx context.Context, text string, limit int, where memory.Where) ([]memory.Document, error) {
	pool, _, err := c.conn()
	if err != nil {
		return nil, err
	}
	var vec []float32
	if c.embedder != nil {
		if vec, err = c.embedder(ctx, text); err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
	}
	filter := map[string]any(where)
	if filter == nil {
		filter = map[string]any{}
	}

	rows, err := pool.Query(ctx,
		`SELECT id, text, meta, session_id, embedding FROM memory_documents
		 WHERE collection = $1 AND meta @> $2 ORDER BY seq`,
		c.collection, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}

	ranked := memory.Rank(text, vec, candidates)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// RemoveUnsaved deletes documents whose session is newer than saved.
func (c *Client) RemoveUnsaved(ctx context.Context, savedSessionID string) (int, error) {
	pool, _, err := c.conn()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx,
		`DELETE FROM memory_documents WHERE collection = $1 AND session_id <> '' AND session_id > $2 COLLATE "C"`,
		c.collection, savedSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove unsaved memory: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		c.logger.Info("Removed unsaved memory", "count", n)
	}
	return n, nil
}

func scanDocument(row pgx.CollectableRow) (memory.Document, error) {
	var doc memory.Document
	err := row.Scan(&doc.ID, &doc.Text, &doc.Meta, &doc.SessionID, &doc.Embedding)
	return doc, err
}
