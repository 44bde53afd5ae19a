package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jwebster45206/talemate/pkg/scene"
)

var (
	// ErrNoRestorePoint is returned by Restore for scenes without restore_from.
	ErrNoRestorePoint = errors.New("scene has no restore point")
	// ErrNotFound is returned for unknown scene files.
	ErrNotFound = errors.New("scene file not found")
)

// Backup is one automatic backup of a scene file.
type Backup struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Storage defines every way a scene is persisted.
type Storage interface {
	// Health and lifecycle
	Ping(ctx context.Context) error
	Close() error

	// Save writes the scene to its own file and marks its memory session as
	// saved. Immutable scenes are refused.
	Save(ctx context.Context, s *scene.Scene) error
	// SaveAs writes a copy under copyName without touching memory session
	// state. It returns the written path.
	SaveAs(ctx context.Context, s *scene.Scene, copyName string) (string, error)
	// SaveRestore writes a checkpoint and records it as the scene's
	// restore_from.
	SaveRestore(ctx context.Context, s *scene.Scene, name string) (string, error)
	// Restore reloads restore_from, keeping the filename and memory id of s.
	Restore(ctx context.Context, s *scene.Scene) (*scene.Scene, error)
	// Load reads a scene file.
	Load(ctx context.Context, path string) (*scene.Scene, error)
	// Fork writes a new save holding history up to and including messageID.
	Fork(ctx context.Context, s *scene.Scene, messageID uint64, name string) (string, error)

	// ListScenes maps scene names to their files.
	ListScenes(ctx context.Context) (map[string]string, error)
	// Backups lists a scene's backups, newest first.
	Backups(ctx context.Context, s *scene.Scene) ([]Backup, error)
	// PruneBackups keeps the keep newest backups and returns how many were
	// removed.
	PruneBackups(ctx context.Context, s *scene.Scene, keep int) (int, error)
}
