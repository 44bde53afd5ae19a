// Package storage persists scenes as JSON files under a scenes directory.
// Each scene lives in its own directory with an assets/ and a backups/
// subdirectory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jwebster45206/talemate/pkg/memory"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/storage"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

const (
	backupsDir   = "backups"
	backupLayout = "20060102-150405.000000000"
)

// Options control automatic backups.
type Options struct {
	AutoBackup bool
	MaxBackups int
}

// FileStorage implements storage.Storage on the local filesystem.
type FileStorage struct {
	dir    string
	opts   Options
	bus    *signals.Bus
	memory memory.Memory
	logger *slog.Logger
}

// Ensure FileStorage implements Storage interface
var _ storage.Storage = (*FileStorage)(nil)

// NewFileStorage creates a store rooted at dir.
func NewFileStorage(dir string, opts Options, logger *slog.Logger) *FileStorage {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = "./scenes"
	}
	return &FileStorage{dir: dir, opts: opts, logger: logger}
}

// WithBus attaches bus to every loaded scene.
func (f *FileStorage) WithBus(bus *signals.Bus) *FileStorage {
	f.bus = bus
	return f
}

// WithMemory purges unsaved documents on load and checks memory pins on
// fork.
func (f *FileStorage) WithMemory(m memory.Memory) *FileStorage {
	f.memory = m
	return f
}

// Dir is the scenes root.
func (f *FileStorage) Dir() string { return f.dir }

func (f *FileStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("scenes directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scenes path %s is not a directory", f.dir)
	}
	return nil
}

func (f *FileStorage) Close() error {
	if f.memory != nil {
		return f.memory.Close()
	}
	return nil
}

// Slug turns a scene name into a directory and file name.
func Slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "scene"
	}
	return b.String()
}

// prepare fills in the save directory and filename of a scene that has
// never been saved.
func (f *FileStorage) prepare(s *scene.Scene) {
	if s.SaveDir == "" {
		s.SaveDir = filepath.Join(f.dir, Slug(s.Name))
	}
	if s.Filename == "" {
		s.Filename = Slug(s.Name) + ".json"
	}
}

func fileName(name string) string {
	if strings.HasSuffix(name, ".json") {
		return name
	}
	return name + ".json"
}

// writeScene writes the snapshot atomically.
func writeScene(path string, s *scene.Scene) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scene: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create scene directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scene file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace scene file: %w", err)
	}
	return nil
}

func (f *FileStorage) Save(ctx context.Context, s *scene.Scene) error {
	if s.ImmutableSave {
		return fmt.Errorf("failed to save %s: %w", s.Name, scene.ErrImmutable)
	}
	f.prepare(s)
	s.MarkMemorySaved()
	path := filepath.Join(s.SaveDir, s.Filename)
	if err := writeScene(path, s); err != nil {
		return err
	}
	f.logger.Info("Saved scene", "scene", s.Name, "path", path)
	if f.opts.AutoBackup {
		f.backup(s, path)
	}
	return nil
}

func (f *FileStorage) SaveAs(ctx context.Context, s *scene.Scene, copyName string) (string, error) {
	f.prepare(s)
	cp, err := s.Clone()
	if err != nil {
		return "", err
	}
	cp.Filename = fileName(copyName)
	path := filepath.Join(s.SaveDir, cp.Filename)
	if err := writeScene(path, cp); err != nil {
		return "", err
	}
	f.logger.Info("Saved scene copy", "scene", s.Name, "path", path)
	return path, nil
}

func (f *FileStorage) SaveRestore(ctx context.Context, s *scene.Scene, name string) (string, error) {
	f.prepare(s)
	checkpoint := fileName(name)
	s.RestoreFrom = checkpoint
	cp, err := s.Clone()
	if err != nil {
		return "", err
	}
	cp.Filename = checkpoint
	path := filepath.Join(s.SaveDir, checkpoint)
	if err := writeScene(path, cp); err != nil {
		return "", err
	}
	f.logger.Info("Saved restore point", "scene", s.Name, "path", path)
	if s.ImmutableSave {
		return path, nil
	}
	return path, f.Save(ctx, s)
}

func (f *FileStorage) Restore(ctx context.Context, s *scene.Scene) (*scene.Scene, error) {
	if s.RestoreFrom == "" {
		return nil, storage.ErrNoRestorePoint
	}
	f.prepare(s)
	restored, err := f.Load(ctx, filepath.Join(s.SaveDir, s.RestoreFrom))
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", s.Name, err)
	}
	restored.Filename = s.Filename
	restored.MemoryID = s.MemoryID
	restored.RestoreFrom = s.RestoreFrom
	f.logger.Info("Restored scene", "scene", s.Name, "from", s.RestoreFrom)
	return restored, nil
}

func (f *FileStorage) Load(ctx context.Context, path string) (*scene.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read scene file: %w", err)
	}
	s, err := scene.Load(data, f.bus, f.logger)
	if err != nil {
		return nil, err
	}
	s.SaveDir = filepath.Dir(path)
	s.Filename = filepath.Base(path)
	if f.memory != nil {
		f.memory.SetSession(s.MemorySessionID())
		n, err := f.memory.RemoveUnsaved(ctx, s.SavedMemorySessionID())
		if err != nil {
			return nil, fmt.Errorf("failed to purge unsaved memory: %w", err)
		}
		if n > 0 {
			f.logger.Info("Purged unsaved memory", "scene", s.Name, "documents", n)
		}
	}
	f.logger.Debug("Loaded scene", "scene", s.Name, "path", path, "messages", s.Len())
	return s, nil
}

func (f *FileStorage) Fork(ctx context.Context, s *scene.Scene, messageID uint64, name string) (string, error) {
	f.prepare(s)
	fork, err := s.Clone()
	if err != nil {
		return "", err
	}
	fork.SetBus(nil)
	fork.TruncateAfter(ctx, messageID)
	fork.NewMemorySession()
	fork.RestoreFrom = ""
	if name == "" {
		name = fmt.Sprintf("%s-fork-%d", strings.TrimSuffix(s.Filename, ".json"), messageID)
	}
	fork.Filename = fileName(name)

	mgr := worldstate.NewManager(fork, nil, f.logger)
	if f.memory != nil {
		mgr = mgr.WithMemory(f.memory)
	}
	pins := mgr.ValidatePins(ctx)
	reinforcements := mgr.ValidateReinforcements(ctx)

	path := filepath.Join(fork.SaveDir, fork.Filename)
	if err := writeScene(path, fork); err != nil {
		return "", err
	}
	f.logger.Info("Forked scene",
		"scene", s.Name,
		"message_id", messageID,
		"path", path,
		"dropped_pins", pins,
		"dropped_reinforcements", reinforcements)
	return path, nil
}

func (f *FileStorage) ListScenes(ctx context.Context) (map[string]string, error) {
	scenes := make(map[string]string)
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case backupsDir, "assets", "nodes", "info", "templates":
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			f.logger.Warn("Failed to read scene file", "path", path, "error", err)
			return nil
		}
		var head struct {
			Name    string          `json:"name"`
			History json.RawMessage `json:"history"`
		}
		if err := json.Unmarshal(data, &head); err != nil || head.History == nil {
			return nil
		}
		if head.Name == "" {
			head.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if _, exists := scenes[head.Name]; !exists {
			scenes[head.Name] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	return scenes, nil
}

func backupPrefix(s *scene.Scene) string {
	return strings.TrimSuffix(s.Filename, ".json") + "_"
}

// isBackupOf reports whether name is exactly <prefix><timestamp>.json. A
// scene named foo_bar shares the foo_ prefix but not the timestamp shape.
func isBackupOf(name, prefix string) bool {
	stamp, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return false
	}
	stamp, ok = strings.CutSuffix(stamp, ".json")
	if !ok {
		return false
	}
	_, err := time.Parse(backupLayout, stamp)
	return err == nil
}

func (f *FileStorage) backup(s *scene.Scene, src string) {
	data, err := os.ReadFile(src)
	if err != nil {
		f.logger.Warn("Failed to read scene for backup", "path", src, "error", err)
		return
	}
	dir := filepath.Join(s.SaveDir, backupsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.logger.Warn("Failed to create backups directory", "path", dir, "error", err)
		return
	}
	path := filepath.Join(dir, backupPrefix(s)+time.Now().UTC().Format(backupLayout)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		f.logger.Warn("Failed to write backup", "path", path, "error", err)
		return
	}
	if f.opts.MaxBackups > 0 {
		if _, err := f.PruneBackups(context.Background(), s, f.opts.MaxBackups); err != nil {
			f.logger.Warn("Failed to prune backups", "scene", s.Name, "error", err)
		}
	}
}

func (f *FileStorage) Backups(ctx context.Context, s *scene.Scene) ([]storage.Backup, error) {
	f.prepare(s)
	dir := filepath.Join(s.SaveDir, backupsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	prefix := backupPrefix(s)
	var out []storage.Backup
	for _, e := range entries {
		if e.IsDir() || !isBackupOf(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, storage.Backup{
			Path:    filepath.Join(dir, e.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Path > out[j].Path
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// PruneBackups removes all but the keep newest backups. Files that cannot
// be removed are logged and skipped.
func (f *FileStorage) PruneBackups(ctx context.Context, s *scene.Scene, keep int) (int, error) {
	backups, err := f.Backups(ctx, s)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil {
			f.logger.Warn("Failed to remove backup", "path", backups[i].Path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
