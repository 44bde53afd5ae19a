package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jwebster45206/talemate/pkg/scene"
)

// MockStorage is an in-memory Storage for testing. Scenes are kept as
// snapshots keyed by filename.
type MockStorage struct {
	mu        sync.RWMutex
	files     map[string][]byte
	backups   map[string][]Backup
	pingError error
	saveError error
	saves     int
}

// Ensure MockStorage implements Storage interface
var _ Storage = (*MockStorage)(nil)

// NewMockStorage creates a new mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		files:   make(map[string][]byte),
		backups: make(map[string][]Backup),
	}
}

// SetPingError configures the mock to fail on ping with the given error
func (m *MockStorage) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingError = err
}

// SetSaveError makes every save fail with err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SaveCount returns how many successful saves were made.
func (m *MockStorage) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// File returns the stored snapshot for filename.
func (m *MockStorage) File(filename string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[filename]
	return data, ok
}

func (m *MockStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingError
}

func (m *MockStorage) Close() error {
	return nil
}

func filename(s *scene.Scene) string {
	if s.Filename != "" {
		return s.Filename
	}
	return s.Name + ".json"
}

func (m *MockStorage) write(name string, s *scene.Scene) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal scene: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.files[name] = data
	m.saves++
	m.backups[name] = append([]Backup{{Path: name, ModTime: time.Now(), Size: int64(len(data))}}, m.backups[name]...)
	return nil
}

func (m *MockStorage) Save(ctx context.Context, s *scene.Scene) error {
	if s.ImmutableSave {
		return scene.ErrImmutable
	}
	s.MarkMemorySaved()
	return m.write(filename(s), s)
}

func (m *MockStorage) SaveAs(ctx context.Context, s *scene.Scene, copyName string) (string, error) {
	name := copyName + ".json"
	return name, m.write(name, s)
}

func (m *MockStorage) SaveRestore(ctx context.Context, s *scene.Scene, name string) (string, error) {
	path := name + ".json"
	s.RestoreFrom = path
	if err := m.write(path, s); err != nil {
		return "", err
	}
	return path, m.write(filename(s), s)
}

func (m *MockStorage) Restore(ctx context.Context, s *scene.Scene) (*scene.Scene, error) {
	if s.RestoreFrom == "" {
		return nil, ErrNoRestorePoint
	}
	restored, err := m.Load(ctx, s.RestoreFrom)
	if err != nil {
		return nil, err
	}
	restored.Filename = s.Filename
	restored.MemoryID = s.MemoryID
	return restored, nil
}

func (m *MockStorage) Load(ctx context.Context, path string) (*scene.Scene, error) {
	data, ok := m.File(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return scene.Load(data, nil, nil)
}

func (m *MockStorage) Fork(ctx context.Context, s *scene.Scene, messageID uint64, name string) (string, error) {
	fork, err := s.Clone()
	if err != nil {
		return "", err
	}
	fork.SetBus(nil)
	fork.TruncateAfter(ctx, messageID)
	fork.NewMemorySession()
	fork.RestoreFrom = ""
	fork.Filename = name + ".json"
	return fork.Filename, m.write(fork.Filename, fork)
}

func (m *MockStorage) ListScenes(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.files))
	for name, data := range m.files {
		var head struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		out[head.Name] = name
	}
	return out, nil
}

func (m *MockStorage) Backups(ctx context.Context, s *scene.Scene) ([]Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Backup(nil), m.backups[filename(s)]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

func (m *MockStorage) PruneBackups(ctx context.Context, s *scene.Scene, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.backups[filename(s)]
	if len(list) <= keep {
		return 0, nil
	}
	m.backups[filename(s)] = list[:keep]
	return len(list) - keep, nil
}
