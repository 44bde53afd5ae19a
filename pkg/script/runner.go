package script

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/fsnotify/fsnotify"

	"github.com/jwebster45206/talemate/pkg/agent"
)

const reloadDebounce = 100 * time.Millisecond

// Runner owns the compiled script of one scene.
type Runner struct {
	path    string
	devMode bool
	logger  *slog.Logger

	mu       sync.RWMutex
	script   *Script
	onReload []func(*Script, error)
}

// NewRunner creates a runner for the script at path. In dev mode the
// compiled script is dropped after every run so edits apply on the next
// one.
func NewRunner(path string, devMode bool, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{path: path, devMode: devMode, logger: logger}
}

// ForScene returns a runner for the game.yaml inside a scene directory.
func ForScene(dir string, devMode bool, logger *slog.Logger) *Runner {
	return NewRunner(filepath.Join(dir, FileName), devMode, logger)
}

// Load compiles the script from disk, replacing the current one.
func (r *Runner) Load() (*Script, error) {
	s, err := LoadFile(r.path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.script = s
	r.mu.Unlock()
	r.logger.Debug("Loaded scene script", "path", r.path, "steps", len(s.Game))
	return s, nil
}

// Script returns the compiled script, loading it on first use.
func (r *Runner) Script() (*Script, error) {
	r.mu.RLock()
	s := r.script
	r.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	return r.Load()
}

// OnReload registers a callback invoked after the watcher reloads.
func (r *Runner) OnReload(fn func(*Script, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Run executes the game section against the active scene of ctx.
func (r *Runner) Run(ctx context.Context, sc *GameInstructionScope) error {
	s, err := r.Script()
	if err != nil {
		return err
	}
	if r.devMode {
		defer r.clear()
	}
	return r.exec(ctx, sc, s.Game)
}

// Cancelled executes the on_generation_cancelled section, if any.
func (r *Runner) Cancelled(ctx context.Context, sc *GameInstructionScope) error {
	s, err := r.Script()
	if err != nil {
		return err
	}
	return r.exec(ctx, sc, s.OnGenerationCancelled)
}

func (r *Runner) clear() {
	r.mu.Lock()
	r.script = nil
	r.mu.Unlock()
}

func (r *Runner) exec(ctx context.Context, sc *GameInstructionScope, steps []Step) error {
	s, err := agent.ActiveScene(ctx)
	if err != nil {
		return err
	}
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("script interrupted: %w", agent.Cause(ctx))
		}
		st := &steps[i]
		env := sc.env(s)
		if st.when != nil {
			out, err := expr.Run(st.when, env)
			if err != nil {
				return fmt.Errorf("step %d (%s): failed to evaluate condition: %w", i+1, st.Call, err)
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		args, err := st.arguments(env)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Call, err)
		}
		if err := sc.call(ctx, st.Call, args); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Call, err)
		}
	}
	return nil
}

// Watch reloads the script whenever its file is written until ctx is done.
func (r *Runner) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch script directory: %w", err)
	}
	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *Runner) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, r.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Script watcher error", "error", err)
		}
	}
}

func (r *Runner) reload() {
	s, err := r.Load()
	if err != nil {
		r.logger.Error("Failed to reload scene script", "path", r.path, "error", err)
	} else {
		r.logger.Info("Reloaded scene script", "path", r.path)
	}
	r.mu.RLock()
	callbacks := append(([]func(*Script, error))(nil), r.onReload...)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(s, err)
	}
}
