package nodes

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrDuplicateRegistration is returned when a path is registered twice.
	ErrDuplicateRegistration = errors.New("node path already registered")
	// ErrUnknownNode is returned for a path nobody registered.
	ErrUnknownNode = errors.New("unknown node path")
)

// Factory builds a fresh node with its sockets declared.
type Factory func() (Node, error)

// Registry maps dotted paths such as agents/creator/ContextualGenerate to
// node factories. It only grows.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the flow nodes every graph needs.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.MustRegister("core/Entry", func() (Node, error) { return NewEntry(), nil })
	r.MustRegister("core/Router", func() (Node, error) { return NewRouter(2), nil })
	r.MustRegister("core/Loop", func() (Node, error) { return NewLoop("Loop", nil), nil })
	return r
}

// Register adds a factory under path.
func (r *Registry) Register(path string, f Factory) error {
	if path == "" || !strings.Contains(path, "/") {
		return fmt.Errorf("invalid node path %q", path)
	}
	if f == nil {
		return fmt.Errorf("node path %s has no factory", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[path]; ok {
		return fmt.Errorf("failed to register %s: %w", path, ErrDuplicateRegistration)
	}
	r.factories[path] = f
	return nil
}

// MustRegister is Register that panics on error. It is meant for built-in
// paths registered at startup.
func (r *Registry) MustRegister(path string, f Factory) {
	if err := r.Register(path, f); err != nil {
		panic(err)
	}
}

// New builds the node registered under path.
func (r *Registry) New(path string) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[path]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, path)
	}
	n, err := f()
	if err != nil {
		return nil, fmt.Errorf("failed to build node %s: %w", path, err)
	}
	n.NodeBase().Registry = path
	return n, nil
}

// Has reports whether path is registered.
func (r *Registry) Has(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[path]
	return ok
}

// Paths returns the registered paths in order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
