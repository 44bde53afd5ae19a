package agent

import (
	"fmt"
	"sync"
)

// Registry holds one agent per name. It is append-only.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds a. Registering a name twice is an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("failed to register %s: %w", name, ErrDuplicateAgent)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

// Agents returns the agents in registration order.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Statuses returns the status of every agent in registration order.
func (r *Registry) Statuses() []Status {
	agents := r.Agents()
	out := make([]Status, len(agents))
	for i, a := range agents {
		out[i] = a.Status()
	}
	return out
}

// Lookup returns the agent registered under name as T.
func Lookup[T Agent](r *Registry, name string) (T, error) {
	var zero T
	a, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("agent %s has type %T", name, a)
	}
	return t, nil
}
