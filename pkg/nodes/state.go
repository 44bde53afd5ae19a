package nodes

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxIterations bounds loops that set no limit of their own.
const DefaultMaxIterations = 100

// Verbosity controls how much a run logs.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityNormal
	VerbosityVerbose
)

// GraphState is the per-execution record shared by every node of a run.
type GraphState struct {
	ID            string
	Verbosity     Verbosity
	MaxIterations int
	Logger        *slog.Logger

	mu      sync.Mutex
	data    map[string]any
	outputs map[string]map[string]any
	props   map[string]map[string]any
	runs    map[string]int
	skipped map[string]bool
}

// NewGraphState creates an empty state for one execution.
func NewGraphState(logger *slog.Logger) *GraphState {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphState{
		ID:            uuid.NewString(),
		Verbosity:     VerbosityNormal,
		MaxIterations: DefaultMaxIterations,
		Logger:        logger,
		data:          make(map[string]any),
		outputs:       make(map[string]map[string]any),
		props:         make(map[string]map[string]any),
		runs:          make(map[string]int),
		skipped:       make(map[string]bool),
	}
}

// Get returns a run-local variable.
func (st *GraphState) Get(key string) (any, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.data[key]
	return v, ok
}

// Set stores a run-local variable.
func (st *GraphState) Set(key string, value any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.data[key] = value
}

// Data returns a copy of the run-local variables.
func (st *GraphState) Data() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return maps.Clone(st.data)
}

// Outputs returns the outputs node id produced on its latest run.
func (st *GraphState) Outputs(id string) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return maps.Clone(st.outputs[id])
}

// Property returns the latest value set through SetProperty.
func (st *GraphState) Property(id, name string) (any, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.props[id][name]
	return v, ok
}

// Runs returns how often node id ran.
func (st *GraphState) Runs(id string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runs[id]
}

// Skipped reports whether node id was pruned on its latest visit.
func (st *GraphState) Skipped(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.skipped[id]
}

func (st *GraphState) recordProperty(id, name string, value any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.props[id] == nil {
		st.props[id] = make(map[string]any)
	}
	st.props[id][name] = value
}

func (st *GraphState) recordRun(b *Base) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.runs[b.ID]++
	st.skipped[b.ID] = false
	st.outputs[b.ID] = b.OutputValues()
}

func (st *GraphState) recordSkip(b *Base) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.skipped[b.ID] = true
}

// logNode logs per-node progress at a level chosen by the verbosity.
func (st *GraphState) logNode(msg string, args ...any) {
	switch st.Verbosity {
	case VerbosityQuiet:
	case VerbosityVerbose:
		st.Logger.Info(msg, args...)
	default:
		st.Logger.Debug(msg, args...)
	}
}
