package nodes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Entry starts a graph. Its state output is always resolved.
type Entry struct {
	*Base
}

// NewEntry creates an entry node.
func NewEntry() *Entry {
	n := &Entry{Base: NewBase("core/Entry", "Entry")}
	n.Setup()
	return n
}

func (n *Entry) Setup() {
	n.AddOutput("state", "any")
}

func (n *Entry) Run(ctx context.Context, st *GraphState) error {
	return n.SetOutputValues(map[string]any{"state": true})
}

// Router forwards its value to the selected branch and deactivates the
// others.
type Router struct {
	*Base
}

// NewRouter creates a router with branches outputs named out_0..out_{n-1}.
func NewRouter(branches int) *Router {
	n := &Router{Base: NewBase("core/Router", "Router")}
	n.Properties["branches"] = branches
	n.Setup()
	return n
}

func (n *Router) Setup() {
	n.AddInput("value", "any")
	n.AddInput("selector", "int")
	n.SetDefault("branches", 2)
	n.SetDefault("selector", 0)
	n.Reconfigure()
}

// Reconfigure rebuilds the branch outputs after the branches property
// changed.
func (n *Router) Reconfigure() {
	branches, _ := ToInt(n.Property("branches"))
	n.Outputs = nil
	for i := range branches {
		n.AddOutput(branchName(i), "any")
	}
}

func branchName(i int) string { return fmt.Sprintf("out_%d", i) }

func (n *Router) Run(ctx context.Context, st *GraphState) error {
	sel, err := n.RequireNumber("selector")
	if err != nil {
		return err
	}
	idx := int(sel)
	if idx < 0 || idx >= len(n.Outputs) {
		return &InputValueError{Node: n.Label(), Socket: "selector", Reason: fmt.Sprintf("branch %d out of range", idx)}
	}
	value := n.InputValue("value")
	if IsUnresolved(value) {
		value = true
	}
	for i, s := range n.Outputs {
		if i == idx {
			s.Value = value
			s.Deactivated = false
			continue
		}
		s.Deactivated = true
	}
	return nil
}

// ExitFunc decides whether a loop stops after an iteration.
type ExitFunc func(ctx context.Context, st *GraphState) (bool, error)

// Loop runs its body graph repeatedly until Exit reports true. Iterations
// are sequential; socket values are reset between them while properties
// persist.
type Loop struct {
	*Graph

	Exit          ExitFunc
	MaxIterations int

	iterationCallbacks []Callback
}

var _ Node = (*Loop)(nil)

// NewLoop creates a loop with an empty body.
func NewLoop(title string, exit ExitFunc) *Loop {
	g := NewGraph(title)
	g.Registry = "core/Loop"
	n := &Loop{Graph: g, Exit: exit}
	n.Setup()
	return n
}

func (n *Loop) Setup() {
	n.AddInput("state", "any")
	n.AddOutput("state", "any")
	n.AddOutput("iterations", "int")
}

// OnIteration registers a callback invoked after every iteration.
func (n *Loop) OnIteration(cb Callback) {
	n.iterationCallbacks = append(n.iterationCallbacks, cb)
}

// ExitWhen sets an exit condition written as an expression. The
// environment exposes props (node properties by node id), data (run-local
// variables) and iteration.
func (n *Loop) ExitWhen(condition string) error {
	program, err := expr.Compile(condition, expr.AsBool())
	if err != nil {
		return fmt.Errorf("failed to compile loop exit %q: %w", condition, err)
	}
	n.Exit = n.exprExit(program)
	return nil
}

func (n *Loop) exprExit(program *vm.Program) ExitFunc {
	return func(ctx context.Context, st *GraphState) (bool, error) {
		props := make(map[string]any, len(n.nodes))
		for id, node := range n.nodes {
			props[id] = node.NodeBase().Properties
		}
		iteration, _ := st.Get(n.iterationKey())
		out, err := expr.Run(program, map[string]any{
			"props":     props,
			"data":      st.Data(),
			"iteration": iteration,
		})
		if err != nil {
			return false, fmt.Errorf("failed to evaluate loop exit: %w", err)
		}
		done, _ := out.(bool)
		return done, nil
	}
}

func (n *Loop) iterationKey() string { return "loop." + n.ID + ".iteration" }

func (n *Loop) Run(ctx context.Context, st *GraphState) error {
	if n.Exit == nil {
		return &InputValueError{Node: n.Label(), Socket: "exit", Reason: "loop has no exit condition"}
	}
	limit := n.MaxIterations
	if limit <= 0 {
		limit = st.MaxIterations
	}
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	iterations := 0
	for {
		if iterations >= limit {
			return fmt.Errorf("loop %s stopped after %d iterations: %w", n.Label(), iterations, ErrLoopLimit)
		}
		iterations++
		st.Set(n.iterationKey(), iterations)
		if err := n.Execute(ctx, st); err != nil {
			return err
		}
		for _, cb := range n.iterationCallbacks {
			if err := cb(ctx, st); err != nil {
				return fmt.Errorf("loop %s callback failed: %w", n.Label(), err)
			}
		}
		done, err := n.Exit(ctx, st)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	st.logNode("Loop finished", "loop", n.Label(), "iterations", iterations)
	return n.SetOutputValues(map[string]any{"state": true, "iterations": iterations})
}
