package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/jwebster45206/talemate/pkg/scene"
)

var (
	// ErrCycle is returned when a graph's connections form a cycle.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrLoopLimit is returned when a loop exceeds its iteration limit.
	ErrLoopLimit = errors.New("loop iteration limit reached")
)

// Edge connects an output socket to an input socket.
type Edge struct {
	From   string
	Output string
	To     string
	Input  string
}

// Callback observes the state after a graph run or loop iteration.
type Callback func(ctx context.Context, st *GraphState) error

// Graph is a set of connected nodes. A graph is itself a node so it can be
// nested and registered as a module.
type Graph struct {
	*Base

	order     []string
	nodes     map[string]Node
	edges     []Edge
	callbacks []Callback
}

var _ Node = (*Graph)(nil)

// NewGraph creates an empty graph.
func NewGraph(title string) *Graph {
	return &Graph{
		Base:  NewBase("core/Graph", title),
		nodes: make(map[string]Node),
	}
}

// Setup declares nothing; modules add their own sockets.
func (g *Graph) Setup() {}

// Add places nodes in the graph.
func (g *Graph) Add(nodes ...Node) error {
	for _, n := range nodes {
		id := n.NodeBase().ID
		if _, ok := g.nodes[id]; ok {
			return fmt.Errorf("node %s already in graph", id)
		}
		g.nodes[id] = n
		g.order = append(g.order, id)
	}
	return nil
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns the connections of the graph.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Connect wires output out of from to input in of to. An input accepts a
// single connection.
func (g *Graph) Connect(from Node, out string, to Node, in string) error {
	fb, tb := from.NodeBase(), to.NodeBase()
	if _, ok := g.nodes[fb.ID]; !ok {
		return fmt.Errorf("node %s is not in graph %s", fb.Label(), g.Label())
	}
	if _, ok := g.nodes[tb.ID]; !ok {
		return fmt.Errorf("node %s is not in graph %s", tb.Label(), g.Label())
	}
	src := fb.Output(out)
	if src == nil {
		return fmt.Errorf("node %s has no output %q", fb.Label(), out)
	}
	dst := tb.Input(in)
	if dst == nil {
		return fmt.Errorf("node %s has no input %q", tb.Label(), in)
	}
	if dst.source != nil {
		return fmt.Errorf("input %q of node %s is already connected", in, tb.Label())
	}
	dst.source = src
	g.edges = append(g.edges, Edge{From: fb.ID, Output: out, To: tb.ID, Input: in})
	return nil
}

// OnRun registers a callback invoked after every execution of the graph.
func (g *Graph) OnRun(cb Callback) {
	g.callbacks = append(g.callbacks, cb)
}

// Sort returns the nodes in topological order. Ties keep insertion order.
func (g *Graph) Sort() ([]Node, error) {
	indegree := make(map[string]int, len(g.nodes))
	next := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		indegree[e.To]++
		next[e.From] = append(next[e.From], e.To)
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	out := make([]Node, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, g.nodes[id])
		for _, to := range next[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(out) != len(g.nodes) {
		return nil, fmt.Errorf("failed to sort graph %s: %w", g.Label(), ErrCycle)
	}
	return out, nil
}

// Available reports whether n should run: it has no incoming connection or
// at least one incoming connection whose source is not deactivated.
func (g *Graph) Available(n Node) bool {
	b := n.NodeBase()
	incoming := false
	for _, s := range b.Inputs {
		if s.source == nil {
			continue
		}
		incoming = true
		if !s.source.Deactivated {
			return true
		}
	}
	return !incoming
}

// Run executes the graph and marks its own outputs resolved.
func (g *Graph) Run(ctx context.Context, st *GraphState) error {
	if err := g.Execute(ctx, st); err != nil {
		return err
	}
	if s := g.Output("state"); s != nil {
		s.Value = true
	}
	return nil
}

// Execute runs every node once in topological order. Nodes whose incoming
// paths are all deactivated are skipped and deactivate their own outputs.
func (g *Graph) Execute(ctx context.Context, st *GraphState) error {
	order, err := g.Sort()
	if err != nil {
		return err
	}
	g.reset()
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("graph %s interrupted: %w", g.Label(), context.Cause(ctx))
		}
		b := n.NodeBase()
		if !g.Available(n) {
			b.Deactivate()
			st.recordSkip(b)
			st.logNode("Skipping pruned node", "graph", g.Label(), "node", b.Label())
			continue
		}
		st.logNode("Running node", "graph", g.Label(), "node", b.Label(), "registry", b.Registry)
		if err := n.Run(ctx, st); err != nil {
			report(ctx, b, err)
			return fmt.Errorf("node %s failed: %w", b.Label(), err)
		}
		st.recordRun(b)
	}
	for _, cb := range g.callbacks {
		if err := cb(ctx, st); err != nil {
			return fmt.Errorf("graph %s callback failed: %w", g.Label(), err)
		}
	}
	return nil
}

// reset clears transient socket values of every node in the graph,
// descending into nested graphs and loops. The graph's own sockets are left
// alone; they belong to the enclosing graph.
func (g *Graph) reset() {
	for _, n := range g.nodes {
		n.NodeBase().resetSockets()
		if inner := innerGraph(n); inner != nil {
			inner.reset()
		}
	}
}

func innerGraph(n Node) *Graph {
	switch v := n.(type) {
	case *Graph:
		return v
	case *Loop:
		return v.Graph
	}
	return nil
}

// report emits a status event for input errors on the active scene's bus.
func report(ctx context.Context, b *Base, err error) {
	var ive *InputValueError
	if !errors.As(err, &ive) {
		return
	}
	s, ok := scene.Active(ctx)
	if !ok || s.Bus() == nil {
		return
	}
	s.Bus().Status(ctx, "error", ive.Error(), map[string]any{
		"node":   b.ID,
		"socket": ive.Socket,
	})
}
