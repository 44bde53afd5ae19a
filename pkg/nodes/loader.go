package nodes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// GraphSpec is the JSON form of an authored graph. A spec with a Registry
// path is a module: loading a scene's nodes directory registers it so other
// graphs can use it as a node.
type GraphSpec struct {
	Title    string     `json:"title"`
	Registry string     `json:"registry,omitempty"`
	Nodes    []NodeSpec `json:"nodes"`
	Edges    []EdgeSpec `json:"edges"`
}

// NodeSpec describes one node. Graph and Exit apply to core/Loop nodes.
type NodeSpec struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Title      string         `json:"title,omitempty"`
	Style      string         `json:"style,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Graph      *GraphSpec     `json:"graph,omitempty"`
	Exit       string         `json:"exit,omitempty"`
}

// EdgeSpec connects "node.output" to "node.input".
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Reconfigurer is implemented by nodes whose sockets depend on properties.
type Reconfigurer interface {
	Reconfigure()
}

// Load decodes a graph spec and builds it with nodes from reg.
func Load(data []byte, reg *Registry) (*Graph, error) {
	var spec GraphSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return Build(&spec, reg)
}

// LoadFile reads and builds the graph at path.
func LoadFile(path string, reg *Registry) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	g, err := Load(data, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return g, nil
}

// Build creates the graph described by spec.
func Build(spec *GraphSpec, reg *Registry) (*Graph, error) {
	g := NewGraph(spec.Title)
	if spec.Registry != "" {
		g.Registry = spec.Registry
	}
	if err := populate(g, spec, reg); err != nil {
		return nil, err
	}
	return g, nil
}

func populate(g *Graph, spec *GraphSpec, reg *Registry) error {
	for _, ns := range spec.Nodes {
		n, err := buildNode(ns, reg)
		if err != nil {
			return err
		}
		if err := g.Add(n); err != nil {
			return err
		}
	}
	for _, es := range spec.Edges {
		fromID, out, err := splitEndpoint(es.From)
		if err != nil {
			return err
		}
		toID, in, err := splitEndpoint(es.To)
		if err != nil {
			return err
		}
		from, ok := g.Node(fromID)
		if !ok {
			return fmt.Errorf("edge %s -> %s: unknown node %s", es.From, es.To, fromID)
		}
		to, ok := g.Node(toID)
		if !ok {
			return fmt.Errorf("edge %s -> %s: unknown node %s", es.From, es.To, toID)
		}
		if err := g.Connect(from, out, to, in); err != nil {
			return err
		}
	}
	return nil
}

func buildNode(ns NodeSpec, reg *Registry) (Node, error) {
	if ns.ID == "" {
		return nil, fmt.Errorf("node of type %s has no id", ns.Type)
	}
	n, err := reg.New(ns.Type)
	if err != nil {
		return nil, err
	}
	b := n.NodeBase()
	b.ID = ns.ID
	if ns.Title != "" {
		b.Title = ns.Title
	}
	b.Style = ns.Style
	b.applyProperties(ns.Properties)
	if rc, ok := n.(Reconfigurer); ok {
		rc.Reconfigure()
	}

	if loop, ok := n.(*Loop); ok {
		if ns.Graph != nil {
			if err := populate(loop.Graph, ns.Graph, reg); err != nil {
				return nil, fmt.Errorf("failed to build loop %s: %w", ns.ID, err)
			}
		}
		if ns.Exit != "" {
			if err := loop.ExitWhen(ns.Exit); err != nil {
				return nil, err
			}
		}
		if limit, ok := ToInt(b.Property("max_iterations")); ok {
			loop.MaxIterations = limit
		}
	}
	return n, nil
}

func splitEndpoint(s string) (string, string, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid endpoint %q, want node.socket", s)
	}
	return s[:i], s[i+1:], nil
}

// LoadDir registers every module graph found in dir (a scene's nodes
// directory) and returns the registered paths. A missing directory
// registers nothing.
func LoadDir(dir string, reg *Registry, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(files)

	var paths []string
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return paths, fmt.Errorf("failed to read module: %w", err)
		}
		var spec GraphSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return paths, fmt.Errorf("failed to decode module %s: %w", file, err)
		}
		if spec.Registry == "" {
			logger.Debug("Skipping graph without registry path", "file", file)
			continue
		}
		if _, err := Build(&spec, reg); err != nil {
			return paths, fmt.Errorf("invalid module %s: %w", file, err)
		}
		if err := reg.Register(spec.Registry, moduleFactory(spec, reg)); err != nil {
			return paths, err
		}
		logger.Info("Registered node module", "path", spec.Registry, "file", file)
		paths = append(paths, spec.Registry)
	}
	return paths, nil
}

func moduleFactory(spec GraphSpec, reg *Registry) Factory {
	return func() (Node, error) {
		g, err := Build(&spec, reg)
		if err != nil {
			return nil, err
		}
		g.AddInput("state", "any")
		g.AddOutput("state", "any")
		return g, nil
	}
}
