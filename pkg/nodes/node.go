// Package nodes runs authored node graphs: typed sockets wired between
// nodes, scheduled in topological order, with routers pruning branches and
// loops repeating a subgraph until an exit condition holds.
package nodes

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/google/uuid"
)

type unresolved struct{}

func (unresolved) String() string { return "UNRESOLVED" }

// Unresolved marks a socket or property that holds no meaningful value.
var Unresolved any = unresolved{}

// IsUnresolved reports whether v is the Unresolved sentinel.
func IsUnresolved(v any) bool {
	_, ok := v.(unresolved)
	return ok
}

// Socket is a named pin on a node. Outputs carry Value; inputs read the
// output they are connected to.
type Socket struct {
	Name        string
	Type        string
	Value       any
	Deactivated bool

	owner  *Base
	source *Socket
}

// Owner returns the node base the socket belongs to.
func (s *Socket) Owner() *Base { return s.owner }

// Source returns the output an input socket is connected to.
func (s *Socket) Source() *Socket { return s.source }

// Connected reports whether an input socket has a source.
func (s *Socket) Connected() bool { return s.source != nil }

func (s *Socket) reset() {
	s.Value = Unresolved
	s.Deactivated = false
}

// Node is a unit of a graph. Setup declares sockets and default properties
// and must not have side effects. Run reads inputs, sets outputs and may
// mutate scene state.
type Node interface {
	NodeBase() *Base
	Setup()
	Run(ctx context.Context, st *GraphState) error
}

// InputValueError reports an input or property that violates a node's
// contract.
type InputValueError struct {
	Node   string
	Socket string
	Reason string
}

func (e *InputValueError) Error() string {
	return fmt.Sprintf("invalid input %q on node %s: %s", e.Socket, e.Node, e.Reason)
}

// Base holds the identity, properties and sockets shared by every node.
type Base struct {
	ID         string
	Title      string
	Registry   string
	Style      string
	Properties map[string]any
	Inputs     []*Socket
	Outputs    []*Socket
}

// NewBase returns a base with a fresh id.
func NewBase(registry, title string) *Base {
	return &Base{
		ID:         uuid.NewString(),
		Title:      title,
		Registry:   registry,
		Properties: make(map[string]any),
	}
}

// NodeBase returns b.
func (b *Base) NodeBase() *Base { return b }

// Label names the node in logs and errors.
func (b *Base) Label() string {
	if b.Title == "" {
		return b.ID
	}
	return b.Title + " (" + b.ID + ")"
}

// AddInput declares an input socket.
func (b *Base) AddInput(name, typ string) *Socket {
	s := &Socket{Name: name, Type: typ, Value: Unresolved, owner: b}
	b.Inputs = append(b.Inputs, s)
	return s
}

// AddOutput declares an output socket.
func (b *Base) AddOutput(name, typ string) *Socket {
	s := &Socket{Name: name, Type: typ, Value: Unresolved, owner: b}
	b.Outputs = append(b.Outputs, s)
	return s
}

// Input returns the named input socket.
func (b *Base) Input(name string) *Socket {
	for _, s := range b.Inputs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Output returns the named output socket.
func (b *Base) Output(name string) *Socket {
	for _, s := range b.Outputs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SetDefault sets a property unless it is already present.
func (b *Base) SetDefault(name string, value any) {
	if _, ok := b.Properties[name]; !ok {
		b.Properties[name] = value
	}
}

// Property returns a property value or Unresolved.
func (b *Base) Property(name string) any {
	if v, ok := b.Properties[name]; ok {
		return v
	}
	return Unresolved
}

// SetProperty changes a property and records the change in st so later
// loop iterations and observers see it.
func (b *Base) SetProperty(name string, value any, st *GraphState) {
	b.Properties[name] = value
	if st != nil {
		st.recordProperty(b.ID, name, value)
	}
}

// InputValue returns what the named input reads: the connected output's
// value, or the property of the same name when disconnected. A deactivated
// source reads as Unresolved.
func (b *Base) InputValue(name string) any {
	s := b.Input(name)
	if s != nil && s.source != nil {
		if s.source.Deactivated {
			return Unresolved
		}
		return s.source.Value
	}
	return b.Property(name)
}

// NormalizedInputValue is InputValue with Unresolved mapped to nil.
func (b *Base) NormalizedInputValue(name string) any {
	v := b.InputValue(name)
	if IsUnresolved(v) {
		return nil
	}
	return v
}

// RequireInput returns the named input or an InputValueError when it has no
// value.
func (b *Base) RequireInput(name string) (any, error) {
	v := b.NormalizedInputValue(name)
	if v == nil {
		return nil, &InputValueError{Node: b.Label(), Socket: name, Reason: "value is required"}
	}
	return v, nil
}

// RequireString is RequireInput for string inputs.
func (b *Base) RequireString(name string) (string, error) {
	v, err := b.RequireInput(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &InputValueError{Node: b.Label(), Socket: name, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

// RequireNumber is RequireInput for numeric inputs. Numeric strings are
// accepted.
func (b *Base) RequireNumber(name string) (float64, error) {
	v, err := b.RequireInput(name)
	if err != nil {
		return 0, err
	}
	n, ok := ToNumber(v)
	if !ok {
		return 0, &InputValueError{Node: b.Label(), Socket: name, Reason: fmt.Sprintf("expected number, got %T", v)}
	}
	return n, nil
}

// SetOutputValues assigns several outputs at once. Nothing is assigned when
// any name is unknown.
func (b *Base) SetOutputValues(values map[string]any) error {
	sockets := make(map[string]*Socket, len(values))
	for name := range values {
		s := b.Output(name)
		if s == nil {
			return fmt.Errorf("node %s has no output %q", b.Label(), name)
		}
		sockets[name] = s
	}
	for name, s := range sockets {
		s.Value = values[name]
	}
	return nil
}

// OutputValues returns the current output values by name.
func (b *Base) OutputValues() map[string]any {
	out := make(map[string]any, len(b.Outputs))
	for _, s := range b.Outputs {
		out[s.Name] = s.Value
	}
	return out
}

// Deactivate prunes every output of the node.
func (b *Base) Deactivate() {
	for _, s := range b.Outputs {
		s.Deactivated = true
	}
}

func (b *Base) resetSockets() {
	for _, s := range b.Inputs {
		s.reset()
	}
	for _, s := range b.Outputs {
		s.reset()
	}
}

func (b *Base) applyProperties(props map[string]any) {
	maps.Copy(b.Properties, props)
}

// ToNumber converts numeric values and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ToInt is ToNumber truncated to an int.
func ToInt(v any) (int, bool) {
	n, ok := ToNumber(v)
	return int(n), ok
}
