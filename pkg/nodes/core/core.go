// Package core provides the built-in nodes authored graphs are made of.
package core

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/conditionals"
	"github.com/jwebster45206/talemate/pkg/nodes"
)

// Deps are the agents used by agent nodes. Nil agents leave their nodes
// unregistered.
type Deps struct {
	Narrator *agents.Narrator
	Creator  *agents.Creator
}

// Register adds the built-in nodes to reg.
func Register(reg *nodes.Registry, deps Deps) error {
	factories := map[string]nodes.Factory{
		"core/Counter":    func() (nodes.Node, error) { return NewCounter(), nil },
		"core/MakeValue":  func() (nodes.Node, error) { return NewMakeValue(), nil },
		"core/Compare":    func() (nodes.Node, error) { return NewCompare(), nil },
		"core/Switch":     func() (nodes.Node, error) { return NewSwitch(), nil },
		"core/Print":      func() (nodes.Node, error) { return NewPrint(), nil },
		"core/GetState":   func() (nodes.Node, error) { return NewGetState(), nil },
		"core/SetState":   func() (nodes.Node, error) { return NewSetState(), nil },
		"game/ActorStats": func() (nodes.Node, error) { return NewActorStats(), nil },
	}
	if deps.Narrator != nil {
		factories["agents/narrator/Narrate"] = func() (nodes.Node, error) { return NewNarrate(deps.Narrator), nil }
	}
	if deps.Creator != nil {
		factories["agents/creator/ContextualGenerate"] = func() (nodes.Node, error) { return NewContextualGenerate(deps.Creator), nil }
	}
	for path, f := range factories {
		if err := reg.Register(path, f); err != nil {
			return err
		}
	}
	return nil
}

// Counter adds increment to its value property on every run.
type Counter struct {
	*nodes.Base
}

func NewCounter() *Counter {
	n := &Counter{Base: nodes.NewBase("core/Counter", "Counter")}
	n.Setup()
	return n
}

func (n *Counter) Setup() {
	n.AddInput("state", "any")
	n.AddInput("reset", "bool")
	n.AddOutput("value", "int")
	n.SetDefault("value", 0)
	n.SetDefault("increment", 1)
}

func (n *Counter) Run(ctx context.Context, st *nodes.GraphState) error {
	value, ok := nodes.ToInt(n.Property("value"))
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "value", Reason: "counter value is not a number"}
	}
	increment, ok := nodes.ToInt(n.Property("increment"))
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "increment", Reason: "increment is not a number"}
	}
	if reset, _ := n.NormalizedInputValue("reset").(bool); reset {
		value = 0
	}
	value += increment
	n.SetProperty("value", value, st)
	return n.SetOutputValues(map[string]any{"value": value})
}

// MakeValue outputs its value property converted to its type property.
type MakeValue struct {
	*nodes.Base
}

func NewMakeValue() *MakeValue {
	n := &MakeValue{Base: nodes.NewBase("core/MakeValue", "Make Value")}
	n.Setup()
	return n
}

func (n *MakeValue) Setup() {
	n.AddOutput("value", "any")
	n.SetDefault("type", "any")
	n.SetDefault("value", nil)
}

func (n *MakeValue) Run(ctx context.Context, st *nodes.GraphState) error {
	raw := n.Property("value")
	typ, _ := n.Property("type").(string)
	value, err := convert(raw, typ)
	if err != nil {
		return &nodes.InputValueError{Node: n.Label(), Socket: "value", Reason: err.Error()}
	}
	return n.SetOutputValues(map[string]any{"value": value})
}

func convert(v any, typ string) (any, error) {
	switch typ {
	case "", "any":
		return v, nil
	case "str":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "int":
		if i, ok := nodes.ToInt(v); ok {
			return i, nil
		}
	case "float":
		if f, ok := nodes.ToNumber(v); ok {
			return f, nil
		}
	case "bool":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
	return nil, fmt.Errorf("cannot convert %v to %s", v, typ)
}

// valueView exposes a single value to the condition evaluator.
type valueView map[string]any

func (v valueView) Lookup(path string) (any, bool) {
	value, ok := v[path]
	return value, ok
}

// Compare evaluates "a <operator> b" with the condition evaluator's
// coercion rules.
type Compare struct {
	*nodes.Base
}

func NewCompare() *Compare {
	n := &Compare{Base: nodes.NewBase("core/Compare", "Compare")}
	n.Setup()
	return n
}

func (n *Compare) Setup() {
	n.AddInput("a", "any")
	n.AddInput("b", "any")
	n.AddOutput("result", "bool")
	n.SetDefault("operator", string(conditionals.OpEqual))
}

func (n *Compare) Run(ctx context.Context, st *nodes.GraphState) error {
	op, _ := n.Property("operator").(string)
	cond := conditionals.Condition{Path: "a", Operator: conditionals.Operator(op), Value: n.NormalizedInputValue("b")}
	if err := conditionals.Validate([]conditionals.Group{{Conditions: []conditionals.Condition{cond}}}); err != nil {
		return &nodes.InputValueError{Node: n.Label(), Socket: "operator", Reason: err.Error()}
	}
	view := valueView{}
	if a := n.NormalizedInputValue("a"); a != nil {
		view["a"] = a
	}
	return n.SetOutputValues(map[string]any{"result": conditionals.Evaluate(cond, view)})
}

// Switch routes its value to yes or no and prunes the other branch.
type Switch struct {
	*nodes.Base
}

func NewSwitch() *Switch {
	n := &Switch{Base: nodes.NewBase("core/Switch", "Switch")}
	n.Setup()
	return n
}

func (n *Switch) Setup() {
	n.AddInput("value", "bool")
	n.AddOutput("yes", "bool")
	n.AddOutput("no", "bool")
}

func (n *Switch) Run(ctx context.Context, st *nodes.GraphState) error {
	v, err := n.RequireInput("value")
	if err != nil {
		return err
	}
	on, ok := v.(bool)
	if !ok {
		return &nodes.InputValueError{Node: n.Label(), Socket: "value", Reason: fmt.Sprintf("expected bool, got %T", v)}
	}
	taken, pruned := n.Output("yes"), n.Output("no")
	if !on {
		taken, pruned = pruned, taken
	}
	taken.Value = on
	pruned.Deactivated = true
	return nil
}

// Print logs its value and passes it on.
type Print struct {
	*nodes.Base
}

func NewPrint() *Print {
	n := &Print{Base: nodes.NewBase("core/Print", "Print")}
	n.Setup()
	return n
}

func (n *Print) Setup() {
	n.AddInput("value", "any")
	n.AddOutput("value", "any")
}

func (n *Print) Run(ctx context.Context, st *nodes.GraphState) error {
	v := n.NormalizedInputValue("value")
	st.Logger.Info("Print", "node", n.Label(), "value", v)
	return n.SetOutputValues(map[string]any{"value": v})
}
