package conditionals

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator compares the value at a path against a condition value.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpIsTrue       Operator = "is_true"
	OpIsFalse      Operator = "is_false"
	OpIsNull       Operator = "is_null"
	OpIsNotNull    Operator = "is_not_null"
)

// Combiner joins the conditions of a group.
type Combiner string

const (
	And Combiner = "and"
	Or  Combiner = "or"
)

// Condition is a single comparison against the game state.
type Condition struct {
	Path     string   `json:"path" yaml:"path"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Group is a list of conditions joined by and/or.
type Group struct {
	Operator   Combiner    `json:"operator" yaml:"operator"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// View provides the minimal interface needed to evaluate conditions.
// This avoids import cycles with the state package.
type View interface {
	Lookup(path string) (any, bool)
}

// EvaluateGroups ORs the groups together. An empty list is false.
func EvaluateGroups(groups []Group, view View) bool {
	for _, g := range groups {
		if EvaluateGroup(g, view) {
			return true
		}
	}
	return false
}

// EvaluateGroup evaluates one group. A group without conditions is false.
func EvaluateGroup(g Group, view View) bool {
	if len(g.Conditions) == 0 {
		return false
	}

	switch g.Operator {
	case Or:
		for _, c := range g.Conditions {
			if Evaluate(c, view) {
				return true
			}
		}
		return false
	default:
		// and is the default combiner
		for _, c := range g.Conditions {
			if !Evaluate(c, view) {
				return false
			}
		}
		return true
	}
}

// Evaluate checks a single condition. A missing path is false for every
// operator except is_null.
func Evaluate(c Condition, view View) bool {
	actual, ok := view.Lookup(c.Path)
	if !ok {
		return c.Operator == OpIsNull
	}

	switch c.Operator {
	case OpEqual:
		return equal(actual, c.Value)
	case OpNotEqual:
		return !equal(actual, c.Value)
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		a, okA := toNumber(actual)
		b, okB := toNumber(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Operator {
		case OpGreater:
			return a > b
		case OpLess:
			return a < b
		case OpGreaterEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		return contains(actual, c.Value)
	case OpNotIn:
		return !contains(actual, c.Value)
	case OpIsTrue:
		return truthy(actual)
	case OpIsFalse:
		return !truthy(actual)
	case OpIsNull:
		return actual == nil
	case OpIsNotNull:
		return actual != nil
	}
	return false
}

// Validate reports the first malformed condition in groups.
func Validate(groups []Group) error {
	for i, g := range groups {
		if g.Operator != "" && g.Operator != And && g.Operator != Or {
			return fmt.Errorf("group %d: unknown combiner %q", i, g.Operator)
		}
		for j, c := range g.Conditions {
			if c.Path == "" {
				return fmt.Errorf("group %d condition %d: empty path", i, j)
			}
			switch c.Operator {
			case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
				OpIn, OpNotIn, OpIsTrue, OpIsFalse, OpIsNull, OpIsNotNull:
			default:
				return fmt.Errorf("group %d condition %d: unknown operator %q", i, j, c.Operator)
			}
		}
	}
	return nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

// contains checks whether the condition value is a member of the value at the
// path (list or substring); when the path value is a scalar it checks the
// reverse membership against a list condition value.
func contains(actual, want any) bool {
	switch a := actual.(type) {
	case string:
		if w, ok := want.(string); ok {
			return strings.Contains(a, w)
		}
	case []any:
		for _, item := range a {
			if equal(item, want) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range a {
			if equal(item, want) {
				return true
			}
		}
		return false
	}

	switch w := want.(type) {
	case []any:
		for _, item := range w {
			if equal(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range w {
			if equal(actual, item) {
				return true
			}
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "no":
			return false
		}
		return true
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return true
}
