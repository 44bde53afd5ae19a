// Package client defines the capability the engine requires from an LLM
// adapter. Concrete adapters live outside this module.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Kind is the generation tier an agent asks for. Adapters map it to
// length limits, stop strings and timeouts.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindNarrate      Kind = "narrate"
	KindDirection    Kind = "direction"
	KindCreate       Kind = "create"
	KindSummarize    Kind = "summarize"
	KindAnalyze      Kind = "analyze"
	KindEdit         Kind = "edit"
	KindShort        Kind = "short"
	KindConcise      Kind = "concise"
	KindLong         Kind = "long"
)

// DataFormat is the structured format an adapter handles best.
type DataFormat string

const (
	DataFormatNone DataFormat = ""
	DataFormatJSON DataFormat = "json"
	DataFormatYAML DataFormat = "yaml"
)

// Parameters are inference parameters such as temperature.
type Parameters map[string]any

// Clone returns a shallow copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	return maps.Clone(p)
}

// Float returns a numeric parameter or def.
func (p Parameters) Float(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// ParameterReroute sends a parameter to the name an adapter understands.
type ParameterReroute struct {
	From string
	To   string
}

// Parameter is a supported parameter, optionally rerouted.
type Parameter struct {
	Name    string
	Reroute *ParameterReroute
}

// Supports builds a plain parameter list.
func Supports(names ...string) []Parameter {
	out := make([]Parameter, len(names))
	for i, n := range names {
		out[i] = Parameter{Name: n}
	}
	return out
}

// Client is the LLM capability the engine depends on.
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string, params Parameters, kind Kind) (string, error)
	CountTokens(text string) int
	MaxTokenLength() int
	SupportedParameters() []Parameter
	SupportsEmbeddings() bool
	DataFormat() DataFormat
	DecensorEnabled() bool
	CanBeCoerced() bool
	Enabled() bool
	EmitStatus(ctx context.Context, processing bool)
}

// Aborter is implemented by adapters that can stop a running generation.
type Aborter interface {
	AbortGeneration(ctx context.Context) error
}

// Abort stops c's current generation when the adapter supports it.
func Abort(ctx context.Context, c Client) error {
	if a, ok := c.(Aborter); ok {
		return a.AbortGeneration(ctx)
	}
	return nil
}

// FilterParameters keeps the parameters c supports and applies reroutes.
func FilterParameters(c Client, params Parameters) Parameters {
	out := Parameters{}
	for _, p := range c.SupportedParameters() {
		if p.Reroute != nil {
			if v, ok := params[p.Reroute.From]; ok {
				out[p.Reroute.To] = v
			}
			continue
		}
		if v, ok := params[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

// GenerationProcessingError is a protocol failure reported by an adapter.
type GenerationProcessingError struct {
	Status  int
	Message string
}

func (e *GenerationProcessingError) Error() string {
	if e.Status == 0 {
		return "generation failed: " + e.Message
	}
	return fmt.Sprintf("generation failed with status %d: %s", e.Status, e.Message)
}

// IsGenerationError reports whether err is a GenerationProcessingError.
func IsGenerationError(err error) bool {
	var gpe *GenerationProcessingError
	return errors.As(err, &gpe)
}

type overridesKey struct{}

// WithOverrides returns a context whose generations merge params over the
// caller's parameters.
func WithOverrides(ctx context.Context, params Parameters) context.Context {
	merged := Overrides(ctx).Clone()
	maps.Copy(merged, params)
	return context.WithValue(ctx, overridesKey{}, merged)
}

// Overrides returns the parameter overrides carried by ctx.
func Overrides(ctx context.Context) Parameters {
	p, _ := ctx.Value(overridesKey{}).(Parameters)
	return p
}

// Prepare merges context overrides into params and filters them for c.
func Prepare(ctx context.Context, c Client, params Parameters) Parameters {
	merged := params.Clone()
	maps.Copy(merged, Overrides(ctx))
	return FilterParameters(c, merged)
}
