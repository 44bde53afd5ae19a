// Package focal extracts function calls from free form model output and
// invokes the matching callbacks.
package focal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/prompts"
)

const defaultMaxCalls = 5

// Argument is a typed callback parameter.
type Argument struct {
	Name     string
	Type     string
	Optional bool
}

// CallbackFunc runs a callback with decoded arguments.
type CallbackFunc func(ctx context.Context, args map[string]any) (any, error)

// Callback is a function the model may ask to call.
type Callback struct {
	Name        string
	Arguments   []Argument
	Fn          CallbackFunc
	Multiple    bool
	Description string
	Example     map[string]any
}

// Call records one callback invocation.
type Call struct {
	Name      string
	Arguments map[string]any
	Result    any
	Called    bool
	Err       error
}

// ReraiseError stops the batch when returned from a callback.
type ReraiseError struct {
	Err error
}

func (e *ReraiseError) Error() string { return e.Err.Error() }
func (e *ReraiseError) Unwrap() error { return e.Err }

// Reraise marks err so that Request returns it instead of recording it.
func Reraise(err error) error {
	return &ReraiseError{Err: err}
}

// Options controls a Focal request.
type Options struct {
	MaxCalls int
	Retries  int
	Format   client.DataFormat
	Kind     client.Kind
	Params   client.Parameters
}

// Focal sends prompts and turns the response into callback invocations.
type Focal struct {
	client    client.Client
	callbacks map[string]*Callback
	order     []string
	schemas   map[string]*jsonschema.Schema
	opts      Options
	logger    *slog.Logger
}

// New validates the callbacks and prepares their argument schemas.
func New(c client.Client, callbacks []*Callback, opts Options, logger *slog.Logger) (*Focal, error) {
	if c == nil {
		return nil, fmt.Errorf("focal needs a client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = defaultMaxCalls
	}
	if opts.Format == client.DataFormatNone {
		opts.Format = c.DataFormat()
	}
	if opts.Format != client.DataFormatYAML {
		opts.Format = client.DataFormatJSON
	}
	if opts.Kind == "" {
		opts.Kind = client.KindAnalyze
	}

	f := &Focal{
		client:    c,
		callbacks: make(map[string]*Callback, len(callbacks)),
		schemas:   make(map[string]*jsonschema.Schema, len(callbacks)),
		opts:      opts,
		logger:    logger.With("component", "focal"),
	}
	for _, cb := range callbacks {
		if cb.Name == "" || cb.Fn == nil {
			return nil, fmt.Errorf("callback needs a name and a function")
		}
		if _, dup := f.callbacks[cb.Name]; dup {
			return nil, fmt.Errorf("duplicate callback %q", cb.Name)
		}
		schema, err := compileSchema(cb)
		if err != nil {
			return nil, err
		}
		f.callbacks[cb.Name] = cb
		f.schemas[cb.Name] = schema
		f.order = append(f.order, cb.Name)
	}
	return f, nil
}

// Format is the data format the model is asked to answer in.
func (f *Focal) Format() client.DataFormat { return f.opts.Format }

// Instructions renders the block that explains the available functions.
func (f *Focal) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You may call the following functions. Answer with a single fenced %s code block containing a list of calls. Each call has a \"function\" and an \"arguments\" field.\n", f.opts.Format)
	for _, name := range f.order {
		cb := f.callbacks[name]
		args := make([]string, 0, len(cb.Arguments))
		for _, a := range cb.Arguments {
			args = append(args, a.Name+": "+a.Type)
		}
		fmt.Fprintf(&b, "\n## %s(%s)\n", cb.Name, strings.Join(args, ", "))
		if cb.Description != "" {
			b.WriteString(cb.Description + "\n")
		}
		if cb.Multiple {
			b.WriteString("May be called more than once.\n")
		}
		example := cb.Example
		if example == nil {
			example = placeholderArgs(cb)
		}
		if usage, err := f.encode([]map[string]any{{"function": cb.Name, "arguments": example}}); err == nil {
			fmt.Fprintf(&b, "Example:\n```%s\n%s\n```\n", f.opts.Format, usage)
		}
	}
	return b.String()
}

func (f *Focal) encode(v any) (string, error) {
	if f.opts.Format == client.DataFormatYAML {
		out, err := yaml.Marshal(v)
		return strings.TrimSpace(string(out)), err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	return string(out), err
}

func placeholderArgs(cb *Callback) map[string]any {
	out := make(map[string]any, len(cb.Arguments))
	for _, a := range cb.Arguments {
		switch a.Type {
		case TypeInt:
			out[a.Name] = 0
		case TypeFloat:
			out[a.Name] = 0.0
		case TypeBool:
			out[a.Name] = false
		case TypeList:
			out[a.Name] = []any{}
		case TypeDict:
			out[a.Name] = map[string]any{}
		default:
			out[a.Name] = "..."
		}
	}
	return out
}

// Request sends prompt with the function instructions and runs the calls
// found in the response. A request that produced no calls is repeated while
// retries remain.
func (f *Focal) Request(ctx context.Context, prompt string) ([]*Call, error) {
	full := strings.TrimSpace(prompt) + "\n\n" + f.Instructions()
	for attempt := 0; ; attempt++ {
		response, err := f.client.Generate(ctx, full, client.Prepare(ctx, f.client, f.opts.Params), f.opts.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to generate focal response: %w", err)
		}
		items := f.extract(ctx, response)
		calls, err := f.execute(ctx, items)
		if err != nil {
			return calls, err
		}
		if len(calls) > 0 || attempt >= f.opts.Retries {
			return calls, nil
		}
		f.logger.Debug("no calls made, retrying", "attempt", attempt+1)
	}
}

// extract parses the response, asking the model to fix unparseable data
// once. Data that stays broken yields no items.
func (f *Focal) extract(ctx context.Context, response string) []map[string]any {
	items, err := f.parseResponse(response)
	if err == nil {
		return items
	}

	var perr *DataParsingError
	if !errors.As(err, &perr) {
		f.logger.Debug("no data block in response")
		return nil
	}

	f.logger.Info("attempting to repair data", "format", f.opts.Format, "error", perr.Err)
	fix := fmt.Sprintf(prompts.FixDataPrompt, f.opts.Format, perr.Err, perr.Text)
	repaired, gerr := f.client.Generate(ctx, fix, client.Prepare(ctx, f.client, f.opts.Params), client.KindAnalyze)
	if gerr != nil {
		f.logger.Warn("data repair request failed", "error", gerr)
		return nil
	}
	items, err = f.parseResponse(repaired)
	if err != nil {
		f.logger.Warn("could not parse function calls", "error", err)
		return nil
	}
	return items
}

var errNoBlock = errors.New("no data block")

func (f *Focal) parseResponse(text string) ([]map[string]any, error) {
	blocks := Blocks(text, f.opts.Format)
	if len(blocks) == 0 {
		return nil, errNoBlock
	}
	var items []map[string]any
	for _, block := range blocks {
		parsed, err := Parse(block, f.opts.Format)
		if err != nil {
			return nil, err
		}
		items = append(items, parsed...)
	}
	return items, nil
}

func (f *Focal) execute(ctx context.Context, items []map[string]any) ([]*Call, error) {
	hooks := hooksFrom(ctx)
	calls := make([]*Call, 0, len(items))
	used := make(map[string]bool)

	for _, item := range items {
		if len(calls) >= f.opts.MaxCalls {
			f.logger.Debug("max calls reached", "max_calls", f.opts.MaxCalls)
			break
		}
		call, ok := f.decodeCall(item)
		if !ok {
			continue
		}
		cb := f.callbacks[call.Name]
		if used[cb.Name] && !cb.Multiple {
			f.logger.Debug("callback already called", "function", cb.Name)
			continue
		}
		used[cb.Name] = true

		if hooks.Before != nil {
			hooks.Before(ctx, call)
		}
		call.Result, call.Err = invoke(ctx, cb, call.Arguments)
		call.Called = true
		if hooks.After != nil {
			hooks.After(ctx, call)
		}
		calls = append(calls, call)

		var reraise *ReraiseError
		if errors.As(call.Err, &reraise) {
			return calls, fmt.Errorf("callback %s failed: %w", call.Name, reraise.Err)
		}
		if call.Err != nil {
			f.logger.Warn("callback failed", "function", call.Name, "error", call.Err)
		}
	}
	return calls, nil
}

// invoke runs a callback, turning a panic into the call's error.
func invoke(ctx context.Context, cb *Callback, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", cb.Name, r)
		}
	}()
	return cb.Fn(ctx, args)
}

func (f *Focal) decodeCall(item map[string]any) (*Call, bool) {
	name, _ := item["function"].(string)
	if name == "" {
		name, _ = item["name"].(string)
	}
	cb, ok := f.callbacks[name]
	if !ok {
		f.logger.Warn("unknown function in response", "function", name)
		return nil, false
	}
	args, _ := item["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(f.schemas[name], args); err != nil {
		f.logger.Warn("invalid arguments", "function", name, "error", err)
		return nil, false
	}
	return &Call{Name: cb.Name, Arguments: args}, true
}

// Hooks run around every callback invocation of requests made with a
// context carrying them.
type Hooks struct {
	Before func(ctx context.Context, call *Call)
	After  func(ctx context.Context, call *Call)
}

type hooksKey struct{}

// WithHooks returns a context whose requests run h around each call.
func WithHooks(ctx context.Context, h Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) Hooks {
	h, _ := ctx.Value(hooksKey{}).(Hooks)
	return h
}

// CollectCalls flattens calls. With nested set, calls whose result is
// itself a list of calls are expanded in place. A nil filter keeps all.
func CollectCalls(calls []*Call, nested bool, filter func(*Call) bool) []*Call {
	var out []*Call
	for _, call := range calls {
		if filter == nil || filter(call) {
			out = append(out, call)
		}
		if !nested {
			continue
		}
		if children, ok := call.Result.([]*Call); ok {
			out = append(out, CollectCalls(children, true, filter)...)
		}
	}
	return out
}
