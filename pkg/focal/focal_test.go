package focal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/client"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type attributeRecorder struct {
	calls []map[string]any
	err   error
}

func (r *attributeRecorder) callback(multiple bool) *Callback {
	return &Callback{
		Name: "set_character_attribute",
		Arguments: []Argument{
			{Name: "name", Type: TypeString},
			{Name: "key", Type: TypeString},
			{Name: "value", Type: TypeString},
		},
		Multiple: multiple,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			r.calls = append(r.calls, args)
			return args["value"], r.err
		},
	}
}

const twoCallsYAML = "Here you go:\n```yaml\n" +
	"- function: set_character_attribute\n" +
	"  arguments:\n" +
	"    name: Bob\n" +
	"    key: mood\n" +
	"    value: anxious\n" +
	"- function: set_character_attribute\n" +
	"  arguments:\n" +
	"    name: Bob\n" +
	"    key: mood\n" +
	"    value: relieved\n" +
	"```\n"

func TestRequest_YAMLRespectsMaxCalls(t *testing.T) {
	rec := &attributeRecorder{}
	mock := client.NewMockClient(twoCallsYAML)
	f, err := New(mock, []*Callback{rec.callback(true)}, Options{MaxCalls: 1, Format: client.DataFormatYAML}, testLogger())
	require.NoError(t, err)

	calls, err := f.Request(context.Background(), "Update Bob.")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "anxious", rec.calls[0]["value"])
	assert.True(t, calls[0].Called)
	assert.Equal(t, "anxious", calls[0].Result)

	prompt := mock.GetCalls()[0].Prompt
	assert.True(t, strings.HasPrefix(prompt, "Update Bob."))
	assert.Contains(t, prompt, "## set_character_attribute(name: str, key: str, value: str)")
	assert.Contains(t, prompt, "```yaml")
}

func TestRequest_CallCount(t *testing.T) {
	tests := []struct {
		name     string
		maxCalls int
		multiple bool
		want     int
	}{
		{name: "under limit", maxCalls: 5, multiple: true, want: 2},
		{name: "at limit", maxCalls: 2, multiple: true, want: 2},
		{name: "over limit", maxCalls: 1, multiple: true, want: 1},
		{name: "single use callback", maxCalls: 5, multiple: false, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &attributeRecorder{}
			mock := client.NewMockClient(twoCallsYAML)
			f, err := New(mock, []*Callback{rec.callback(tt.multiple)}, Options{MaxCalls: tt.maxCalls, Format: client.DataFormatYAML}, testLogger())
			require.NoError(t, err)

			calls, err := f.Request(context.Background(), "go")
			require.NoError(t, err)
			assert.Len(t, calls, tt.want)
			assert.Len(t, rec.calls, tt.want)
		})
	}
}

func TestRequest_NoBlock(t *testing.T) {
	t.Run("no retries", func(t *testing.T) {
		rec := &attributeRecorder{}
		mock := client.NewMockClient("I would rather not.")
		f, err := New(mock, []*Callback{rec.callback(true)}, Options{}, testLogger())
		require.NoError(t, err)

		calls, err := f.Request(context.Background(), "go")
		require.NoError(t, err)
		assert.Empty(t, calls)
		assert.Len(t, mock.GetCalls(), 1)
	})

	t.Run("retried until calls are made", func(t *testing.T) {
		rec := &attributeRecorder{}
		mock := client.NewMockClient("nothing", "```json\n{\"function\": \"set_character_attribute\", \"arguments\": {\"name\": \"Bob\", \"key\": \"mood\", \"value\": \"calm\"}}\n```")
		f, err := New(mock, []*Callback{rec.callback(true)}, Options{Retries: 2}, testLogger())
		require.NoError(t, err)

		calls, err := f.Request(context.Background(), "go")
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Len(t, mock.GetCalls(), 2)
	})
}

func TestRequest_RepairRound(t *testing.T) {
	rec := &attributeRecorder{}
	mock := client.NewMockClient(
		"```json\n{\"function\": set_character_attribute\n```",
		"```json\n[{\"function\": \"set_character_attribute\", \"arguments\": {\"name\": \"Bob\", \"key\": \"mood\", \"value\": \"calm\"}}]\n```",
	)
	f, err := New(mock, []*Callback{rec.callback(true)}, Options{}, testLogger())
	require.NoError(t, err)

	calls, err := f.Request(context.Background(), "go")
	require.NoError(t, err)
	require.Len(t, calls, 1)

	sent := mock.GetCalls()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Prompt, "could not be parsed")
	assert.Contains(t, sent[1].Prompt, `{"function": set_character_attribute`)
}

func TestRequest_RepairFailsYieldsNoCalls(t *testing.T) {
	mock := client.NewMockClient("```json\n{oops\n```", "still {broken")
	rec := &attributeRecorder{}
	f, err := New(mock, []*Callback{rec.callback(true)}, Options{}, testLogger())
	require.NoError(t, err)

	calls, err := f.Request(context.Background(), "go")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestRequest_InvalidItemsDropped(t *testing.T) {
	rec := &attributeRecorder{}
	mock := client.NewMockClient("```json\n[" +
		`{"function": "unknown", "arguments": {}},` +
		`{"function": "set_character_attribute", "arguments": {"name": "Bob"}},` +
		`{"name": "set_character_attribute", "arguments": {"name": "Bob", "key": "mood", "value": "ok"}}` +
		"]\n```")
	f, err := New(mock, []*Callback{rec.callback(true)}, Options{}, testLogger())
	require.NoError(t, err)

	calls, err := f.Request(context.Background(), "go")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].Arguments["value"])
}

func TestRequest_CallbackErrors(t *testing.T) {
	t.Run("captured on the call", func(t *testing.T) {
		rec := &attributeRecorder{err: errors.New("nope")}
		f, err := New(client.NewMockClient(twoCallsYAML), []*Callback{rec.callback(true)}, Options{Format: client.DataFormatYAML}, testLogger())
		require.NoError(t, err)

		calls, err := f.Request(context.Background(), "go")
		require.NoError(t, err)
		require.Len(t, calls, 2)
		assert.EqualError(t, calls[0].Err, "nope")
		assert.EqualError(t, calls[1].Err, "nope")
	})

	t.Run("reraise stops the batch", func(t *testing.T) {
		boom := errors.New("boom")
		rec := &attributeRecorder{err: Reraise(boom)}
		f, err := New(client.NewMockClient(twoCallsYAML), []*Callback{rec.callback(true)}, Options{Format: client.DataFormatYAML}, testLogger())
		require.NoError(t, err)

		calls, err := f.Request(context.Background(), "go")
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Len(t, calls, 1)
	})

	t.Run("panic captured on the call", func(t *testing.T) {
		cb := (&attributeRecorder{}).callback(true)
		runs := 0
		cb.Fn = func(_ context.Context, args map[string]any) (any, error) {
			runs++
			if runs == 1 {
				panic("mood table missing")
			}
			return args["value"], nil
		}
		f, err := New(client.NewMockClient(twoCallsYAML), []*Callback{cb}, Options{Format: client.DataFormatYAML}, testLogger())
		require.NoError(t, err)

		calls, err := f.Request(context.Background(), "go")
		require.NoError(t, err)
		require.Len(t, calls, 2)
		assert.True(t, calls[0].Called)
		assert.ErrorContains(t, calls[0].Err, "mood table missing")
		assert.NoError(t, calls[1].Err)
		assert.Equal(t, "relieved", calls[1].Result)
	})
}

func TestRequest_Hooks(t *testing.T) {
	var events []string
	ctx := WithHooks(context.Background(), Hooks{
		Before: func(_ context.Context, c *Call) { events = append(events, "before:"+c.Name) },
		After:  func(_ context.Context, c *Call) { events = append(events, "after:"+c.Name) },
	})
	rec := &attributeRecorder{}
	f, err := New(client.NewMockClient(twoCallsYAML), []*Callback{rec.callback(true)}, Options{MaxCalls: 1, Format: client.DataFormatYAML}, testLogger())
	require.NoError(t, err)

	_, err = f.Request(ctx, "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"before:set_character_attribute", "after:set_character_attribute"}, events)
}

func TestNew_Validation(t *testing.T) {
	rec := &attributeRecorder{}
	_, err := New(nil, nil, Options{}, nil)
	assert.Error(t, err)

	_, err = New(client.NewMockClient(), []*Callback{rec.callback(true), rec.callback(false)}, Options{}, nil)
	assert.Error(t, err)

	_, err = New(client.NewMockClient(), []*Callback{{Name: "x"}}, Options{}, nil)
	assert.Error(t, err)

	mock := client.NewMockClient()
	mock.Format = client.DataFormatYAML
	f, err := New(mock, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, client.DataFormatYAML, f.Format())
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "trailing comma", input: `{"a": 1,}`, want: `{"a": 1}`},
		{name: "missing comma", input: "{\"a\": 1\n\"b\": 2}", want: "{\"a\": 1,\n\"b\": 2}"},
		{name: "multiple objects", input: `{"a":1}{"b":2}`, want: `[{"a":1},{"b":2}]`},
		{name: "valid untouched", input: `[{"a": "x"}]`, want: `[{"a": "x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RepairJSON(tt.input))
		})
	}
}

func TestParseJSON(t *testing.T) {
	items, err := ParseJSON("{\"a\": 1,}\n{\"b\": 2}")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = ParseJSON(`"just a string"`)
	var perr *DataParsingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, client.DataFormatJSON, perr.Format)
}

func TestParseYAML(t *testing.T) {
	t.Run("embedded colon", func(t *testing.T) {
		input := "- function: note\n  arguments:\n    text: Remember: the door is locked"
		items, err := ParseYAML(input)
		require.NoError(t, err)
		require.Len(t, items, 1)
		args := items[0]["arguments"].(map[string]any)
		assert.Equal(t, "Remember: the door is locked", args["text"])
	})

	t.Run("document separators", func(t *testing.T) {
		items, err := ParseYAML("---\nfunction: a\n---\nfunction: b\n")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "b", items[1]["function"])
	})

	t.Run("unrepairable", func(t *testing.T) {
		_, err := ParseYAML("a: [unclosed")
		var perr *DataParsingError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestBlocks(t *testing.T) {
	text := "```json\n{\"a\":1}\n```\n```yaml\nb: 2\n```\n```\n{\"c\":3}\n```"
	assert.Equal(t, []string{`{"a":1}`, `{"c":3}`}, Blocks(text, client.DataFormatJSON))
	assert.Equal(t, []string{"b: 2", `{"c":3}`}, Blocks(text, client.DataFormatYAML))
}

func TestCollectCalls(t *testing.T) {
	inner := []*Call{{Name: "b"}, {Name: "c"}}
	calls := []*Call{{Name: "a", Result: inner}, {Name: "d"}}

	assert.Len(t, CollectCalls(calls, false, nil), 2)

	names := func(cs []*Call) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(CollectCalls(calls, true, nil)))
	assert.Equal(t, []string{"c"}, names(CollectCalls(calls, true, func(c *Call) bool { return c.Name == "c" })))
}
