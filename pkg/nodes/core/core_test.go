package core

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/nodes"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeScene(t *testing.T) (*scene.Scene, context.Context) {
	t.Helper()
	s := scene.New("yard", signals.NewBus(testLogger()), testLogger())
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Elmer", IsPlayer: true}))
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Kaira"}))
	sc, ctx := agent.NewScope(context.Background(), s)
	t.Cleanup(sc.Close)
	return s, ctx
}

// run executes a graph holding the given nodes and connections.
func run(t *testing.T, ctx context.Context, build func(g *nodes.Graph)) *nodes.GraphState {
	t.Helper()
	g := nodes.NewGraph("test")
	build(g)
	st := nodes.NewGraphState(testLogger())
	require.NoError(t, g.Execute(ctx, st))
	return st
}

func TestCounterLoop(t *testing.T) {
	entry := nodes.NewEntry()
	counter := NewCounter()
	loop := nodes.NewLoop("Count", func(ctx context.Context, st *nodes.GraphState) (bool, error) {
		v, _ := nodes.ToInt(counter.Property("value"))
		return v > 10, nil
	})
	require.NoError(t, loop.Add(counter))

	run(t, context.Background(), func(g *nodes.Graph) {
		require.NoError(t, g.Add(entry, loop))
		require.NoError(t, g.Connect(entry, "state", loop, "state"))
	})
	assert.Equal(t, 11, counter.Property("value"))
	assert.Equal(t, 11, counter.Output("value").Value)
}

func TestCounterReset(t *testing.T) {
	reset := NewMakeValue()
	reset.Properties["value"] = true
	counter := NewCounter()
	counter.Properties["value"] = 7
	counter.Properties["increment"] = 2

	run(t, context.Background(), func(g *nodes.Graph) {
		require.NoError(t, g.Add(reset, counter))
		require.NoError(t, g.Connect(reset, "value", counter, "reset"))
	})
	assert.Equal(t, 2, counter.Property("value"))
}

func TestMakeValue(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		typ     string
		want    any
		wantErr bool
	}{
		{"any passes through", []any{1}, "any", []any{1}, false},
		{"int from float", 3.0, "int", 3, false},
		{"int from string", "42", "int", 42, false},
		{"float", "1.5", "float", 1.5, false},
		{"bool from string", "true", "bool", true, false},
		{"str from number", 7, "str", "7", false},
		{"bad int", "many", "int", nil, true},
		{"unknown type", 1, "complex", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewMakeValue()
			n.Properties["value"] = tt.value
			n.Properties["type"] = tt.typ
			err := n.Run(context.Background(), nodes.NewGraphState(testLogger()))
			if tt.wantErr {
				var ive *nodes.InputValueError
				assert.ErrorAs(t, err, &ive)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Output("value").Value)
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     any
		operator string
		want     bool
	}{
		{"equal strings", "x", "x", "==", true},
		{"numeric string", "50", 100, "<", true},
		{"greater", 5, 10, ">", false},
		{"in list", []any{"wounded", "tired"}, "wounded", "in", true},
		{"missing a is false", nil, 1, "==", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewCompare()
			n.Properties["operator"] = tt.operator
			if tt.a != nil {
				n.Properties["a"] = tt.a
			}
			n.Properties["b"] = tt.b
			require.NoError(t, n.Run(context.Background(), nodes.NewGraphState(testLogger())))
			assert.Equal(t, tt.want, n.Output("result").Value)
		})
	}

	t.Run("unknown operator", func(t *testing.T) {
		n := NewCompare()
		n.Properties["operator"] = "~="
		n.Properties["a"] = 1
		var ive *nodes.InputValueError
		assert.ErrorAs(t, n.Run(context.Background(), nodes.NewGraphState(testLogger())), &ive)
	})
}

func TestSwitchPrunesBranch(t *testing.T) {
	tests := []struct {
		name      string
		value     bool
		yesRuns   bool
		noSkipped bool
	}{
		{"true takes yes", true, true, true},
		{"false takes no", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := NewMakeValue()
			cond.Properties["value"] = tt.value
			sw := NewSwitch()
			yes, no := NewPrint(), NewPrint()

			st := run(t, context.Background(), func(g *nodes.Graph) {
				require.NoError(t, g.Add(cond, sw, yes, no))
				require.NoError(t, g.Connect(cond, "value", sw, "value"))
				require.NoError(t, g.Connect(sw, "yes", yes, "value"))
				require.NoError(t, g.Connect(sw, "no", no, "value"))
			})
			assert.Equal(t, !tt.yesRuns, st.Skipped(yes.ID))
			assert.Equal(t, tt.noSkipped, st.Skipped(no.ID))
		})
	}
}

func TestStateNodes(t *testing.T) {
	s, ctx := activeScene(t)
	require.NoError(t, s.GameState().Set("player/hp", 50))

	value := NewMakeValue()
	value.Properties["value"] = "lantern"
	set := NewSetState()
	set.Properties["path"] = "player/item"
	get := NewGetState()
	get.Properties["path"] = "player/hp"
	missing := NewGetState()
	missing.Properties["path"] = "player/gold"
	missing.Properties["default"] = 0
	setLocal := NewSetState()
	setLocal.Properties["path"] = "visits"
	setLocal.Properties["scope"] = "local"
	setLocal.Properties["value"] = 3

	st := run(t, ctx, func(g *nodes.Graph) {
		require.NoError(t, g.Add(value, set, get, missing, setLocal))
		require.NoError(t, g.Connect(value, "value", set, "value"))
	})

	assert.Equal(t, "lantern", s.GameState().Get("player/item", nil))
	assert.Equal(t, 50, get.Output("value").Value)
	assert.Equal(t, true, get.Output("exists").Value)
	assert.Equal(t, 0, missing.Output("value").Value)
	assert.Equal(t, false, missing.Output("exists").Value)
	v, ok := st.Get("visits")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	t.Run("unknown scope", func(t *testing.T) {
		n := NewGetState()
		n.Properties["path"] = "x"
		n.Properties["scope"] = "galaxy"
		var ive *nodes.InputValueError
		assert.ErrorAs(t, n.Run(ctx, nodes.NewGraphState(testLogger())), &ive)
	})
	t.Run("needs scene", func(t *testing.T) {
		n := NewGetState()
		n.Properties["path"] = "x"
		assert.ErrorIs(t, n.Run(context.Background(), nodes.NewGraphState(testLogger())), agent.ErrSceneInactive)
	})
}

func TestActorStats(t *testing.T) {
	s, ctx := activeScene(t)
	require.NoError(t, s.GameState().Set("actors/Kaira", map[string]any{
		"hp":         float64(7),
		"max_hp":     float64(12),
		"ac":         float64(14),
		"attributes": map[string]any{"strength": float64(16)},
	}))

	n := NewActorStats()
	n.Properties["character"] = "Kaira"
	n.Properties["attribute"] = "strength"
	require.NoError(t, n.Run(ctx, nodes.NewGraphState(testLogger())))

	assert.Equal(t, 7, n.Output("hp").Value)
	assert.Equal(t, 12, n.Output("max_hp").Value)
	assert.Equal(t, 14, n.Output("ac").Value)
	assert.Equal(t, 16, n.Output("attribute").Value)

	t.Run("no stats", func(t *testing.T) {
		n := NewActorStats()
		n.Properties["character"] = "Elmer"
		var ive *nodes.InputValueError
		assert.ErrorAs(t, n.Run(ctx, nodes.NewGraphState(testLogger())), &ive)
	})
}

func TestNarrateNode(t *testing.T) {
	s, ctx := activeScene(t)
	mock := client.NewMockClient("Kaira steps in from the rain.")
	n := NewNarrate(agents.NewNarrator(mock, nil, testLogger()))
	n.Properties["action"] = "narrate_character_entry"
	n.Properties["character"] = "Kaira"

	require.NoError(t, n.Run(ctx, nodes.NewGraphState(testLogger())))
	assert.Equal(t, "Kaira steps in from the rain.", n.Output("text").Value)
	require.Equal(t, 1, s.Len())
	tail, _ := s.At(0)
	assert.Equal(t, message.KindNarrator, tail.Kind())

	t.Run("unknown action", func(t *testing.T) {
		n := NewNarrate(agents.NewNarrator(client.NewMockClient(), nil, testLogger()))
		n.Properties["action"] = "sing"
		var ive *nodes.InputValueError
		assert.ErrorAs(t, n.Run(ctx, nodes.NewGraphState(testLogger())), &ive)
	})
}

func TestContextualGenerateNode(t *testing.T) {
	_, ctx := activeScene(t)
	mock := client.NewMockClient("Forty, weathered.")
	n := NewContextualGenerate(agents.NewCreator(mock, nil, testLogger()))
	n.Properties["context"] = "character attribute:age"
	n.Properties["character"] = "Kaira"
	n.Properties["words"] = 20

	require.NoError(t, n.Run(ctx, nodes.NewGraphState(testLogger())))
	assert.Equal(t, "Forty, weathered.", n.Output("text").Value)

	t.Run("requires context", func(t *testing.T) {
		n := NewContextualGenerate(agents.NewCreator(client.NewMockClient(), nil, testLogger()))
		var ive *nodes.InputValueError
		assert.ErrorAs(t, n.Run(ctx, nodes.NewGraphState(testLogger())), &ive)
	})
}

func TestRegister(t *testing.T) {
	reg := nodes.NewRegistry()
	deps := Deps{
		Narrator: agents.NewNarrator(client.NewMockClient(), nil, testLogger()),
		Creator:  agents.NewCreator(client.NewMockClient(), nil, testLogger()),
	}
	require.NoError(t, Register(reg, deps))
	for _, path := range []string{"core/Counter", "game/ActorStats", "agents/narrator/Narrate", "agents/creator/ContextualGenerate"} {
		assert.True(t, reg.Has(path), path)
	}
	assert.ErrorIs(t, Register(reg, deps), nodes.ErrDuplicateRegistration)

	bare := nodes.NewRegistry()
	require.NoError(t, Register(bare, Deps{}))
	assert.False(t, bare.Has("agents/narrator/Narrate"))
}

func TestLoadCountingGraph(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, Register(reg, Deps{}))
	g, err := nodes.Load([]byte(`{
	  "title": "count",
	  "nodes": [
	    {"id": "entry", "type": "core/Entry"},
	    {"id": "loop", "type": "core/Loop", "exit": "props.counter.value > 10",
	     "graph": {"nodes": [{"id": "counter", "type": "core/Counter"}]}}
	  ],
	  "edges": [{"from": "entry.state", "to": "loop.state"}]
	}`), reg)
	require.NoError(t, err)
	require.NoError(t, g.Execute(context.Background(), nodes.NewGraphState(testLogger())))

	loop, _ := g.Node("loop")
	counter, _ := loop.(*nodes.Loop).Node("counter")
	assert.Equal(t, 11, counter.NodeBase().Property("value"))
}
