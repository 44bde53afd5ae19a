package nodes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tally increments its value property on every run.
type tally struct {
	*Base
}

func newTally(id string) *tally {
	n := &tally{Base: NewBase("test/Tally", "Tally")}
	n.ID = id
	n.Setup()
	return n
}

func (n *tally) Setup() {
	n.AddInput("state", "any")
	n.AddOutput("value", "int")
	n.SetDefault("value", 0)
}

func (n *tally) Run(ctx context.Context, st *GraphState) error {
	v, _ := ToInt(n.Property("value"))
	n.SetProperty("value", v+1, st)
	return n.SetOutputValues(map[string]any{"value": v + 1})
}

// join passes through whichever of its two inputs resolved.
type join struct {
	*Base
}

func newJoin(id string) *join {
	n := &join{Base: NewBase("test/Join", "Join")}
	n.ID = id
	n.Setup()
	return n
}

func (n *join) Setup() {
	n.AddInput("a", "any")
	n.AddInput("b", "any")
	n.AddOutput("out", "any")
}

func (n *join) Run(ctx context.Context, st *GraphState) error {
	v := n.NormalizedInputValue("a")
	if v == nil {
		v = n.NormalizedInputValue("b")
	}
	return n.SetOutputValues(map[string]any{"out": v})
}

// needy requires its text input.
type needy struct {
	*Base
}

func (n *needy) Setup() { n.AddInput("text", "str") }

func (n *needy) Run(ctx context.Context, st *GraphState) error {
	_, err := n.RequireString("text")
	return err
}

func TestLoop_CountsUntilExit(t *testing.T) {
	counter := newTally("counter")
	loop := NewLoop("Count", func(ctx context.Context, st *GraphState) (bool, error) {
		v, _ := ToInt(counter.Property("value"))
		return v > 10, nil
	})
	require.NoError(t, loop.Add(counter))

	entry := NewEntry()
	g := NewGraph("main")
	require.NoError(t, g.Add(entry, loop))
	require.NoError(t, g.Connect(entry, "state", loop, "state"))

	var observed []int
	loop.OnIteration(func(ctx context.Context, st *GraphState) error {
		v, _ := st.Property("counter", "value")
		observed = append(observed, v.(int))
		return nil
	})

	st := NewGraphState(testLogger())
	require.NoError(t, g.Execute(context.Background(), st))

	assert.Equal(t, 11, counter.Property("value"))
	assert.Len(t, observed, 11)
	assert.Equal(t, 11, st.Runs("counter"))
	assert.Equal(t, 11, loop.Output("iterations").Value)
}

func TestLoop_Limit(t *testing.T) {
	loop := NewLoop("Forever", func(context.Context, *GraphState) (bool, error) { return false, nil })
	loop.MaxIterations = 3
	require.NoError(t, loop.Add(newTally("t")))

	err := loop.Run(context.Background(), NewGraphState(testLogger()))
	require.ErrorIs(t, err, ErrLoopLimit)
}

func TestLoop_ResetsSocketsKeepsProperties(t *testing.T) {
	counter := newTally("counter")
	loop := NewLoop("Twice", nil)
	require.NoError(t, loop.ExitWhen("iteration >= 2"))
	require.NoError(t, loop.Add(counter))

	counter.Output("value").Deactivated = true
	require.NoError(t, loop.Run(context.Background(), NewGraphState(testLogger())))
	assert.Equal(t, 2, counter.Property("value"))
	assert.False(t, counter.Output("value").Deactivated)
}

// branches builds entry -> router -> {left, right, spare} with left and
// right both feeding join.
func branches(t *testing.T, selector int) (*Graph, *join) {
	t.Helper()
	entry := NewEntry()
	router := NewRouter(3)
	router.Properties["selector"] = selector
	left, right, spare := newTally("left"), newTally("right"), newTally("spare")
	j := newJoin("join")

	g := NewGraph("branches")
	require.NoError(t, g.Add(entry, router, left, right, spare, j))
	require.NoError(t, g.Connect(entry, "state", router, "value"))
	require.NoError(t, g.Connect(router, "out_0", left, "state"))
	require.NoError(t, g.Connect(router, "out_1", right, "state"))
	require.NoError(t, g.Connect(router, "out_2", spare, "state"))
	require.NoError(t, g.Connect(left, "value", j, "a"))
	require.NoError(t, g.Connect(right, "value", j, "b"))
	return g, j
}

func TestGraph_Availability(t *testing.T) {
	tests := []struct {
		name       string
		selector   int
		joinRuns   bool
		wantOutput any
	}{
		{"first path open", 0, true, 1},
		{"second path open", 1, true, 1},
		{"both paths pruned", 2, false, Unresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, j := branches(t, tt.selector)
			st := NewGraphState(testLogger())
			require.NoError(t, g.Execute(context.Background(), st))

			assert.Equal(t, tt.joinRuns, g.Available(j))
			assert.Equal(t, !tt.joinRuns, st.Skipped("join"))
			assert.Equal(t, tt.wantOutput, j.Output("out").Value)
		})
	}
}

func TestGraph_ReexecuteClearsPruning(t *testing.T) {
	g, j := branches(t, 1)
	var router *Router
	for _, n := range g.Nodes() {
		if r, ok := n.(*Router); ok {
			router = r
		}
	}
	require.NotNil(t, router)

	st := NewGraphState(testLogger())
	require.NoError(t, g.Execute(context.Background(), st))
	assert.True(t, st.Skipped("left"))
	assert.Equal(t, 1, st.Runs("join"))

	router.Properties["selector"] = 0
	require.NoError(t, g.Execute(context.Background(), st))
	assert.Equal(t, 1, st.Runs("left"))
	assert.True(t, st.Skipped("right"))
	assert.False(t, st.Skipped("join"))
	assert.Equal(t, 2, st.Runs("join"))
	assert.Equal(t, 1, j.Output("out").Value)
}

// alternate emits 0, 1, 0, ... on successive runs.
type alternate struct {
	*Base
}

func (n *alternate) Setup() {
	n.AddOutput("selector", "int")
	n.SetDefault("runs", 0)
}

func (n *alternate) Run(ctx context.Context, st *GraphState) error {
	runs, _ := ToInt(n.Property("runs"))
	n.SetProperty("runs", runs+1, st)
	return n.SetOutputValues(map[string]any{"selector": runs % 2})
}

func TestLoop_NestedRouterResetsEachIteration(t *testing.T) {
	alt := &alternate{Base: NewBase("test/Alternate", "Alternate")}
	alt.Setup()
	router := NewRouter(2)
	left, right := newTally("left"), newTally("right")
	j := newJoin("join")

	inner := NewGraph("inner")
	require.NoError(t, inner.Add(alt, router, left, right, j))
	require.NoError(t, inner.Connect(alt, "selector", router, "selector"))
	require.NoError(t, inner.Connect(router, "out_0", left, "state"))
	require.NoError(t, inner.Connect(router, "out_1", right, "state"))
	require.NoError(t, inner.Connect(left, "value", j, "a"))
	require.NoError(t, inner.Connect(right, "value", j, "b"))

	loop := NewLoop("Alternating", nil)
	require.NoError(t, loop.ExitWhen("iteration >= 4"))
	require.NoError(t, loop.Add(inner))

	st := NewGraphState(testLogger())
	require.NoError(t, loop.Run(context.Background(), st))

	assert.Equal(t, 2, st.Runs("left"))
	assert.Equal(t, 2, st.Runs("right"))
	assert.Equal(t, 4, st.Runs("join"))
	assert.Equal(t, 2, j.Output("out").Value)
}

func TestGraph_SortAndCycles(t *testing.T) {
	a, b, c := newJoin("a"), newJoin("b"), newJoin("c")
	g := NewGraph("g")
	require.NoError(t, g.Add(c, b, a))
	require.NoError(t, g.Connect(a, "out", b, "a"))
	require.NoError(t, g.Connect(b, "out", c, "a"))

	order, err := g.Sort()
	require.NoError(t, err)
	var ids []string
	for _, n := range order {
		ids = append(ids, n.NodeBase().ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, g.Connect(c, "out", a, "a"))
	_, err = g.Sort()
	assert.ErrorIs(t, err, ErrCycle)
	assert.ErrorIs(t, g.Execute(context.Background(), NewGraphState(testLogger())), ErrCycle)
}

func TestGraph_ConnectErrors(t *testing.T) {
	a, b := newJoin("a"), newJoin("b")
	g := NewGraph("g")
	require.NoError(t, g.Add(a, b))

	assert.Error(t, g.Connect(a, "missing", b, "a"))
	assert.Error(t, g.Connect(a, "out", b, "missing"))
	assert.Error(t, g.Connect(a, "out", newJoin("stranger"), "a"))
	require.NoError(t, g.Connect(a, "out", b, "a"))
	assert.Error(t, g.Connect(a, "out", b, "a"))
	assert.Error(t, g.Add(a))
}

func TestGraph_InputValueErrorReportsStatus(t *testing.T) {
	var statuses []signals.Event
	bus := signals.NewBus(testLogger())
	bus.Connect(signals.Status, func(_ context.Context, ev signals.Event) error {
		statuses = append(statuses, ev)
		return nil
	})
	ctx := scene.WithActive(context.Background(), scene.New("s", bus, testLogger()))

	n := &needy{Base: NewBase("test/Needy", "Needy")}
	n.Setup()
	g := NewGraph("g")
	require.NoError(t, g.Add(n))

	err := g.Execute(ctx, NewGraphState(testLogger()))
	var ive *InputValueError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, "text", ive.Socket)
	require.Len(t, statuses, 1)
	assert.Equal(t, "error", statuses[0].Status)
	assert.Equal(t, "text", statuses[0].Data["socket"])
}

func TestGraph_Interrupted(t *testing.T) {
	g := NewGraph("g")
	require.NoError(t, g.Add(newTally("t")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Execute(ctx, NewGraphState(testLogger()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraph_CallbackError(t *testing.T) {
	g := NewGraph("g")
	g.OnRun(func(context.Context, *GraphState) error { return errors.New("observer broke") })
	err := g.Execute(context.Background(), NewGraphState(testLogger()))
	assert.ErrorContains(t, err, "observer broke")
}

func TestBase_Inputs(t *testing.T) {
	n := newJoin("n")
	assert.True(t, IsUnresolved(n.InputValue("a")))
	assert.Nil(t, n.NormalizedInputValue("a"))

	n.Properties["a"] = "fallback"
	assert.Equal(t, "fallback", n.InputValue("a"))

	_, err := n.RequireInput("b")
	var ive *InputValueError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, "b", ive.Socket)

	n.Properties["b"] = "12.5"
	v, err := n.RequireNumber("b")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	assert.Error(t, n.SetOutputValues(map[string]any{"out": 1, "nope": 2}))
	assert.True(t, IsUnresolved(n.Output("out").Value))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, reg.Has("core/Loop"))

	f := func() (Node, error) { return newTally("t"), nil }
	require.NoError(t, reg.Register("test/Tally", f))
	assert.ErrorIs(t, reg.Register("test/Tally", f), ErrDuplicateRegistration)
	assert.Error(t, reg.Register("flat", f))

	n, err := reg.New("test/Tally")
	require.NoError(t, err)
	assert.Equal(t, "test/Tally", n.NodeBase().Registry)

	_, err = reg.New("test/Missing")
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Contains(t, reg.Paths(), "core/Router")
}

const countingGraph = `{
  "title": "counting",
  "nodes": [
    {"id": "entry", "type": "core/Entry"},
    {"id": "loop", "type": "core/Loop", "exit": "props.counter.value > 10",
     "graph": {"title": "body", "nodes": [{"id": "counter", "type": "test/Tally"}], "edges": []}}
  ],
  "edges": [{"from": "entry.state", "to": "loop.state"}]
}`

func TestLoad(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("test/Tally", func() (Node, error) { return newTally(""), nil }))

	g, err := Load([]byte(countingGraph), reg)
	require.NoError(t, err)
	require.NoError(t, g.Execute(context.Background(), NewGraphState(testLogger())))

	loopNode, ok := g.Node("loop")
	require.True(t, ok)
	counter, ok := loopNode.(*Loop).Node("counter")
	require.True(t, ok)
	assert.Equal(t, 11, counter.NodeBase().Property("value"))

	t.Run("bad edge", func(t *testing.T) {
		_, err := Load([]byte(`{"nodes":[{"id":"e","type":"core/Entry"}],"edges":[{"from":"e","to":"x.y"}]}`), reg)
		assert.Error(t, err)
	})
	t.Run("unknown type", func(t *testing.T) {
		_, err := Load([]byte(`{"nodes":[{"id":"e","type":"core/Nope"}]}`), reg)
		assert.ErrorIs(t, err, ErrUnknownNode)
	})
	t.Run("router branches property", func(t *testing.T) {
		g, err := Load([]byte(`{"nodes":[{"id":"r","type":"core/Router","properties":{"branches":4}}]}`), reg)
		require.NoError(t, err)
		r, _ := g.Node("r")
		assert.Len(t, r.NodeBase().Outputs, 4)
	})
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	module := `{"title":"count module","registry":"scene/CountToTen","nodes":[
	  {"id":"loop","type":"core/Loop","exit":"iteration >= 10",
	   "graph":{"nodes":[{"id":"c","type":"test/Tally"}]}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "count.json"), []byte(module), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.json"), []byte(`{"title":"no path","nodes":[]}`), 0o644))

	reg := NewRegistry()
	require.NoError(t, reg.Register("test/Tally", func() (Node, error) { return newTally(""), nil }))

	paths, err := LoadDir(dir, reg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"scene/CountToTen"}, paths)

	n, err := reg.New("scene/CountToTen")
	require.NoError(t, err)
	require.NoError(t, n.Run(context.Background(), NewGraphState(testLogger())))
	assert.Equal(t, true, n.NodeBase().Output("state").Value)

	_, err = LoadDir(dir, reg, testLogger())
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}
