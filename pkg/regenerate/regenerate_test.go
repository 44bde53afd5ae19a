package regenerate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/agents"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []signals.Event
}

func (r *recorder) receive(_ context.Context, ev signals.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) find(typ signals.Signal) []signals.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signals.Event
	for _, ev := range r.events {
		if ev.Typ == typ {
			out = append(out, ev)
		}
	}
	return out
}

// parlor returns a scene with player Alice and Bob, holding four opening
// messages, bound to a scope.
func parlor(t *testing.T) (*scene.Scene, context.Context, *recorder) {
	t.Helper()
	rec := &recorder{}
	bus := signals.NewBus(testLogger())
	bus.ConnectAll(rec.receive)

	s := scene.New("parlor", bus, testLogger())
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Alice", IsPlayer: true}))
	require.NoError(t, s.AddCharacter(&scene.Character{Name: "Bob"}))
	require.NoError(t, s.Push(context.Background(),
		message.NewSceneMessage("A quiet parlor."),
		message.NewCharacterMessage("Alice", "Hello?"),
		message.NewCharacterMessage("Bob", "Oh. Hello."),
		message.NewCharacterMessage("Alice", "May I come in?"),
	))

	sc, ctx := agent.NewScope(context.Background(), s)
	t.Cleanup(sc.Close)
	return s, ctx, rec
}

func pushBob(t *testing.T, s *scene.Scene, text, choice string) {
	t.Helper()
	m := message.NewCharacterMessage("Bob", text)
	m.FromChoice = choice
	require.NoError(t, s.Push(context.Background(), m))
}

func ids(s *scene.Scene) []uint64 {
	var out []uint64
	for _, m := range s.History() {
		out = append(out, m.Head().ID)
	}
	return out
}

func TestRegenerate_DialogueLine(t *testing.T) {
	s, ctx, rec := parlor(t)
	pushBob(t, s, "Hi.", "greet formally")
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(s))

	mock := client.NewMockClient("Bob: Good evening, madam.")
	p := New(agents.NewConversation(mock, nil, testLogger()), nil, testLogger())

	fresh, err := p.Regenerate(ctx, -1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	removed := rec.find(signals.RemoveMessage)
	require.Len(t, removed, 1)
	assert.Equal(t, uint64(5), removed[0].ID)

	assert.Contains(t, mock.GetCalls()[0].Prompt, "Bob must follow this direction: greet formally")
	assert.Equal(t, uint64(6), fresh[0].Head().ID)
	assert.Equal(t, []uint64{1, 2, 3, 4, 6}, ids(s))
	assert.Equal(t, 5, s.Len())

	cm := fresh[0].(*message.CharacterMessage)
	assert.Equal(t, "Bob: Good evening, madam.", cm.Message)
	assert.Equal(t, "greet formally", cm.FromChoice)
	assert.Len(t, rec.find(signals.Regenerated("character")), 1)
}

func TestRegenerate_TrailingReinforcementsRestored(t *testing.T) {
	s, ctx, _ := parlor(t)
	pushBob(t, s, "Hi.", "")
	require.NoError(t, s.Push(context.Background(), message.NewReinforcementMessage("Nervous.", "Mood?", "Bob")))

	p := New(agents.NewConversation(client.NewMockClient("Bob: Welcome."), nil, testLogger()), nil, testLogger())
	_, err := p.Regenerate(ctx, -1)
	require.NoError(t, err)

	history := s.History()
	require.Len(t, history, 6)
	assert.Equal(t, "Bob: Welcome.", history[4].Head().Message)
	assert.Equal(t, message.KindReinforcement, history[5].Kind())
	assert.Equal(t, "Nervous.", history[5].Head().Message)
}

type fakeReinforcer struct {
	refreshed []string
}

func (f *fakeReinforcer) Refresh(_ context.Context, question, character string) error {
	f.refreshed = append(f.refreshed, question+"/"+character)
	return nil
}

func TestRegenerate_ReinforcementsRerun(t *testing.T) {
	s, ctx, _ := parlor(t)
	pushBob(t, s, "Hi.", "")
	require.NoError(t, s.Push(context.Background(), message.NewReinforcementMessage("Nervous.", "Mood?", "Bob")))

	f := &fakeReinforcer{}
	p := New(agents.NewConversation(client.NewMockClient("Bob: Welcome."), nil, testLogger()), nil, testLogger()).
		WithReinforcer(f)
	_, err := p.Regenerate(ctx, -1)
	require.NoError(t, err)

	assert.Equal(t, []string{"Mood?/Bob"}, f.refreshed)
	assert.Equal(t, 5, s.Len())
}

func TestRegenerate_Refusals(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *scene.Scene)
		idx   int
	}{
		{
			name: "inactive character",
			setup: func(t *testing.T, s *scene.Scene) {
				pushBob(t, s, "Hi.", "")
				require.NoError(t, s.DeactivateCharacter("Bob"))
			},
			idx: -1,
		},
		{
			name:  "player message",
			setup: func(t *testing.T, s *scene.Scene) {},
			idx:   -1,
		},
		{
			name:  "not the most recent",
			setup: func(t *testing.T, s *scene.Scene) {},
			idx:   2,
		},
		{
			name:  "index out of range",
			setup: func(t *testing.T, s *scene.Scene) {},
			idx:   99,
		},
		{
			name: "director message",
			setup: func(t *testing.T, s *scene.Scene) {
				require.NoError(t, s.Push(context.Background(), message.NewDirectorMessage("Be curt.", "Bob")))
			},
			idx: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctx, _ := parlor(t)
			tt.setup(t, s)
			before := ids(s)

			mock := client.NewMockClient()
			p := New(agents.NewConversation(mock, nil, testLogger()), nil, testLogger())
			_, err := p.Regenerate(ctx, tt.idx)

			var rerr *Error
			require.ErrorAs(t, err, &rerr)
			assert.NotEmpty(t, rerr.Reason)
			assert.Equal(t, before, ids(s))
			assert.Empty(t, mock.GetCalls())
		})
	}
}

func TestRegenerate_NarratorWithDirection(t *testing.T) {
	s, ctx, _ := parlor(t)
	nm, err := message.NewNarratorMessage("The fog rolls in.", "progress_story", nil)
	require.NoError(t, err)
	require.NoError(t, s.Push(context.Background(), nm))

	mock := client.NewMockClient("Rain begins to fall.")
	p := New(nil, map[string]FunctionCaller{agent.Narrator: agents.NewNarrator(mock, nil, testLogger())}, testLogger())

	ctx = WithOptions(ctx, Options{Direction: "make it rain", Method: MethodReplace, NukeRepetition: 0.5})
	fresh, err := p.Regenerate(ctx, -1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	call := mock.GetCalls()[0]
	assert.Contains(t, call.Prompt, "Follow this direction: make it rain")
	assert.Equal(t, 0.5, call.Params["nuke_repetition"])

	_, fn, args, ok := message.OriginOf(fresh[0])
	require.True(t, ok)
	assert.Equal(t, "progress_story", fn)
	assert.Equal(t, "make it rain", args["narrative_direction"])
}

func TestRegenerate_EditMethod(t *testing.T) {
	s, ctx, _ := parlor(t)
	pushBob(t, s, "Hi.", "")

	conv := client.NewMockClient()
	p := New(agents.NewConversation(conv, nil, testLogger()), nil, testLogger()).
		WithReviser(agents.NewEditor(client.NewMockClient("Good evening."), nil, testLogger()))

	fresh, err := p.Regenerate(WithOptions(ctx, Options{Direction: "formal", Method: MethodEdit}), -1)
	require.NoError(t, err)
	assert.Equal(t, "Bob: Good evening.", fresh[0].Head().Message)
	assert.Empty(t, conv.GetCalls())
}

func TestRegenerate_FailureRestores(t *testing.T) {
	s, ctx, _ := parlor(t)
	pushBob(t, s, "Hi.", "")

	before := ids(s)
	target, ok := s.At(-1)
	require.True(t, ok)

	mock := client.NewMockClient()
	mock.SetGenerateError(errors.New("backend down"))
	p := New(agents.NewConversation(mock, nil, testLogger()), nil, testLogger())

	_, err := p.Regenerate(ctx, -1)
	require.Error(t, err)
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, before, ids(s))
	tail, ok := s.At(4)
	require.True(t, ok)
	assert.Equal(t, "Bob: Hi.", tail.Head().Message)
	assert.Equal(t, target.Head().ID, tail.Head().ID)

	// The restored message keeps answering to its id.
	require.NoError(t, s.Edit(ctx, target.Head().ID, "Bob: Hello again."))
}

func TestRegenerate_NoConversationAgent(t *testing.T) {
	s, ctx, _ := parlor(t)
	pushBob(t, s, "Hi.", "")
	before := ids(s)

	p := New(nil, nil, testLogger())
	_, err := p.Regenerate(ctx, -1)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "no conversation agent", rerr.Reason)
	assert.Equal(t, before, ids(s))
}
