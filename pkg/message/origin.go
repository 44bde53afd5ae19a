package message

import "fmt"

// Meta keys recording which agent function produced a message.
const (
	MetaAgent     = "agent"
	MetaFunction  = "function"
	MetaArguments = "arguments"
)

// NarratorActions lists the argument names of every narrator action.
// Arguments round-trip through meta so the action can be replayed.
var NarratorActions = map[string][]string{
	"progress_story":          {"narrative_direction"},
	"narrate_scene":           {"narrative_direction"},
	"narrate_query":           {"query", "at_the_end", "as_narrative"},
	"narrate_character":       {"character", "narrative_direction"},
	"narrate_character_entry": {"character", "narrative_direction"},
	"narrate_character_exit":  {"character", "narrative_direction"},
	"narrate_time_passage":    {"duration", "time_passed", "narrative_direction"},
	"paraphrase":              {"text"},
	"narrate_after_dialogue":  {"character"},
}

// SetOrigin records the producing agent, function and arguments in meta.
func SetOrigin(m Message, agent, function string, args map[string]any) {
	h := m.Head()
	h.SetMeta(MetaAgent, agent)
	h.SetMeta(MetaFunction, function)
	h.SetMeta(MetaArguments, cloneMap(args))
}

// OriginOf returns the origin recorded by SetOrigin.
func OriginOf(m Message) (agent, function string, args map[string]any, ok bool) {
	h := m.Head()
	agent = h.MetaString(MetaAgent)
	function = h.MetaString(MetaFunction)
	if agent == "" || function == "" {
		return "", "", nil, false
	}
	args, _ = h.Meta[MetaArguments].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return agent, function, cloneMap(args), true
}

// NewNarratorMessage builds a narrator line for action. Arguments not
// declared for the action are rejected.
func NewNarratorMessage(text, action string, args map[string]any) (*NarratorMessage, error) {
	declared, ok := NarratorActions[action]
	if !ok {
		return nil, fmt.Errorf("unknown narrator action: %s", action)
	}
	allowed := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		allowed[name] = struct{}{}
	}
	kept := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := allowed[k]; !ok {
			return nil, fmt.Errorf("narrator action %s has no argument %q", action, k)
		}
		kept[k] = v
	}

	m := &NarratorMessage{Header: Header{Message: text, Source: action}}
	SetOrigin(m, "narrator", action, kept)
	return m, nil
}
