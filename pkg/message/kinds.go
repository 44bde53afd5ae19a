package message

import (
	"fmt"
	"strings"

	"github.com/jwebster45206/talemate/pkg/isodate"
)

// SceneMessage is a plain narrative line.
type SceneMessage struct {
	Header
}

func NewSceneMessage(text string) *SceneMessage {
	return &SceneMessage{Header: Header{Message: text}}
}

func (m *SceneMessage) Kind() Kind { return KindScene }

func (m *SceneMessage) Render(format Format, opts RenderOptions) string {
	return strip(m.Message, opts)
}

func (m *SceneMessage) Clone() Message {
	return &SceneMessage{Header: m.Header.clone()}
}

// CharacterMessage is a line of dialogue in the form "Name: text".
type CharacterMessage struct {
	Header
	FromChoice string `json:"from_choice,omitempty"`
	AssetID    string `json:"asset_id,omitempty"`
	AssetType  string `json:"asset_type,omitempty"`
}

// NewCharacterMessage builds a dialogue line for name.
func NewCharacterMessage(name, dialogue string) *CharacterMessage {
	return &CharacterMessage{Header: Header{Message: name + ": " + dialogue}}
}

func (m *CharacterMessage) Kind() Kind { return KindCharacter }

// CharacterName is the speaker taken from the "Name:" prefix.
func (m *CharacterMessage) CharacterName() string {
	name, _, ok := strings.Cut(m.Message, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(name)
}

// Dialogue is the text after the speaker prefix.
func (m *CharacterMessage) Dialogue() string {
	_, rest, ok := strings.Cut(m.Message, ":")
	if !ok {
		return strings.TrimSpace(m.Message)
	}
	return strings.TrimSpace(rest)
}

func (m *CharacterMessage) Render(format Format, opts RenderOptions) string {
	name := m.CharacterName()
	if name == "" {
		return strip(m.Message, opts)
	}
	switch format {
	case FormatMovieScript:
		return fmt.Sprintf("\n%s\n%s\nEND-OF-LINE\n", strings.ToUpper(name), strip(m.Dialogue(), opts))
	default:
		return name + ": " + strip(m.Dialogue(), opts)
	}
}

func (m *CharacterMessage) Clone() Message {
	out := *m
	out.Header = m.Header.clone()
	return &out
}

// NarratorMessage is produced by a narrator action. Source holds the action
// name and the origin meta holds its arguments.
type NarratorMessage struct {
	Header
}

func (m *NarratorMessage) Kind() Kind { return KindNarrator }

// Action is the narrator function that produced the message.
func (m *NarratorMessage) Action() string {
	if _, fn, _, ok := OriginOf(m); ok {
		return fn
	}
	return m.Source
}

func (m *NarratorMessage) Render(format Format, opts RenderOptions) string {
	text := strip(m.Message, opts)
	if format == FormatMovieScript {
		return "\n" + text + "\n"
	}
	return text
}

func (m *NarratorMessage) Clone() Message {
	return &NarratorMessage{Header: m.Header.clone()}
}

// DirectorMessage carries guidance from the director agent.
type DirectorMessage struct {
	Header
	Action string `json:"action,omitempty"`
}

// NewDirectorMessage builds guidance for character (empty for the whole scene).
func NewDirectorMessage(text, character string) *DirectorMessage {
	m := &DirectorMessage{Header: Header{Message: text, Source: "director"}, Action: "actor_instruction"}
	if character != "" {
		m.SetMeta("character_name", character)
	}
	return m
}

func (m *DirectorMessage) Kind() Kind { return KindDirector }

// CharacterName is the character the guidance targets. Snapshots written
// before the key was named character_name are still read.
func (m *DirectorMessage) CharacterName() string {
	if name := m.MetaString("character_name"); name != "" {
		return name
	}
	return m.MetaString("character")
}

func (m *DirectorMessage) Render(format Format, opts RenderOptions) string {
	text := strings.TrimSpace(strip(m.Message, opts))
	name := m.CharacterName()

	if opts.AsMonologue && name != "" {
		return fmt.Sprintf("*%s thinks: %s*", name, text)
	}
	if name == "" {
		return "# Story direction: " + text
	}
	if format == FormatMovieScript {
		return fmt.Sprintf("\n# Story direction for %s: %s\n", name, text)
	}
	return fmt.Sprintf("# Story direction for %s: %s", name, text)
}

func (m *DirectorMessage) Clone() Message {
	out := *m
	out.Header = m.Header.clone()
	return &out
}

// TimePassageMessage marks logical time passing in the scene.
type TimePassageMessage struct {
	Header
	TS string `json:"ts"`
}

// NewTimePassageMessage builds a marker for ts. The text defaults to a
// heading such as "3 Days Later".
func NewTimePassageMessage(ts, text string) *TimePassageMessage {
	if text == "" {
		if h, err := isodate.Heading(ts); err == nil {
			text = h
		}
	}
	return &TimePassageMessage{Header: Header{Message: text, Source: "manual"}, TS: ts}
}

func (m *TimePassageMessage) Kind() Kind { return KindTime }

func (m *TimePassageMessage) Render(format Format, opts RenderOptions) string {
	return "[" + strings.TrimSpace(m.Message) + "]"
}

func (m *TimePassageMessage) Clone() Message {
	out := *m
	out.Header = m.Header.clone()
	return &out
}

// ReinforcementMessage is the answer to a tracked world-state question.
type ReinforcementMessage struct {
	Header
}

// NewReinforcementMessage builds the answer for question about character.
func NewReinforcementMessage(answer, question, character string) *ReinforcementMessage {
	m := &ReinforcementMessage{Header: Header{Message: answer, Source: "world_state"}}
	m.SetMeta("question", question)
	if character != "" {
		m.SetMeta("character", character)
	}
	return m
}

func (m *ReinforcementMessage) Kind() Kind { return KindReinforcement }

func (m *ReinforcementMessage) Question() string  { return m.MetaString("question") }
func (m *ReinforcementMessage) Character() string { return m.MetaString("character") }

func (m *ReinforcementMessage) Render(format Format, opts RenderOptions) string {
	if c := m.Character(); c != "" {
		return fmt.Sprintf("# Internal note for %s - %s\n%s", c, m.Question(), m.Message)
	}
	return fmt.Sprintf("# Internal note - %s\n%s", m.Question(), m.Message)
}

func (m *ReinforcementMessage) Clone() Message {
	return &ReinforcementMessage{Header: m.Header.clone()}
}

// Context investigation sub types.
const (
	SubTypeVisualCharacter = "visual-character"
	SubTypeVisualScene     = "visual-scene"
	SubTypeQuery           = "query"
)

// ContextInvestigationMessage is a retrieved snippet kept for later prompts.
type ContextInvestigationMessage struct {
	Header
	SubType string `json:"sub_type,omitempty"`
}

func (m *ContextInvestigationMessage) Kind() Kind { return KindContextInvestigation }

func (m *ContextInvestigationMessage) Render(format Format, opts RenderOptions) string {
	text := strip(m.Message, opts)
	if format == FormatMovieScript {
		return "\n# Internal note: " + text + "\n"
	}
	return "# Internal note: " + text
}

func (m *ContextInvestigationMessage) Clone() Message {
	out := *m
	out.Header = m.Header.clone()
	return &out
}

func strip(text string, opts RenderOptions) string {
	if !opts.StripMarkup {
		return text
	}
	return strings.Trim(strings.TrimSpace(text), "*")
}

var (
	_ Message = (*SceneMessage)(nil)
	_ Message = (*CharacterMessage)(nil)
	_ Message = (*NarratorMessage)(nil)
	_ Message = (*DirectorMessage)(nil)
	_ Message = (*TimePassageMessage)(nil)
	_ Message = (*ReinforcementMessage)(nil)
	_ Message = (*ContextInvestigationMessage)(nil)
)
