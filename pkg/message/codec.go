package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// New returns an empty message of kind k.
func New(k Kind) (Message, error) {
	switch k {
	case KindScene:
		return &SceneMessage{}, nil
	case KindCharacter:
		return &CharacterMessage{}, nil
	case KindNarrator:
		return &NarratorMessage{}, nil
	case KindDirector:
		return &DirectorMessage{}, nil
	case KindTime:
		return &TimePassageMessage{}, nil
	case KindReinforcement:
		return &ReinforcementMessage{}, nil
	case KindContextInvestigation:
		return &ContextInvestigationMessage{}, nil
	}
	return nil, fmt.Errorf("unknown message kind: %q", k)
}

// Encode writes m as a JSON object with a "typ" discriminator.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	typ, _ := json.Marshal(m.Kind())
	obj["typ"] = typ
	return json.Marshal(obj)
}

// Decode reads a message. A bare JSON string is a legacy entry and is promoted.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("failed to decode legacy message: %w", err)
		}
		return Promote(text), nil
	}

	var probe struct {
		Typ Kind `json:"typ"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	m, err := New(probe.Typ)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", probe.Typ, err)
	}
	return m, nil
}

// Promote turns a legacy raw history line into a typed message.
func Promote(text string) Message {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "*"):
		return &NarratorMessage{Header: Header{Message: text, Source: "legacy"}}
	case strings.HasPrefix(trimmed, "Director instructs"):
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Director instructs"))
		name, instruction, ok := strings.Cut(rest, ":")
		if !ok {
			return NewDirectorMessage(rest, "")
		}
		return NewDirectorMessage(strings.TrimSpace(instruction), strings.TrimSpace(name))
	default:
		return &CharacterMessage{Header: Header{Message: text}}
	}
}

// List is a history that encodes with type discriminators.
type List []Message

func (l List) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(l))
	for _, m := range l {
		raw, err := Encode(m)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

func (l *List) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}
	out := make(List, 0, len(items))
	for i, raw := range items {
		m, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("history entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	*l = out
	return nil
}
