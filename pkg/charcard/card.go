// Package charcard reads character cards (the original no-spec format and
// chara_card_v1/v2/v3) and turns them into scene characters and manual
// context entries.
package charcard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Version identifies a card format.
type Version string

const (
	V0 Version = "original"
	V1 Version = "chara_card_v1"
	V2 Version = "chara_card_v2"
	V3 Version = "chara_card_v3"
)

// ErrInvalidCard is returned for cards failing schema validation.
var ErrInvalidCard = errors.New("invalid character card")

// Card is the normalized content of any supported card version.
type Card struct {
	Version                 Version        `json:"-"`
	Name                    string         `json:"name"`
	Description             string         `json:"description"`
	Personality             string         `json:"personality"`
	Scenario                string         `json:"scenario"`
	FirstMessage            string         `json:"first_mes"`
	ExampleMessages         string         `json:"mes_example"`
	SystemPrompt            string         `json:"system_prompt,omitempty"`
	PostHistoryInstructions string         `json:"post_history_instructions,omitempty"`
	CreatorNotes            string         `json:"creator_notes,omitempty"`
	AlternateGreetings      []string       `json:"alternate_greetings,omitempty"`
	Tags                    []string       `json:"tags,omitempty"`
	Creator                 string         `json:"creator,omitempty"`
	CharacterVersion        string         `json:"character_version,omitempty"`
	CharacterBook           *CharacterBook `json:"character_book,omitempty"`
	Extensions              map[string]any `json:"extensions,omitempty"`
}

// CharacterBook is the world-entry book embedded in v1-v3 cards.
type CharacterBook struct {
	Name              string         `json:"name,omitempty"`
	Description       string         `json:"description,omitempty"`
	ScanDepth         *int           `json:"scan_depth,omitempty"`
	TokenBudget       *int           `json:"token_budget,omitempty"`
	RecursiveScanning bool           `json:"recursive_scanning,omitempty"`
	Extensions        map[string]any `json:"extensions,omitempty"`
	Entries           []BookEntry    `json:"entries"`
}

// BookEntry is one world entry.
type BookEntry struct {
	Keys           []string       `json:"keys"`
	Content        string         `json:"content"`
	Extensions     map[string]any `json:"extensions,omitempty"`
	Enabled        bool           `json:"enabled"`
	InsertionOrder int            `json:"insertion_order"`
	CaseSensitive  *bool          `json:"case_sensitive,omitempty"`
	Name           string         `json:"name,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	ID             any            `json:"id,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	Selective      bool           `json:"selective,omitempty"`
	SecondaryKeys  []string       `json:"secondary_keys,omitempty"`
	Constant       bool           `json:"constant,omitempty"`
	Position       string         `json:"position,omitempty"`
}

// legacyCard is the original no-spec format.
type legacyCard struct {
	Name            string `json:"name"`
	CharName        string `json:"char_name"`
	Description     string `json:"description"`
	CharPersona     string `json:"char_persona"`
	Personality     string `json:"personality"`
	Scenario        string `json:"scenario"`
	WorldScenario   string `json:"world_scenario"`
	FirstMessage    string `json:"first_mes"`
	CharGreeting    string `json:"char_greeting"`
	ExampleMessages string `json:"mes_example"`
	ExampleDialogue string `json:"example_dialogue"`
}

type envelope struct {
	Spec        string          `json:"spec"`
	SpecVersion string          `json:"spec_version"`
	Data        json.RawMessage `json:"data"`
}

// Parse detects the card version, validates it and returns the normalized
// card.
func Parse(data []byte) (*Card, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode card: %w", err)
	}
	version := Version(env.Spec)
	if env.Spec == "" {
		version = V0
	}
	if err := validate(version, data); err != nil {
		return nil, err
	}

	var card Card
	switch version {
	case V0:
		var lc legacyCard
		if err := json.Unmarshal(data, &lc); err != nil {
			return nil, fmt.Errorf("failed to decode card: %w", err)
		}
		card = Card{
			Name:            first(lc.Name, lc.CharName),
			Description:     first(lc.Description, lc.CharPersona),
			Personality:     lc.Personality,
			Scenario:        first(lc.Scenario, lc.WorldScenario),
			FirstMessage:    first(lc.FirstMessage, lc.CharGreeting),
			ExampleMessages: first(lc.ExampleMessages, lc.ExampleDialogue),
		}
	case V1:
		if err := json.Unmarshal(data, &card); err != nil {
			return nil, fmt.Errorf("failed to decode card: %w", err)
		}
	case V2, V3:
		if err := json.Unmarshal(env.Data, &card); err != nil {
			return nil, fmt.Errorf("failed to decode card data: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported spec %q", ErrInvalidCard, env.Spec)
	}
	card.Version = version
	card.Name = NormalizeName(card.Name)
	return &card, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeName trims a card name and title-cases names written entirely in
// one case.
func NormalizeName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == strings.ToLower(name) || name == strings.ToUpper(name) {
		return cases.Title(language.English).String(strings.ToLower(name))
	}
	return name
}

// ExampleDialogue splits the example messages on <START> markers.
func (c *Card) ExampleDialogue() []string {
	var out []string
	for _, block := range strings.Split(c.ExampleMessages, "<START>") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

const entrySchema = `{
  "type": "object",
  "required": ["keys", "content"],
  "properties": {
    "keys": {"type": "array", "items": {"type": "string"}},
    "content": {"type": "string"},
    "enabled": {"type": "boolean"},
    "insertion_order": {"type": "number"},
    "secondary_keys": {"type": "array", "items": {"type": "string"}},
    "position": {"type": "string"}
  }
}`

var schemas = map[Version]string{
	V0: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {"required": ["name"], "properties": {"name": {"type": "string", "minLength": 1}}},
    {"required": ["char_name"], "properties": {"char_name": {"type": "string", "minLength": 1}}}
  ]
}`,
	V1: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["spec", "name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "character_book": {"type": "object", "properties": {"entries": {"type": "array", "items": ` + entrySchema + `}}}
  }
}`,
	V2: dataSchema,
	V3: dataSchema,
}

const dataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["spec", "data"],
  "properties": {
    "data": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "alternate_greetings": {"type": "array", "items": {"type": "string"}},
        "tags": {"type": "array", "items": {"type": "string"}},
        "character_book": {"type": "object", "required": ["entries"], "properties": {"entries": {"type": "array", "items": ` + entrySchema + `}}}
      }
    }
  }
}`

func validate(version Version, data []byte) error {
	raw, ok := schemas[version]
	if !ok {
		return fmt.Errorf("%w: unsupported spec %q", ErrInvalidCard, version)
	}
	url := "charcard_" + string(version) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to add card schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile card schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("failed to decode card: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	return nil
}
