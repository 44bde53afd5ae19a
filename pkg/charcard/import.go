package charcard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

// Options control how a card is brought into a scene.
type Options struct {
	// ImportMeta keeps the chara sub-bag and skips disabled entries. With it
	// off every entry is imported as plain text.
	ImportMeta bool
	// Overwrite replaces manual context entries with the same id.
	Overwrite bool
	// AsPlayer adds the character as the player character.
	AsPlayer bool
}

// DefaultOptions mirrors the usual import from the UI.
var DefaultOptions = Options{ImportMeta: true}

// Result summarizes an import.
type Result struct {
	Character string
	Entries   int
}

// Character converts the card into a scene character.
func (c *Card) Character() *scene.Character {
	ch := &scene.Character{
		Name:                 c.Name,
		Description:          c.Description,
		GreetingText:         c.FirstMessage,
		ExampleDialogue:      c.ExampleDialogue(),
		DialogueInstructions: c.PostHistoryInstructions,
	}
	attrs := map[string]string{}
	if c.Personality != "" {
		attrs["personality"] = c.Personality
	}
	if c.Scenario != "" {
		attrs["scenario"] = c.Scenario
	}
	if len(attrs) > 0 {
		ch.BaseAttributes = attrs
	}
	details := map[string]string{}
	if c.Creator != "" {
		details["creator"] = c.Creator
	}
	if len(c.Tags) > 0 {
		details["tags"] = strings.Join(c.Tags, ", ")
	}
	if len(details) > 0 {
		ch.Details = details
	}
	return ch
}

// Entries converts the character book into manual context entries. Ids are
// derived from the card name and the entry id or position so re-imports hit
// the same entries.
func (c *Card) Entries(importMeta bool) []worldstate.ManualContext {
	if c.CharacterBook == nil {
		return nil
	}
	var out []worldstate.ManualContext
	for i, e := range c.CharacterBook.Entries {
		if importMeta && !e.Enabled {
			continue
		}
		id := fmt.Sprintf("%s.%d", strings.ToLower(strings.ReplaceAll(c.Name, " ", "_")), i)
		if e.ID != nil {
			id = fmt.Sprintf("%s.%v", strings.ToLower(strings.ReplaceAll(c.Name, " ", "_")), e.ID)
		}
		mc := worldstate.ManualContext{
			ID:   id,
			Text: e.Content,
			Meta: map[string]any{"source": "character_book", "character": c.Name},
		}
		if importMeta {
			mc.Meta["chara"] = e.meta()
		}
		out = append(out, mc)
	}
	return out
}

func (e BookEntry) meta() map[string]any {
	chara := map[string]any{
		"keys":            e.Keys,
		"insertion_order": e.InsertionOrder,
		"selective":       e.Selective,
		"constant":        e.Constant,
	}
	if len(e.SecondaryKeys) > 0 {
		chara["secondary_keys"] = e.SecondaryKeys
	}
	if e.Position != "" {
		chara["position"] = e.Position
	}
	if e.Priority != nil {
		chara["priority"] = *e.Priority
	}
	if e.Name != "" {
		chara["name"] = e.Name
	}
	if e.Comment != "" {
		chara["comment"] = e.Comment
	}
	if e.CaseSensitive != nil {
		chara["case_sensitive"] = *e.CaseSensitive
	}
	if len(e.Extensions) > 0 {
		chara["extensions"] = e.Extensions
	}
	return chara
}

// Importer adds cards to a scene.
type Importer struct {
	scene  *scene.Scene
	ws     *worldstate.Manager
	logger *slog.Logger
}

// NewImporter creates an importer for s. Manual context goes through ws so
// world_state signals fire.
func NewImporter(s *scene.Scene, ws *worldstate.Manager, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{scene: s, ws: ws, logger: logger}
}

// Import adds the card's character (unless the scene already has it) and its
// character book.
func (im *Importer) Import(ctx context.Context, card *Card, opts Options) (Result, error) {
	res := Result{Character: card.Name}
	if !im.scene.HasCharacter(card.Name) {
		ch := card.Character()
		ch.IsPlayer = opts.AsPlayer
		if err := im.scene.AddCharacter(ch); err != nil {
			return res, fmt.Errorf("failed to add character %s: %w", card.Name, err)
		}
	}
	n, err := im.ws.ImportManualContext(ctx, card.Entries(opts.ImportMeta), opts.Overwrite)
	res.Entries = n
	if err != nil {
		return res, fmt.Errorf("failed to import character book: %w", err)
	}
	im.logger.Info("Imported character card",
		"character", card.Name,
		"version", card.Version,
		"entries", n)
	return res, nil
}

// ImportFile reads a JSON or PNG card from path and imports it.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (Result, error) {
	card, err := LoadFile(path)
	if err != nil {
		return Result{}, err
	}
	return im.Import(ctx, card, opts)
}

// LoadFile parses a card stored as JSON or embedded in a PNG.
func LoadFile(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read card: %w", err)
	}
	if isPNG(data) {
		data, err = pngPayload(data)
		if err != nil {
			return nil, err
		}
	}
	return Parse(data)
}
