package prompts

import (
	"fmt"
	"strings"

	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/scene"
)

type section struct {
	title string
	lines []string
}

// Builder constructs agent prompts from a scene using a fluent interface.
// It separates prompt layout from scene state.
type Builder struct {
	scene       *scene.Scene
	system      string
	instruction string
	character   string
	director    scene.DirectorPolicy
	budget      int
	count       scene.TokenCounter
	format      message.Format
	sections    []section
	noHistory   bool
}

// New creates a new prompt builder with default settings.
func New() *Builder {
	return &Builder{
		budget: 4096,
		format: message.FormatChat,
	}
}

// WithScene sets the scene the prompt describes.
func (b *Builder) WithScene(s *scene.Scene) *Builder {
	b.scene = s
	return b
}

// WithSystem sets the opening instructions.
func (b *Builder) WithSystem(text string) *Builder {
	b.system = text
	return b
}

// WithInstruction sets the task placed after the history.
func (b *Builder) WithInstruction(text string) *Builder {
	b.instruction = text
	return b
}

// WithCharacter focuses the prompt on a character. Director guidance aimed
// at the character is rendered as inner monologue.
func (b *Builder) WithCharacter(name string) *Builder {
	b.character = name
	b.director.Character = name
	return b
}

// WithDirector keeps every director message in the history.
func (b *Builder) WithDirector(keep bool) *Builder {
	b.director.Keep = keep
	return b
}

// WithBudget sets the total token budget.
func (b *Builder) WithBudget(tokens int) *Builder {
	b.budget = tokens
	return b
}

// WithCounter sets the token counter of the target client.
func (b *Builder) WithCounter(count scene.TokenCounter) *Builder {
	b.count = count
	return b
}

// WithFormat sets the history rendering format.
func (b *Builder) WithFormat(f message.Format) *Builder {
	b.format = f
	return b
}

// WithSection adds a titled block between the roster and the history.
// Empty sections are skipped.
func (b *Builder) WithSection(title string, lines ...string) *Builder {
	if len(lines) > 0 {
		b.sections = append(b.sections, section{title: title, lines: lines})
	}
	return b
}

// WithoutHistory leaves the story so far out of the prompt.
func (b *Builder) WithoutHistory() *Builder {
	b.noHistory = true
	return b
}

// Build returns the prompt. History fills whatever budget the other parts
// leave.
func (b *Builder) Build() (string, error) {
	if b.scene == nil {
		return "", fmt.Errorf("scene is required")
	}
	count := b.count
	if count == nil {
		count = scene.ApproxTokens
	}

	var head strings.Builder
	if b.system != "" {
		head.WriteString(b.system)
		head.WriteString("\n\n")
	}
	b.writeScene(&head)
	b.writeCharacters(&head)
	for _, s := range b.sections {
		fmt.Fprintf(&head, "### %s\n", s.title)
		for _, line := range s.lines {
			head.WriteString(line)
			head.WriteString("\n")
		}
		head.WriteString("\n")
	}

	var tail strings.Builder
	if b.instruction != "" {
		tail.WriteString("### Instruction\n")
		tail.WriteString(b.instruction)
		tail.WriteString("\n")
	}

	used := count(head.String()) + count(tail.String())
	if used > b.budget {
		return "", fmt.Errorf("prompt needs %d tokens, budget is %d", used, b.budget)
	}

	var out strings.Builder
	out.WriteString(head.String())
	if !b.noHistory {
		history := b.scene.ContextHistory(scene.ContextOptions{
			Budget:          b.budget - used,
			Director:        b.director,
			Format:          b.format,
			Count:           count,
			IncludeArchived: true,
		})
		if len(history) > 0 {
			out.WriteString("### Story so far\n")
			out.WriteString(strings.Join(history, "\n"))
			out.WriteString("\n\n")
		}
	}
	out.WriteString(tail.String())
	return strings.TrimSpace(out.String()), nil
}

func (b *Builder) writeScene(sb *strings.Builder) {
	s := b.scene
	title := s.Title
	if title == "" {
		title = s.Name
	}
	fmt.Fprintf(sb, "### Scene: %s\n", title)
	if s.Description != "" {
		sb.WriteString(s.Description)
		sb.WriteString("\n")
	}
	if s.Context != "" {
		fmt.Fprintf(sb, "Content context: %s\n", s.Context)
	}
	if ts := s.TS(); ts != "" && ts != "PT0S" {
		fmt.Fprintf(sb, "Time passed since the start: %s\n", ts)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeCharacters(sb *strings.Builder) {
	chars := b.scene.Characters()
	if len(chars) == 0 {
		return
	}
	sb.WriteString("### Characters\n")
	for _, c := range chars {
		role := ""
		if c.IsPlayer {
			role = " (player)"
		}
		fmt.Fprintf(sb, "- %s%s: %s\n", c.Name, role, strings.TrimSpace(c.Description))
	}
	sb.WriteString("\n")

	if b.character == "" {
		return
	}
	c, ok := b.scene.Character(b.character)
	if !ok {
		return
	}
	fmt.Fprintf(sb, "### About %s\n", c.Name)
	for _, k := range sortedKeys(c.BaseAttributes) {
		fmt.Fprintf(sb, "%s: %s\n", k, c.BaseAttributes[k])
	}
	for _, k := range sortedKeys(c.Details) {
		fmt.Fprintf(sb, "%s: %s\n", k, c.Details[k])
	}
	if c.DialogueInstructions != "" {
		fmt.Fprintf(sb, "Acting instructions: %s\n", c.DialogueInstructions)
	}
	if len(c.ExampleDialogue) > 0 {
		sb.WriteString("Example dialogue:\n")
		for _, line := range c.ExampleDialogue {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")
}
