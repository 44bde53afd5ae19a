package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/scene"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")). // pink
			Bold(true)

	speakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")). // purple
			Bold(true)

	narratorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // green

	directorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")). // yellow
			Italic(true)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")) // dark grey
)

type historyOptions struct {
	width  int
	hidden bool
}

func historyCmd(a *app) *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history <scene.json>",
		Short: "Print the message history of a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHistory(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.width, "width", 80, "wrap width")
	cmd.Flags().BoolVar(&opts.hidden, "hidden", false, "include hidden messages")
	return cmd
}

func (a *app) runHistory(ctx context.Context, path string, opts historyOptions) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	title := s.Title
	if title == "" {
		title = s.Name
	}
	fmt.Fprintln(a.out, titleStyle.Render(title))
	if heading, err := isodate.Human(s.TS(), " elapsed"); err == nil && s.TS() != isodate.Zero {
		fmt.Fprintln(a.out, idStyle.Render(heading))
	}
	fmt.Fprintln(a.out)

	for _, m := range s.History() {
		if m.Head().Hidden() && !opts.hidden {
			continue
		}
		fmt.Fprintln(a.out, renderMessage(s, m, opts.width))
		fmt.Fprintln(a.out)
	}
	return nil
}

func renderMessage(s *scene.Scene, m message.Message, width int) string {
	h := m.Head()
	id := idStyle.Render(fmt.Sprintf("#%d", h.ID))
	if h.Hidden() {
		id += idStyle.Render(" (hidden)")
	}
	wrap := func(text string) string {
		return indent.String(wordwrap.String(text, width-2), 2)
	}

	switch msg := m.(type) {
	case *message.CharacterMessage:
		name := msg.CharacterName()
		style := speakerStyle
		if c, ok := s.Character(name); ok && c.Color != "" {
			style = style.Foreground(lipgloss.Color(c.Color))
		}
		return id + " " + style.Render(name) + "\n" + wrap(msg.Dialogue())
	case *message.NarratorMessage:
		return id + " " + narratorStyle.Render("Narrator") + "\n" + wrap(narratorStyle.Render(strings.TrimSpace(h.Message)))
	case *message.DirectorMessage:
		return id + " " + directorStyle.Render("Director") + "\n" + wrap(directorStyle.Render(h.Message))
	case *message.TimePassageMessage:
		return id + " " + titleStyle.Render(h.Message)
	default:
		return id + " " + idStyle.Render(string(m.Kind())) + "\n" + wrap(h.Message)
	}
}
