package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	filestorage "github.com/jwebster45206/talemate/internal/storage"
	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/nodes"
	"github.com/jwebster45206/talemate/pkg/nodes/core"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/script"
)

type severity string

const (
	severityError severity = "error"
	severityWarn  severity = "warn"
)

type issue struct {
	Severity severity
	Where    string
	Message  string
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scene.json>",
		Short: "Check a scene file for consistency problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runValidate(cmd.Context(), args[0])
		},
	}
}

func (a *app) runValidate(ctx context.Context, path string) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	issues := validateScene(s)
	issues = append(issues, validateModules(s)...)

	var errorIssues, warnIssues []issue
	for _, is := range issues {
		if is.Severity == severityError {
			errorIssues = append(errorIssues, is)
		} else {
			warnIssues = append(warnIssues, is)
		}
	}
	if len(issues) == 0 {
		fmt.Fprintf(a.out, "%s is valid (%d messages, %d characters).\n", path, s.Len(), len(s.Characters()))
		return nil
	}
	if len(errorIssues) > 0 {
		fmt.Fprintf(a.out, "Errors (%d):\n", len(errorIssues))
		printIssues(a.out, errorIssues)
	}
	if len(warnIssues) > 0 {
		if len(errorIssues) > 0 {
			fmt.Fprintln(a.out)
		}
		fmt.Fprintf(a.out, "Warnings (%d):\n", len(warnIssues))
		printIssues(a.out, warnIssues)
	}
	if len(errorIssues) > 0 {
		return fmt.Errorf("validation found errors")
	}
	return nil
}

func printIssues(out io.Writer, issues []issue) {
	for _, is := range issues {
		fmt.Fprintf(out, "  - %s: %s\n", is.Where, is.Message)
	}
}

// validateScene checks the snapshot itself.
func validateScene(s *scene.Scene) []issue {
	var issues []issue
	add := func(sev severity, where, format string, args ...any) {
		issues = append(issues, issue{Severity: sev, Where: where, Message: fmt.Sprintf(format, args...)})
	}

	if s.Name == "" {
		add(severityError, "scene", "name is empty")
	}
	if want := filestorage.Slug(s.Name) + ".json"; s.Filename != "" && s.Filename != want {
		add(severityWarn, "scene", "filename %s does not match the scene name (expected %s)", s.Filename, want)
	}
	if _, err := isodate.Parse(s.TS()); err != nil {
		add(severityError, "scene", "invalid timestamp %q: %v", s.TS(), err)
	}

	for i, m := range s.History() {
		where := fmt.Sprintf("history[%d] #%d", i, m.Head().ID)
		if cm, ok := m.(*message.CharacterMessage); ok {
			if name := cm.CharacterName(); name != "" && !s.HasCharacter(name) {
				add(severityWarn, where, "character %q is not part of the scene", name)
			}
		}
		if tm, ok := m.(*message.TimePassageMessage); ok {
			if _, err := isodate.Parse(tm.TS); err != nil {
				add(severityError, where, "invalid time passage %q: %v", tm.TS, err)
			}
		}
	}

	ws := s.WorldState()
	for _, p := range ws.Pins() {
		if _, ok := ws.ManualContext(p.EntryID); !ok {
			add(severityWarn, "pins", "pin %s does not reference a manual context entry", p.EntryID)
		}
	}
	for _, r := range ws.Reinforcements() {
		if r.Character != "" && !s.HasCharacter(r.Character) {
			add(severityWarn, "reinforcements", "reinforcement %q targets unknown character %q", r.Question, r.Character)
		}
	}
	return issues
}

// validateModules builds the node modules and the game script saved next
// to the scene.
func validateModules(s *scene.Scene) []issue {
	if s.SaveDir == "" {
		return nil
	}
	var issues []issue

	reg := nodes.NewRegistry()
	if err := core.Register(reg, core.Deps{}); err != nil {
		return []issue{{Severity: severityError, Where: "nodes", Message: err.Error()}}
	}
	if _, err := nodes.LoadDir(filepath.Join(s.SaveDir, "nodes"), reg, nil); err != nil {
		issues = append(issues, issue{Severity: severityError, Where: "nodes", Message: err.Error()})
	}

	gamePath := filepath.Join(s.SaveDir, "game.yaml")
	if _, err := os.Stat(gamePath); err == nil {
		if _, err := script.LoadFile(gamePath); err != nil {
			issues = append(issues, issue{Severity: severityError, Where: "game.yaml", Message: err.Error()})
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		issues = append(issues, issue{Severity: severityError, Where: "game.yaml", Message: err.Error()})
	}
	return issues
}
