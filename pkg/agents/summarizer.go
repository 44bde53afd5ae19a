package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/client"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/prompts"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/signals"
	"github.com/jwebster45206/talemate/pkg/textfilter"
)

// Summarizer compresses old history into archived summaries.
type Summarizer struct {
	*agent.Base
}

// NewSummarizer creates the summarizer agent.
func NewSummarizer(c client.Client, bus *signals.Bus, logger *slog.Logger) *Summarizer {
	actions := agent.Actions{
		"archive": {
			Enabled: true,
			Label:   "Summarize to long-term memory",
			Config: map[string]*agent.ActionConfig{
				"threshold": {Label: "Token threshold", Type: "number", Value: 1536, Min: 512, Max: 8192, Step: 256},
			},
		},
	}
	return &Summarizer{Base: agent.NewBase(agent.Summarizer, c, actions, bus, logger)}
}

// summarizable reports whether m belongs in a summary.
func summarizable(m message.Message) bool {
	if m.Head().Hidden() {
		return false
	}
	switch m.Kind() {
	case message.KindCharacter, message.KindNarrator, message.KindScene, message.KindTime:
		return true
	}
	return false
}

// pending returns the unarchived messages up to and including id end.
func pending(s *scene.Scene, end uint64) []message.Message {
	after := s.LastArchivedEnd()
	var out []message.Message
	for _, m := range s.History() {
		id := m.Head().ID
		if id <= after || id > end {
			continue
		}
		if summarizable(m) {
			out = append(out, m)
		}
	}
	return out
}

// SummarizeToArchive summarizes unarchived history up to message end and
// records it as an archived entry. It returns nil when there is nothing to
// summarize.
func (a *Summarizer) SummarizeToArchive(ctx context.Context, end uint64) (*scene.ArchivedEntry, error) {
	var out *scene.ArchivedEntry
	err := a.Run(ctx, "summarize_to_archive", func(ctx context.Context) error {
		s, err := agent.ActiveScene(ctx)
		if err != nil {
			return err
		}
		msgs := pending(s, end)
		if len(msgs) == 0 {
			return nil
		}
		lines := make([]string, 0, len(msgs))
		for _, m := range msgs {
			lines = append(lines, m.Render(message.FormatChat, message.RenderOptions{}))
		}
		prompt := prompts.StorytellerSystem + "\n\n" + fmt.Sprintf(prompts.SummarizeInstruction, strings.Join(lines, "\n"))

		return agent.RetryAccuracy(ctx, accuracyRetries, lengthParams(512), func(ctx context.Context, params client.Parameters) error {
			raw, err := a.Generate(ctx, prompt, params, client.KindSummarize)
			if err != nil {
				return err
			}
			text := textfilter.Normalize(raw)
			if text == "" {
				return fmt.Errorf("empty summary: %w", agent.ErrLLMAccuracy)
			}
			entry := s.ArchiveHistory(ctx, text, msgs[len(msgs)-1].Head().ID)
			out = &entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MaybeArchive summarizes the older half of unarchived history once it
// grows past the configured token threshold.
func (a *Summarizer) MaybeArchive(ctx context.Context) (*scene.ArchivedEntry, error) {
	if !a.ActionEnabled("archive") {
		return nil, nil
	}
	s, err := agent.ActiveScene(ctx)
	if err != nil {
		return nil, err
	}
	count := scene.ApproxTokens
	if c := a.Client(); c != nil {
		count = c.CountTokens
	}
	msgs := pending(s, s.LastMessageID())
	total := 0
	for _, m := range msgs {
		total += count(m.Render(message.FormatChat, message.RenderOptions{}))
	}
	if total <= a.ConfigInt("archive", "threshold", 1536) || len(msgs) < 2 {
		return nil, nil
	}
	return a.SummarizeToArchive(ctx, msgs[len(msgs)/2-1].Head().ID)
}
