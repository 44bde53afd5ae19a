package scene

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jwebster45206/talemate/pkg/isodate"
	"github.com/jwebster45206/talemate/pkg/message"
	"github.com/jwebster45206/talemate/pkg/signals"
)

// signalFor maps a pushed message to the signal announcing it.
func (s *Scene) signalFor(m message.Message) signals.Signal {
	switch m.Kind() {
	case message.KindCharacter:
		if p := s.playerLocked(); p != nil && p.Name == m.(*message.CharacterMessage).CharacterName() {
			return signals.Player
		}
		return signals.Character
	case message.KindNarrator, message.KindContextInvestigation:
		return signals.Narrator
	case message.KindDirector:
		return signals.Director
	case message.KindTime:
		return signals.Time
	case message.KindReinforcement:
		return signals.Reinforcement
	default:
		return signals.System
	}
}

func (s *Scene) characterOf(m message.Message) string {
	switch t := m.(type) {
	case *message.CharacterMessage:
		return t.CharacterName()
	case *message.DirectorMessage:
		return t.CharacterName()
	case *message.ReinforcementMessage:
		return t.Character()
	}
	return ""
}

// Push appends messages to history, assigning each a new id, and emits the
// signal matching each message kind. Dialogue from unknown characters is
// rejected. The batch is validated as a whole: on error nothing is appended
// and the clock does not move.
func (s *Scene) Push(ctx context.Context, msgs ...message.Message) error {
	s.mu.Lock()
	ts := s.ts
	for _, m := range msgs {
		name := s.characterOf(m)
		if name != "" && !s.knownLocked(name) {
			s.mu.Unlock()
			return fmt.Errorf("failed to push message from %q: %w", name, ErrUnknownCharacter)
		}
		if tp, ok := m.(*message.TimePassageMessage); ok {
			next, err := advance(ts, tp.TS)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			ts = next
		}
	}

	events := make([]signals.Event, 0, len(msgs))
	for _, m := range msgs {
		h := m.Head()
		h.ID = message.NextID()
		s.history = append(s.history, m)

		events = append(events, signals.Event{
			Typ:           s.signalFor(m),
			Message:       m.Render(message.FormatChat, message.RenderOptions{}),
			MessageObject: m.Clone(),
			Character:     s.characterOf(m),
			ID:            h.ID,
		})
	}
	s.ts = ts
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ctx, ev)
	}
	return nil
}

// Reinsert puts previously removed messages back at the positions their ids
// sort to, keeping the ids. Messages without an id, or with an id already in
// history, are rejected, as is dialogue from unknown characters. Like Push,
// the batch is validated as a whole.
func (s *Scene) Reinsert(ctx context.Context, msgs ...message.Message) error {
	s.mu.Lock()
	seen := make(map[uint64]bool, len(msgs))
	for _, m := range msgs {
		id := m.Head().ID
		if id == 0 || seen[id] || s.indexLocked(id) >= 0 {
			s.mu.Unlock()
			return fmt.Errorf("failed to reinsert message %d: %w", id, ErrDuplicateID)
		}
		seen[id] = true
		if name := s.characterOf(m); name != "" && !s.knownLocked(name) {
			s.mu.Unlock()
			return fmt.Errorf("failed to reinsert message from %q: %w", name, ErrUnknownCharacter)
		}
	}

	events := make([]signals.Event, 0, len(msgs))
	timed := false
	for _, m := range msgs {
		h := m.Head()
		i, _ := slices.BinarySearchFunc(s.history, h.ID, func(m message.Message, id uint64) int {
			return cmp.Compare(m.Head().ID, id)
		})
		s.history = slices.Insert(s.history, i, m)
		timed = timed || m.Kind() == message.KindTime
		events = append(events, signals.Event{
			Typ:           s.signalFor(m),
			Message:       m.Render(message.FormatChat, message.RenderOptions{}),
			MessageObject: m.Clone(),
			Character:     s.characterOf(m),
			ID:            h.ID,
		})
	}
	if timed {
		s.syncTimeLocked()
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ctx, ev)
	}
	return nil
}

func (s *Scene) indexLocked(id uint64) int {
	i, found := slices.BinarySearchFunc(s.history, id, func(m message.Message, id uint64) int {
		switch h := m.Head(); {
		case h.ID < id:
			return -1
		case h.ID > id:
			return 1
		}
		return 0
	})
	if !found {
		return -1
	}
	return i
}

// Index returns the position of id in history or -1.
func (s *Scene) Index(id uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(id)
}

// Message returns a copy of the message with id.
func (s *Scene) Message(id uint64) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.history[i].Clone(), true
	}
	return nil, false
}

// History returns copies of every message in order.
func (s *Scene) History() []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.Message, len(s.history))
	for i, m := range s.history {
		out[i] = m.Clone()
	}
	return out
}

// Len is the number of messages in history.
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// At returns a copy of the message at position i. Negative positions count
// from the tail.
func (s *Scene) At(i int) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 {
		i += len(s.history)
	}
	if i < 0 || i >= len(s.history) {
		return nil, false
	}
	return s.history[i].Clone(), true
}

// Edit replaces the text of message id. The revision only increases when the
// text actually changes.
func (s *Scene) Edit(ctx context.Context, id uint64, text string) error {
	if s.ImmutableSave {
		return fmt.Errorf("failed to edit message %d: %w", id, ErrImmutable)
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("failed to edit message %d: %w", id, ErrMessageNotFound)
	}
	m := s.history[i]
	h := m.Head()
	if cm, ok := m.(*message.CharacterMessage); ok {
		name := cm.CharacterName()
		next := &message.CharacterMessage{Header: message.Header{Message: text}}
		if name != "" && next.CharacterName() != name {
			text = name + ": " + text
		}
	}
	if h.Message == text {
		s.mu.Unlock()
		return nil
	}
	h.Message = text
	h.Rev++
	ev := signals.Event{
		Typ:           signals.MessageEdited,
		Message:       m.Render(message.FormatChat, message.RenderOptions{}),
		MessageObject: m.Clone(),
		Character:     s.characterOf(m),
		ID:            id,
	}
	s.mu.Unlock()

	s.emit(ctx, ev)
	return nil
}

// Hide excludes message id from rendered context.
func (s *Scene) Hide(ctx context.Context, id uint64) error {
	return s.setHidden(ctx, id, true)
}

// Unhide includes message id in rendered context again.
func (s *Scene) Unhide(ctx context.Context, id uint64) error {
	return s.setHidden(ctx, id, false)
}

func (s *Scene) setHidden(ctx context.Context, id uint64, hidden bool) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("failed to update message %d: %w", id, ErrMessageNotFound)
	}
	m := s.history[i]
	if m.Head().Hidden() == hidden {
		s.mu.Unlock()
		return nil
	}
	m.Head().SetHidden(hidden)
	ev := signals.Event{
		Typ:           signals.MessageEdited,
		MessageObject: m.Clone(),
		ID:            id,
		Data:          map[string]any{"hidden": hidden},
	}
	s.mu.Unlock()

	s.emit(ctx, ev)
	return nil
}

// PopOptions controls Pop.
type PopOptions struct {
	// Kind restricts removal to messages of this kind. Empty matches all.
	Kind message.Kind
	// All removes every match instead of only the first.
	All bool
	// Reverse searches from the head instead of the tail.
	Reverse bool
}

// Pop removes matching messages searching from the tail (or the head when
// Reverse) and emits remove_message for each one.
func (s *Scene) Pop(ctx context.Context, opts PopOptions) []message.Message {
	s.mu.Lock()
	var removed []message.Message
	match := func(m message.Message) bool {
		return opts.Kind == "" || m.Kind() == opts.Kind
	}

	if opts.Reverse {
		kept := s.history[:0]
		for _, m := range s.history {
			if match(m) && (opts.All || len(removed) == 0) {
				removed = append(removed, m)
				continue
			}
			kept = append(kept, m)
		}
		s.history = kept
	} else {
		for i := len(s.history) - 1; i >= 0; i-- {
			if !match(s.history[i]) {
				continue
			}
			removed = append(removed, s.history[i])
			s.history = slices.Delete(s.history, i, i+1)
			if !opts.All {
				break
			}
		}
	}
	s.afterRemovalLocked(removed)
	s.mu.Unlock()

	s.emitRemoved(ctx, removed)
	return removed
}

// Remove deletes message id.
func (s *Scene) Remove(ctx context.Context, id uint64) (message.Message, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to remove message %d: %w", id, ErrMessageNotFound)
	}
	m := s.history[i]
	s.history = slices.Delete(s.history, i, i+1)
	s.afterRemovalLocked([]message.Message{m})
	s.mu.Unlock()

	s.emitRemoved(ctx, []message.Message{m})
	return m, nil
}

// TruncateAfter drops every message whose id is greater than id.
func (s *Scene) TruncateAfter(ctx context.Context, id uint64) []message.Message {
	s.mu.Lock()
	cut := len(s.history)
	for i, m := range s.history {
		if m.Head().ID > id {
			cut = i
			break
		}
	}
	removed := slices.Clone(s.history[cut:])
	s.history = s.history[:cut]
	s.afterRemovalLocked(removed)
	s.mu.Unlock()

	s.emitRemoved(ctx, removed)
	return removed
}

func (s *Scene) afterRemovalLocked(removed []message.Message) {
	for _, m := range removed {
		if m.Kind() == message.KindTime {
			s.syncTimeLocked()
			return
		}
	}
}

func (s *Scene) emitRemoved(ctx context.Context, removed []message.Message) {
	for _, m := range removed {
		s.emit(ctx, signals.Event{Typ: signals.RemoveMessage, ID: m.Head().ID, MessageObject: m})
	}
}

// DirectorPolicy selects which director messages appear in rendered context.
type DirectorPolicy struct {
	// Keep includes every director message.
	Keep bool
	// Character includes only guidance aimed at this character.
	Character string
}

func (p DirectorPolicy) allows(m *message.DirectorMessage) bool {
	if p.Keep {
		return true
	}
	return p.Character != "" && m.CharacterName() == p.Character
}

// ContextOptions controls ContextHistory.
type ContextOptions struct {
	Budget          int
	Director        DirectorPolicy
	Format          message.Format
	Render          message.RenderOptions
	Count           TokenCounter
	IncludeArchived bool
}

// ContextHistory renders the longest suffix of history that fits the token
// budget, oldest first. Hidden messages are skipped.
func (s *Scene) ContextHistory(opts ContextOptions) []string {
	count := opts.Count
	if count == nil {
		count = ApproxTokens
	}
	format := opts.Format
	if format == "" {
		format = message.FormatChat
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rev []string
	used := 0
	for i := len(s.history) - 1; i >= 0; i-- {
		m := s.history[i]
		if m.Head().Hidden() {
			continue
		}
		render := opts.Render
		if dm, ok := m.(*message.DirectorMessage); ok {
			if !opts.Director.allows(dm) {
				continue
			}
			if opts.Director.Character != "" && dm.CharacterName() == opts.Director.Character {
				render.AsMonologue = true
			}
		}
		text := m.Render(format, render)
		n := count(text)
		if used+n > opts.Budget {
			return reverse(rev)
		}
		used += n
		rev = append(rev, text)
	}

	if opts.IncludeArchived {
		for i := len(s.archived) - 1; i >= 0; i-- {
			n := count(s.archived[i].Text)
			if used+n > opts.Budget {
				break
			}
			used += n
			rev = append(rev, s.archived[i].Text)
		}
	}
	return reverse(rev)
}

func reverse(in []string) []string {
	slices.Reverse(in)
	return in
}

// TS returns the scene clock as an ISO-8601 duration.
func (s *Scene) TS() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ts
}

// AdvanceTime moves the scene clock forward by duration.
func (s *Scene) AdvanceTime(duration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceTimeLocked(duration)
}

func (s *Scene) advanceTimeLocked(duration string) error {
	ts, err := advance(s.ts, duration)
	if err != nil {
		return err
	}
	s.ts = ts
	return nil
}

// advance returns ts moved forward by duration. Negative durations are
// rejected.
func advance(ts, duration string) (string, error) {
	sign, err := isodate.Compare(duration, isodate.Zero)
	if err != nil {
		return "", fmt.Errorf("failed to advance time: %w", err)
	}
	if sign < 0 {
		return "", fmt.Errorf("failed to advance time by %s: %w", duration, ErrNegativeTime)
	}
	next, err := isodate.Add(ts, duration, true)
	if err != nil {
		return "", fmt.Errorf("failed to advance time: %w", err)
	}
	return next, nil
}

// SyncTime recomputes the clock from the last archived entry and the time
// messages after it.
func (s *Scene) SyncTime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTimeLocked()
}

func (s *Scene) syncTimeLocked() {
	ts := isodate.Zero
	var after uint64
	if n := len(s.archived); n > 0 {
		if s.archived[n-1].TS != "" {
			ts = s.archived[n-1].TS
		}
		after = s.archived[n-1].End
	}
	for _, m := range s.history {
		tp, ok := m.(*message.TimePassageMessage)
		if !ok || tp.ID <= after {
			continue
		}
		next, err := isodate.Add(ts, tp.TS, true)
		if err != nil {
			s.logger.Warn("Skipping malformed time message", "id", tp.ID, "ts", tp.TS, "error", err)
			continue
		}
		ts = next
	}
	s.ts = ts
}

// ArchiveHistory records a summary of history up to message end.
func (s *Scene) ArchiveHistory(ctx context.Context, text string, end uint64) ArchivedEntry {
	s.mu.Lock()
	entry := ArchivedEntry{Text: text, TS: s.ts, End: end}
	s.archived = append(s.archived, entry)
	s.mu.Unlock()

	s.emit(ctx, signals.Event{Typ: signals.ArchivedHistory, Message: text, Data: map[string]any{"end": end, "ts": entry.TS}})
	return entry
}

// ArchivedHistory returns a copy of the archived summaries.
func (s *Scene) ArchivedHistory() []ArchivedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.archived)
}

// LastArchivedEnd returns the id of the last summarized message or 0.
func (s *Scene) LastArchivedEnd() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.archived); n > 0 {
		return s.archived[n-1].End
	}
	return 0
}

// ResetProgress drops history, archived summaries and elapsed time so the
// scene starts over from its intro.
func (s *Scene) ResetProgress(ctx context.Context) {
	s.TruncateAfter(ctx, 0)
	s.mu.Lock()
	s.archived = nil
	s.ts = isodate.Zero
	s.turn = 0
	s.mu.Unlock()
}
