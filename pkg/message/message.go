// Package message defines the typed messages stored in a scene's history.
package message

import (
	"sync/atomic"
)

// Kind identifies the variant of a message.
type Kind string

const (
	KindScene                Kind = "scene"
	KindCharacter            Kind = "character"
	KindNarrator             Kind = "narrator"
	KindDirector             Kind = "director"
	KindTime                 Kind = "time"
	KindReinforcement        Kind = "reinforcement"
	KindContextInvestigation Kind = "context_investigation"
)

// Format selects how a message renders into prompt text.
type Format string

const (
	FormatChat        Format = "chat"
	FormatMovieScript Format = "movie_script"
	FormatNarrative   Format = "narrative"
)

// Flags is a bitset of message flags.
type Flags uint8

const (
	FlagHidden Flags = 1 << iota
)

// Header carries the fields shared by every message kind.
type Header struct {
	ID      uint64         `json:"id"`
	Message string         `json:"message"`
	Source  string         `json:"source,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	Flags   Flags          `json:"flags,omitempty"`
	Rev     uint32         `json:"rev,omitempty"`
}

// Head returns the header. It is promoted to every message kind.
func (h *Header) Head() *Header { return h }

// Hidden reports whether the message is excluded from rendered context.
func (h *Header) Hidden() bool { return h.Flags&FlagHidden != 0 }

// SetHidden toggles the hidden flag.
func (h *Header) SetHidden(hidden bool) {
	if hidden {
		h.Flags |= FlagHidden
	} else {
		h.Flags &^= FlagHidden
	}
}

// MetaString returns a string meta value or "".
func (h *Header) MetaString(key string) string {
	if h.Meta == nil {
		return ""
	}
	s, _ := h.Meta[key].(string)
	return s
}

// SetMeta sets a meta value, allocating the bag if needed.
func (h *Header) SetMeta(key string, value any) {
	if h.Meta == nil {
		h.Meta = make(map[string]any)
	}
	h.Meta[key] = value
}

func (h Header) clone() Header {
	out := h
	out.Meta = cloneMap(h.Meta)
	return out
}

// RenderOptions adjusts rendering.
type RenderOptions struct {
	// AsMonologue renders director messages as the character's inner thoughts.
	AsMonologue bool
	// StripMarkup removes leading and trailing emphasis asterisks.
	StripMarkup bool
}

// Message is implemented by every message kind.
type Message interface {
	Head() *Header
	Kind() Kind
	Render(format Format, opts RenderOptions) string
	Clone() Message
}

var lastID atomic.Uint64

// NextID returns the next process-wide message id.
func NextID() uint64 {
	return lastID.Add(1)
}

// ResetIDs sets the counter so the next id is start+1.
func ResetIDs(start uint64) {
	lastID.Store(start)
}

// LastID returns the most recently assigned id.
func LastID() uint64 {
	return lastID.Load()
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}
