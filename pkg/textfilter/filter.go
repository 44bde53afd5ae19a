// Package textfilter cleans raw model output before it becomes a message.
package textfilter

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	speakerLine    = regexp.MustCompile(`(?m)^\s*([A-Z][\w' .-]{0,40}):`)
	multiSpace     = regexp.MustCompile(`[ \t]{2,}`)
	multiBlank     = regexp.MustCompile(`\n{3,}`)
	unbalancedStar = regexp.MustCompile(`\*\s*\*`)
	verdict        = regexp.MustCompile(`^(yes|no)\b`)
	smartQuotes    = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// Cleaner trims model output down to what a single speaker said.
type Cleaner struct {
	names map[string]struct{}
}

// NewCleaner creates a cleaner that knows the names of the scene's characters.
func NewCleaner(names ...string) *Cleaner {
	c := &Cleaner{
		names: make(map[string]struct{}, len(names)),
	}
	for _, n := range names {
		c.names[strings.ToLower(n)] = struct{}{}
	}
	return c
}

// Dialogue returns the line for speaker: it drops a leading speaker prefix,
// cuts at the first line where another known character starts speaking and
// normalizes quotes and whitespace.
func (c *Cleaner) Dialogue(speaker, text string) string {
	text = Normalize(text)
	text = strings.TrimSpace(stripPrefix(text, speaker))

	for _, loc := range speakerLine.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		if strings.EqualFold(name, speaker) {
			continue
		}
		if _, known := c.names[strings.ToLower(name)]; known {
			text = text[:loc[0]]
			break
		}
	}
	return strings.TrimSpace(StripPartialSentence(text))
}

// Narration removes stray speaker prefixes from narrator output.
func (c *Cleaner) Narration(text string) string {
	text = Normalize(text)
	for _, prefix := range []string{"Narrator:", "NARRATOR:", "narrator:"} {
		text = strings.TrimPrefix(strings.TrimSpace(text), prefix)
	}
	return strings.TrimSpace(StripPartialSentence(text))
}

// Name returns name with title casing, as character names are stored.
func (c *Cleaner) Name(name string) string {
	return cases.Title(language.English).String(strings.ToLower(strings.TrimSpace(name)))
}

// Normalize replaces smart quotes, collapses runs of spaces and blank lines
// and removes empty emphasis.
func Normalize(text string) string {
	text = smartQuotes.Replace(text)
	text = unbalancedStar.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// StripPartialSentence drops a trailing fragment cut off by the token limit.
// Text without any sentence terminator is returned unchanged.
func StripPartialSentence(text string) string {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return text
	}
	last := strings.LastIndexAny(text, `.!?"*)`)
	if last < 0 || last == len(text)-1 {
		return text
	}
	return text[:last+1]
}

// BalanceMarkup closes an unterminated emphasis or quote.
func BalanceMarkup(text string) string {
	if strings.Count(text, "*")%2 == 1 {
		text += "*"
	}
	if strings.Count(text, `"`)%2 == 1 {
		text += `"`
	}
	return text
}

// YesNo interprets a short verdict. Anything that does not start with yes
// or no is not ok.
func YesNo(text string) (answer, ok bool) {
	t := strings.ToLower(strings.TrimSpace(Normalize(text)))
	t = strings.TrimLeft(t, `"'*`)
	m := verdict.FindStringSubmatch(t)
	if m == nil {
		return false, false
	}
	return m[1] == "yes", true
}

func stripPrefix(text, speaker string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > len(speaker) && strings.EqualFold(trimmed[:len(speaker)], speaker) {
		rest := strings.TrimSpace(trimmed[len(speaker):])
		if strings.HasPrefix(rest, ":") {
			return strings.TrimSpace(rest[1:])
		}
	}
	return text
}
