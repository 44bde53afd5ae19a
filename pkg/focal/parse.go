package focal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jwebster45206/talemate/pkg/client"
)

var (
	fencedBlock    = regexp.MustCompile("(?s)```([A-Za-z]*)[ \t]*\n(.*?)```")
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	adjacentObject = regexp.MustCompile(`}(\s*){`)
	missingComma   = regexp.MustCompile(`("|\d|true|false|null|[}\]])(\s*\n\s*)(")`)
	yamlKeyValue   = regexp.MustCompile(`^(\s*(?:-\s+)?[A-Za-z_][\w-]*):\s+(.*)$`)
)

// DataParsingError reports structured data that stayed unparseable after
// every repair.
type DataParsingError struct {
	Format client.DataFormat
	Text   string
	Err    error
}

func (e *DataParsingError) Error() string {
	return fmt.Sprintf("failed to parse %s data: %v", e.Format, e.Err)
}

func (e *DataParsingError) Unwrap() error { return e.Err }

// Blocks returns the bodies of fenced code blocks tagged with format or
// left untagged.
func Blocks(text string, format client.DataFormat) []string {
	var out []string
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		switch {
		case lang == "":
		case lang == string(format):
		case format == client.DataFormatYAML && lang == "yml":
		default:
			continue
		}
		if body := strings.TrimSpace(m[2]); body != "" {
			out = append(out, body)
		}
	}
	return out
}

// Parse decodes a block into a list of objects, applying the repair passes
// of the format when the first attempt fails.
func Parse(block string, format client.DataFormat) ([]map[string]any, error) {
	if format == client.DataFormatYAML {
		return ParseYAML(block)
	}
	return ParseJSON(block)
}

// ParseJSON decodes an object, a list of objects, or several objects in a
// row.
func ParseJSON(text string) ([]map[string]any, error) {
	items, err := decodeJSON(text)
	if err == nil {
		return items, nil
	}
	repaired := RepairJSON(text)
	if items, rerr := decodeJSON(repaired); rerr == nil {
		return items, nil
	}
	return nil, &DataParsingError{Format: client.DataFormatJSON, Text: text, Err: err}
}

// RepairJSON fixes common model mistakes: trailing commas, missing commas
// between values, and multiple top level objects.
func RepairJSON(text string) string {
	text = strings.TrimSpace(text)
	text = trailingComma.ReplaceAllString(text, "$1")
	text = adjacentObject.ReplaceAllString(text, "},$1{")
	text = missingComma.ReplaceAllString(text, "$1,$2$3")
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") && !validJSON(text) {
		text = "[" + text + "]"
	}
	return text
}

func validJSON(text string) bool {
	var v any
	return json.Unmarshal([]byte(text), &v) == nil
}

func decodeJSON(text string) ([]map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	var out []map[string]any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		items, err := objects(v)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no objects found")
	}
	return out, nil
}

// ParseYAML decodes every document of a block into objects.
func ParseYAML(text string) ([]map[string]any, error) {
	items, err := decodeYAML(text)
	if err == nil {
		return items, nil
	}
	if items, rerr := decodeYAML(RepairYAML(text)); rerr == nil {
		return items, nil
	}
	return nil, &DataParsingError{Format: client.DataFormatYAML, Text: text, Err: err}
}

// RepairYAML promotes unquoted values containing ": " to block scalars.
func RepairYAML(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		m := yamlKeyValue.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		value := m[2]
		if !strings.Contains(value, ": ") || strings.HasPrefix(value, `"`) || strings.HasPrefix(value, "'") ||
			strings.HasPrefix(value, "|") || strings.HasPrefix(value, ">") {
			out = append(out, line)
			continue
		}
		indent := strings.Repeat(" ", len(m[1])-len(strings.TrimLeft(m[1], " -"))+2)
		if strings.Contains(m[1], "- ") {
			indent += "  "
		}
		out = append(out, m[1]+": |-", indent+value)
	}
	return strings.Join(out, "\n")
}

func decodeYAML(text string) ([]map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(text)))
	var out []map[string]any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		items, err := objects(v)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no objects found")
	}
	return out, nil
}

func objects(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, expected an object", i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected an object or a list, got %T", v)
}
