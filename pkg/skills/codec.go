package skills

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const frontmatterDelimiter = "---"

// Header keys of the current schema.
const (
	KeyName         = "name"
	KeyDescription  = "description"
	KeyUserPrompt   = "user_prompt"
	KeyAllowedTools = "allowed_tools"
	KeyConfig       = "config"
)

var (
	// ErrMissingFrontmatter is returned when the leading or closing delimiter line is absent.
	ErrMissingFrontmatter = errors.New("missing frontmatter delimiters")
	// ErrMissingRequiredField matches any MissingRequiredFieldError.
	ErrMissingRequiredField = errors.New("missing required field")
)

// MissingRequiredFieldError names the required header key that was absent or empty.
type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field %q in frontmatter", e.Field)
}

// Is makes errors.Is(err, ErrMissingRequiredField) succeed.
func (e *MissingRequiredFieldError) Is(target error) bool {
	return target == ErrMissingRequiredField
}

// Block keys whose shape cannot be inferred from their content (an empty
// block) fall back to these lists. Anything else defaults to a nested map.
var (
	knownListKeys = map[string]bool{KeyAllowedTools: true}
	knownMapKeys  = map[string]bool{KeyConfig: true}
)

type valueKind int

const (
	scalarValue valueKind = iota
	listValue
	mapValue
)

type headerEntry struct {
	key    string
	kind   valueKind
	scalar string
	list   []string
	fields map[string]string
	order  []string
}

// Parse decodes a SKILL.md document. The id is attached to the result and is
// not read from the document.
func Parse(raw, id string) (*Definition, error) {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.TrimLeft(text, "\ufeff \t\n")

	lines := strings.Split(text, "\n")
	if strings.TrimSpace(lines[0]) != frontmatterDelimiter {
		return nil, ErrMissingFrontmatter
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelimiter {
			end = i
			break
		}
	}
	if end == -1 {
		return nil, ErrMissingFrontmatter
	}

	def := &Definition{
		ID:                   id,
		SystemPromptTemplate: strings.TrimSpace(strings.Join(lines[end+1:], "\n")),
	}

	for _, entry := range parseHeader(lines[1:end]) {
		switch entry.key {
		case KeyName:
			def.Name = entry.scalar
		case KeyDescription:
			def.Description = entry.scalar
		case KeyUserPrompt:
			def.UserPrompt = entry.scalar
		case KeyAllowedTools:
			def.AllowedTools = entry.asList()
		case KeyConfig:
			if entry.kind == mapValue {
				def.Config = entry.fields
			}
		default:
			if def.Legacy == nil {
				def.Legacy = make(map[string]string)
			}
			entry.flattenInto(def.Legacy)
		}
	}

	if strings.TrimSpace(def.Name) == "" {
		return nil, &MissingRequiredFieldError{Field: KeyName}
	}
	if strings.TrimSpace(def.Description) == "" {
		return nil, &MissingRequiredFieldError{Field: KeyDescription}
	}

	return def, nil
}

// parseHeader turns header lines into entries in document order. Lines that
// fit no recognised shape are skipped.
func parseHeader(lines []string) []headerEntry {
	var entries []headerEntry

	for i := 0; i < len(lines); {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		i++

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// block line without an owning key
		if isIndented(line) || strings.HasPrefix(trimmed, "-") {
			continue
		}

		key, value, ok := splitKeyValue(trimmed)
		if !ok {
			continue
		}

		switch value {
		case "":
		case "[]":
			entries = append(entries, headerEntry{key: key, kind: listValue, list: []string{}})
			continue
		case "{}":
			entries = append(entries, headerEntry{key: key, kind: mapValue, fields: map[string]string{}})
			continue
		default:
			entries = append(entries, headerEntry{key: key, kind: scalarValue, scalar: unquote(value)})
			continue
		}

		var block []string
		for i < len(lines) {
			next := lines[i]
			t := strings.TrimSpace(next)
			if t == "" || strings.HasPrefix(t, "#") {
				i++
				continue
			}
			if !isIndented(next) && !strings.HasPrefix(t, "-") {
				break
			}
			block = append(block, t)
			i++
		}

		entries = append(entries, parseBlock(key, block))
	}

	return entries
}

// blockKind infers list or map from the first block line, using the known
// key lists only when the block is empty or its first line has neither shape.
func blockKind(key string, block []string) valueKind {
	if len(block) > 0 {
		first := block[0]
		if strings.HasPrefix(first, "-") {
			return listValue
		}
		if _, _, ok := splitKeyValue(first); ok {
			return mapValue
		}
	}
	if knownListKeys[key] {
		return listValue
	}
	if knownMapKeys[key] {
		return mapValue
	}
	return mapValue
}

func parseBlock(key string, block []string) headerEntry {
	entry := headerEntry{key: key, kind: blockKind(key, block)}

	switch entry.kind {
	case listValue:
		entry.list = []string{}
		for _, line := range block {
			if !strings.HasPrefix(line, "-") {
				continue
			}
			item := unquote(strings.TrimSpace(strings.TrimPrefix(line, "-")))
			if item == "" {
				continue
			}
			entry.list = append(entry.list, item)
		}
	default:
		entry.fields = make(map[string]string)
		for _, line := range block {
			k, v, ok := splitKeyValue(line)
			if !ok {
				continue
			}
			if _, dup := entry.fields[k]; !dup {
				entry.order = append(entry.order, k)
			}
			entry.fields[k] = unquote(v)
		}
	}

	return entry
}

func (e headerEntry) asList() []string {
	switch e.kind {
	case listValue:
		return e.list
	case scalarValue:
		// tolerate the inline comma-separated form
		var items []string
		for _, item := range strings.Split(e.scalar, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items
	default:
		return nil
	}
}

func (e headerEntry) flattenInto(legacy map[string]string) {
	switch e.kind {
	case scalarValue:
		legacy[e.key] = e.scalar
	case listValue:
		legacy[e.key] = strings.Join(e.list, ",")
	case mapValue:
		legacy[e.key] = ""
		for _, k := range e.order {
			legacy[e.key+"."+k] = e.fields[k]
		}
	}
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func splitKeyValue(s string) (string, string, bool) {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(s[:idx])
	if key == "" || strings.ContainsAny(key, " \t\"'") || strings.HasPrefix(key, "-") {
		return "", "", false
	}
	return key, strings.TrimSpace(s[idx+1:]), true
}

func unquote(v string) string {
	if len(v) >= 2 {
		switch {
		case v[0] == '"' && v[len(v)-1] == '"':
			return unescape(v[1 : len(v)-1])
		case v[0] == '\'' && v[len(v)-1] == '\'':
			return strings.ReplaceAll(v[1:len(v)-1], "''", "'")
		}
	}
	return v
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)

func quote(s string) string {
	return `"` + escaper.Replace(s) + `"`
}

// bareListItem reports whether a list item can be written without quotes.
func bareListItem(s string) bool {
	if s == "" || s != strings.TrimSpace(s) {
		return false
	}
	return !strings.ContainsAny(s, "\"'#:\\\n\t") && !strings.HasPrefix(s, "-")
}

// Print encodes a definition as a SKILL.md document. Output is deterministic
// and contains only current-schema fields.
func Print(def *Definition) string {
	var b strings.Builder

	b.WriteString(frontmatterDelimiter + "\n")
	writeScalar(&b, KeyName, def.Name)
	writeScalar(&b, KeyDescription, def.Description)
	if def.UserPrompt != "" {
		writeScalar(&b, KeyUserPrompt, def.UserPrompt)
	}

	if tools := nonEmpty(def.AllowedTools); len(tools) > 0 {
		b.WriteString(KeyAllowedTools + ":\n")
		for _, tool := range tools {
			item := tool
			if !bareListItem(tool) {
				item = quote(tool)
			}
			b.WriteString("  - " + item + "\n")
		}
	}

	if len(def.Config) > 0 {
		keys := make([]string, 0, len(def.Config))
		for k := range def.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(KeyConfig + ":\n")
		for _, k := range keys {
			b.WriteString("  " + k + ": " + quote(def.Config[k]) + "\n")
		}
	}

	b.WriteString(frontmatterDelimiter + "\n\n")

	if def.SystemPromptTemplate != "" {
		b.WriteString(def.SystemPromptTemplate)
		if !strings.HasSuffix(def.SystemPromptTemplate, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writeScalar(b *strings.Builder, key, value string) {
	b.WriteString(key + ": " + quote(value) + "\n")
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
