// Package template substitutes {{config.key}} and {{context.key}}
// placeholders in skill instruction templates.
//
// Unknown keys are left in place so that templates written for newer
// callers keep working with older ones.
package template

import (
	"regexp"
	"strings"
)

const (
	// NamespaceConfig holds static values from the skill definition.
	NamespaceConfig = "config"
	// NamespaceContext holds runtime values supplied by the caller.
	NamespaceContext = "context"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(config|context)\.([A-Za-z0-9_\-.]+)\s*\}\}`)

// Placeholder is one occurrence of a placeholder in a template.
type Placeholder struct {
	Namespace string
	Key       string
	Start     int
	End       int
}

// Raw returns the canonical spelling of the placeholder.
func (p Placeholder) Raw() string {
	return "{{" + p.Namespace + "." + p.Key + "}}"
}

func scan(tmpl string) []Placeholder {
	matches := placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1)
	placeholders := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		placeholders = append(placeholders, Placeholder{
			Namespace: tmpl[m[2]:m[3]],
			Key:       tmpl[m[4]:m[5]],
			Start:     m[0],
			End:       m[1],
		})
	}
	return placeholders
}

// Resolve replaces every placeholder whose key is present in the matching
// namespace map. Replacements are applied from the last match to the first
// so earlier offsets stay valid, and substituted values are never rescanned.
func Resolve(tmpl string, configValues, contextValues map[string]string) string {
	placeholders := scan(tmpl)
	if len(placeholders) == 0 {
		return tmpl
	}

	out := tmpl
	for i := len(placeholders) - 1; i >= 0; i-- {
		p := placeholders[i]

		var values map[string]string
		switch p.Namespace {
		case NamespaceConfig:
			values = configValues
		case NamespaceContext:
			values = contextValues
		}

		value, ok := values[p.Key]
		if !ok {
			continue
		}
		out = out[:p.Start] + value + out[p.End:]
	}
	return out
}

// Placeholders returns the distinct placeholders in tmpl in order of first
// appearance.
func Placeholders(tmpl string) []Placeholder {
	seen := make(map[string]bool)
	var result []Placeholder
	for _, p := range scan(tmpl) {
		if seen[p.Raw()] {
			continue
		}
		seen[p.Raw()] = true
		result = append(result, p)
	}
	return result
}

// Unresolved lists the placeholders Resolve would leave untouched, formatted
// as namespace.key.
func Unresolved(tmpl string, configValues, contextValues map[string]string) []string {
	var missing []string
	for _, p := range Placeholders(tmpl) {
		values := contextValues
		if p.Namespace == NamespaceConfig {
			values = configValues
		}
		if _, ok := values[p.Key]; !ok {
			missing = append(missing, strings.Join([]string{p.Namespace, p.Key}, "."))
		}
	}
	return missing
}
