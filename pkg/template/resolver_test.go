package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		tmpl     string
		config   map[string]string
		context  map[string]string
		expected string
	}{
		{
			name:     "missing keys pass through",
			tmpl:     "Hello {{config.name}}, {{context.missing}}.",
			config:   map[string]string{"name": "Ghost"},
			context:  map[string]string{},
			expected: "Hello Ghost, {{context.missing}}.",
		},
		{
			name:     "both namespaces",
			tmpl:     "Translate from {{config.source_language}} to {{config.target_language}} for {{context.user_profile}}",
			config:   map[string]string{"source_language": "auto", "target_language": "Japanese"},
			context:  map[string]string{"user_profile": "a designer"},
			expected: "Translate from auto to Japanese for a designer",
		},
		{
			name:     "namespaces are independent",
			tmpl:     "{{config.x}} {{context.x}}",
			config:   map[string]string{"x": "c"},
			context:  nil,
			expected: "c {{context.x}}",
		},
		{
			name:     "repeated placeholder with longer value",
			tmpl:     "{{config.a}}-{{config.a}}-{{config.a}}",
			config:   map[string]string{"a": "longer value"},
			expected: "longer value-longer value-longer value",
		},
		{
			name:     "values are not rescanned",
			tmpl:     "{{context.selected_text}}",
			config:   map[string]string{"secret": "leak"},
			context:  map[string]string{"selected_text": "{{config.secret}}"},
			expected: "{{config.secret}}",
		},
		{
			name:     "whitespace inside braces",
			tmpl:     "{{ config.name }}!",
			config:   map[string]string{"name": "Ghost"},
			expected: "Ghost!",
		},
		{
			name:     "unknown namespace untouched",
			tmpl:     "{{env.HOME}} {{config.name}}",
			config:   map[string]string{"name": "Ghost"},
			expected: "{{env.HOME}} Ghost",
		},
		{
			name:     "empty value replaces",
			tmpl:     "[{{context.user_profile}}]",
			context:  map[string]string{"user_profile": ""},
			expected: "[]",
		},
		{
			name:     "no placeholders",
			tmpl:     "plain text",
			expected: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.tmpl, tt.config, tt.context))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{config.a}} {{context.b}} {{ config.a }} {{config.c}}")
	var raws []string
	for _, p := range got {
		raws = append(raws, p.Raw())
	}
	assert.Equal(t, []string{"{{config.a}}", "{{context.b}}", "{{config.c}}"}, raws)
}

func TestUnresolved(t *testing.T) {
	missing := Unresolved(
		"{{config.a}} {{context.b}} {{config.c}}",
		map[string]string{"a": "1"},
		map[string]string{"b": "2"},
	)
	assert.Equal(t, []string{"config.c"}, missing)
}
