// Package skills holds skill definitions: the on-disk SKILL.md codec and the
// in-memory library that loads, creates, rewrites and deletes them.
//
// A skill lives in its own directory named by the skill id, containing a
// SKILL.md file with a delimited header followed by the instruction template
// body. Presentation attributes (icon, color, key binding) are not part of a
// definition; they belong to the metadata store.
package skills

import (
	"maps"
	"slices"
)

// Definition is the semantic description of a skill.
type Definition struct {
	ID                   string            // Directory name, not serialized
	Name                 string            // Required
	Description          string            // Required
	UserPrompt           string            // Display only, never used for execution
	SystemPromptTemplate string            // Body of SKILL.md
	AllowedTools         []string          // Empty means "use the loader's default tool"
	Config               map[string]string // Values for {{config.*}} placeholders

	// Legacy holds header keys outside the current schema. It is populated by
	// Parse and never written back by Print.
	Legacy map[string]string
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.AllowedTools = slices.Clone(d.AllowedTools)
	c.Config = maps.Clone(d.Config)
	c.Legacy = maps.Clone(d.Legacy)
	return &c
}

// AllowsTool reports whether name is in the allow-list. An empty allow-list
// allows every tool; loaders replace it with the default tool before
// execution so that case only arises for definitions built in code.
func (d *Definition) AllowsTool(name string) bool {
	if len(d.AllowedTools) == 0 {
		return true
	}
	return slices.Contains(d.AllowedTools, name)
}

// HasLegacy reports whether any of the given legacy keys were present in the
// parsed header.
func (d *Definition) HasLegacy(keys ...string) bool {
	for _, k := range keys {
		if _, ok := d.Legacy[k]; ok {
			return true
		}
	}
	return false
}

// SemanticEqual compares the fields that make up the serialized definition.
// Nil and empty collections are considered equal; Legacy is ignored.
func (d *Definition) SemanticEqual(o *Definition) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Name != o.Name || d.Description != o.Description || d.UserPrompt != o.UserPrompt ||
		d.SystemPromptTemplate != o.SystemPromptTemplate {
		return false
	}
	if len(d.AllowedTools) != len(o.AllowedTools) || !slices.Equal(d.AllowedTools, o.AllowedTools) {
		return false
	}
	return len(d.Config) == len(o.Config) && maps.Equal(d.Config, o.Config)
}
