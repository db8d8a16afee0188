// Package metadata persists presentation and runtime attributes of skills
// (icon, color, key binding, builtin/internal flags) separately from their
// semantic definitions. All entries live in a single JSON document keyed by
// skill id.
package metadata

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DefaultIcon is used when a skill has no stored icon.
	DefaultIcon = "sparkles"
	// DefaultColorHex is used when a skill has no stored color.
	DefaultColorHex = "#6E56CF"
)

// KeyBinding is the modifier or character key that triggers a skill.
type KeyBinding struct {
	KeyCode          int    `json:"keyCode"`
	IsSystemModifier bool   `json:"isSystemModifier"`
	DisplayName      string `json:"displayName"`
}

// RuntimeMetadata holds everything about a skill that is not part of its definition.
type RuntimeMetadata struct {
	Icon        string      `json:"icon"`
	ColorHex    string      `json:"colorHex"`
	ModifierKey *KeyBinding `json:"modifierKey,omitempty"`
	IsBuiltin   bool        `json:"isBuiltin"`
	IsInternal  bool        `json:"isInternal"`
}

// Default returns the metadata used for skills without a stored entry.
func Default() RuntimeMetadata {
	return RuntimeMetadata{
		Icon:     DefaultIcon,
		ColorHex: DefaultColorHex,
	}
}

func (m RuntimeMetadata) normalized() RuntimeMetadata {
	if m.Icon == "" {
		m.Icon = DefaultIcon
	}
	if m.ColorHex == "" {
		m.ColorHex = DefaultColorHex
	}
	if m.ModifierKey != nil {
		key := *m.ModifierKey
		m.ModifierKey = &key
	}
	return m
}

// systemModifierKeys maps the physical modifier key codes to display names.
var systemModifierKeys = map[int]string{
	54: "Right Command",
	55: "Command",
	56: "Shift",
	57: "Caps Lock",
	58: "Option",
	59: "Control",
	60: "Right Shift",
	61: "Right Option",
	62: "Right Control",
	63: "Fn",
}

// IsSystemModifierKey reports whether keyCode is one of the physical modifier keys.
func IsSystemModifierKey(keyCode int) bool {
	_, ok := systemModifierKeys[keyCode]
	return ok
}

// NewKeyBinding builds a binding for keyCode. Modifier keys get their
// standard display name when displayName is empty.
func NewKeyBinding(keyCode int, displayName string) KeyBinding {
	name, isModifier := systemModifierKeys[keyCode]
	if displayName == "" {
		if isModifier {
			displayName = name
		} else {
			displayName = fmt.Sprintf("Key %d", keyCode)
		}
	}
	return KeyBinding{
		KeyCode:          keyCode,
		IsSystemModifier: isModifier,
		DisplayName:      displayName,
	}
}

// ErrKeyBindingConflict matches any ConflictError.
var ErrKeyBindingConflict = errors.New("key binding conflict")

// ConflictError reports that a key code is already bound to another skill.
type ConflictError struct {
	KeyCode    int
	SkillID    string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("key code %d requested by %q is already bound to %q", e.KeyCode, e.SkillID, e.ExistingID)
}

// Is makes errors.Is(err, ErrKeyBindingConflict) succeed.
func (e *ConflictError) Is(target error) bool {
	return target == ErrKeyBindingConflict
}
