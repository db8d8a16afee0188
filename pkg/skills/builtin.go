package skills

import (
	"context"
	"embed"
	"path"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/pkg/errors"
)

//go:embed builtin
var builtinFS embed.FS

type builtinSkill struct {
	id       string
	icon     string
	color    string
	internal bool
}

var builtins = []builtinSkill{
	{id: "dictate", icon: "mic", color: "#6E56CF"},
	{id: "translate", icon: "globe", color: "#0EA5E9"},
	{id: "quick-note", icon: "note", color: "#F59E0B"},
	{id: "explain", icon: "lightbulb", color: "#10B981"},
	{id: "polish", icon: "wand", color: "#EC4899"},
	{id: "reply-drafter", icon: "reply", color: "#64748B", internal: true},
}

// BuiltinIDs lists the ids of the skills shipped with the binary.
func BuiltinIDs() []string {
	ids := make([]string, len(builtins))
	for i, b := range builtins {
		ids[i] = b.id
	}
	return ids
}

// IsBuiltinID reports whether id names a shipped skill.
func IsBuiltinID(id string) bool {
	for _, b := range builtins {
		if b.id == id {
			return true
		}
	}
	return false
}

// BuiltinDefinition parses the embedded definition for id.
func BuiltinDefinition(id string) (*Definition, error) {
	data, err := builtinFS.ReadFile(path.Join("builtin", id, SkillFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "no builtin skill %q", id)
	}
	return Parse(string(data), id)
}

// InstallBuiltins writes every shipped skill to disk, overwriting local
// edits, and flags them in the metadata store. Presentation chosen by the
// user (icon, color, binding) is kept when an entry already exists.
func (l *Library) InstallBuiltins(ctx context.Context) error {
	updates := make(map[string]metadata.RuntimeMetadata)

	for _, b := range builtins {
		def, err := BuiltinDefinition(b.id)
		if err != nil {
			return err
		}
		if err := l.Save(ctx, def); err != nil {
			return errors.Wrapf(err, "failed to install builtin skill %s", b.id)
		}

		if l.store == nil {
			continue
		}
		existing := l.store.Has(b.id)
		m := l.store.Get(b.id)
		if !existing {
			m.Icon = b.icon
			m.ColorHex = b.color
		}
		if existing && m.IsBuiltin && m.IsInternal == b.internal {
			continue
		}
		m.IsBuiltin = true
		m.IsInternal = b.internal
		updates[b.id] = m
	}

	if l.store != nil {
		if err := l.store.UpdateMany(updates); err != nil {
			return errors.Wrap(err, "failed to save builtin skill metadata")
		}
	}

	logger.G(ctx).WithField("count", len(builtins)).Debug("installed builtin skills")
	return nil
}
