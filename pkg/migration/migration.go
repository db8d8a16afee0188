// Package migration moves skills written in the legacy schema to the current
// one. Presentation fields go to the metadata store, the legacy category is
// mapped to allowed tools and config, and the file is rewritten without the
// legacy keys. Rewritten files no longer carry the category, so a second run
// finds nothing to do.
package migration

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/jingkaihe/skillet/pkg/tools"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Legacy header keys recognized by the migration.
const (
	KeyType             = "type"
	KeyIcon             = "icon"
	KeyColor            = "color"
	KeyIsBuiltin        = "is_builtin"
	KeyKeyCode          = "key_code"
	KeyIsSystemModifier = "is_system_modifier"
	KeyKeyDisplayName   = "key_display_name"
	KeyLanguage         = "language"
	KeyBehavior         = "behavior"
	KeyOutputMode       = "output_mode"
)

// LegacyKeys lists every key that marks a definition as needing migration.
var LegacyKeys = []string{
	KeyType,
	KeyIcon,
	KeyColor,
	KeyIsBuiltin,
	KeyKeyCode,
	KeyIsSystemModifier,
	KeyKeyDisplayName,
	KeyLanguage,
	KeyBehavior,
	KeyOutputMode,
}

// Options controls a migration run.
type Options struct {
	// DryRun computes changes and diffs without writing anything.
	DryRun bool
}

// Change describes the migration of one skill.
type Change struct {
	ID       string
	Category string
	Metadata metadata.RuntimeMetadata
	// Diff is a unified diff of the file rewrite.
	Diff    string
	Written bool
}

// Report summarizes a migration run.
type Report struct {
	Changes []Change
	// Failed maps skill ids to the error that stopped their migration.
	Failed map[string]error
	// MetadataSaved is true when the metadata store was written.
	MetadataSaved bool
}

// Service migrates legacy skills in a library.
type Service struct {
	library *skills.Library
	store   *metadata.Store
}

// NewService creates a migration service.
func NewService(library *skills.Library, store *metadata.Store) *Service {
	return &Service{library: library, store: store}
}

// NeedsMigration reports whether a raw definition carries legacy keys.
func NeedsMigration(def *skills.Definition) bool {
	return def.HasLegacy(LegacyKeys...)
}

// Run migrates every library skill carrying legacy keys. Per-skill failures
// are collected in the report and returned as a combined error; metadata is
// persisted once, and only when at least one skill migrated.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Failed: map[string]error{}}
	pending := map[string]metadata.RuntimeMetadata{}
	var result *multierror.Error

	for _, id := range s.library.IDs() {
		raw, ok := s.library.Raw(id)
		if !ok || !NeedsMigration(raw) {
			continue
		}

		log := logger.G(ctx).WithField("skill_id", id)
		var change Change
		err := telemetry.WithSpan(ctx, "migration.skill", func(ctx context.Context) error {
			var err error
			change, err = s.migrate(ctx, raw, pending, opts)
			return err
		}, attribute.String("skill.id", id))
		if err != nil {
			log.WithError(err).Error("failed to migrate skill")
			report.Failed[id] = err
			result = multierror.Append(result, errors.Wrapf(err, "skill %s", id))
			continue
		}

		pending[id] = change.Metadata
		report.Changes = append(report.Changes, change)
		log.WithField("category", change.Category).Info("migrated legacy skill")
	}

	if len(pending) > 0 && !opts.DryRun {
		if err := s.store.UpdateMany(pending); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to save migrated metadata"))
		} else {
			report.MetadataSaved = true
		}
	}

	return report, result.ErrorOrNil()
}

func (s *Service) migrate(ctx context.Context, raw *skills.Definition, pending map[string]metadata.RuntimeMetadata, opts Options) (Change, error) {
	change := Change{ID: raw.ID, Category: strings.ToLower(strings.TrimSpace(raw.Legacy[KeyType]))}

	meta, err := s.importMetadata(ctx, raw, pending)
	if err != nil {
		return change, err
	}
	change.Metadata = meta

	migrated := Remap(raw)

	path := s.library.Path(raw.ID)
	before, err := os.ReadFile(path)
	if err != nil {
		return change, errors.Wrapf(err, "failed to read %s", path)
	}
	after := skills.Print(migrated)
	change.Diff = udiff.Unified(path, path, string(before), after)

	if opts.DryRun {
		return change, nil
	}

	if err := s.library.Save(ctx, migrated); err != nil {
		return change, errors.Wrap(err, "failed to rewrite skill")
	}
	change.Written = true
	return change, nil
}

// importMetadata merges legacy presentation fields over the stored metadata.
func (s *Service) importMetadata(ctx context.Context, raw *skills.Definition, pending map[string]metadata.RuntimeMetadata) (metadata.RuntimeMetadata, error) {
	meta := s.store.Get(raw.ID)
	legacy := raw.Legacy

	if icon := strings.TrimSpace(legacy[KeyIcon]); icon != "" {
		meta.Icon = icon
	}
	if color := strings.TrimSpace(legacy[KeyColor]); color != "" {
		if !strings.HasPrefix(color, "#") {
			color = "#" + color
		}
		meta.ColorHex = strings.ToUpper(color)
	}
	if v, ok := legacy[KeyIsBuiltin]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return meta, errors.Wrapf(err, "invalid %s %q", KeyIsBuiltin, v)
		}
		meta.IsBuiltin = b
	}

	code, ok := legacy[KeyKeyCode]
	if !ok || strings.TrimSpace(code) == "" {
		return meta, nil
	}
	keyCode, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return meta, errors.Wrapf(err, "invalid %s %q", KeyKeyCode, code)
	}

	binding := metadata.NewKeyBinding(keyCode, strings.TrimSpace(legacy[KeyKeyDisplayName]))
	if v, ok := legacy[KeyIsSystemModifier]; ok {
		sys, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return meta, errors.Wrapf(err, "invalid %s %q", KeyIsSystemModifier, v)
		}
		binding.IsSystemModifier = sys
	}

	if other := conflictingSkill(s.store, pending, keyCode, raw.ID); other != "" {
		logger.G(ctx).WithFields(logrus.Fields{
			"skill_id": raw.ID,
			"key_code": keyCode,
			"bound_to": other,
		}).Warn("legacy key binding already in use, dropping it")
		return meta, nil
	}
	meta.ModifierKey = &binding
	return meta, nil
}

func conflictingSkill(store *metadata.Store, pending map[string]metadata.RuntimeMetadata, keyCode int, exceptID string) string {
	for id, m := range pending {
		if id != exceptID && m.ModifierKey != nil && m.ModifierKey.KeyCode == keyCode {
			return id
		}
	}
	if id, ok := store.FindConflict(keyCode, exceptID); ok {
		if m, overridden := pending[id]; !overridden || (m.ModifierKey != nil && m.ModifierKey.KeyCode == keyCode) {
			return id
		}
	}
	return ""
}

// Remap returns a copy of raw with the legacy category turned into allowed
// tools and config. Existing allowed tools and config entries win over the
// category defaults. Legacy fields are cleared.
func Remap(raw *skills.Definition) *skills.Definition {
	def := raw.Clone()
	allowed, config := CategoryDefaults(raw.Legacy[KeyType], raw.Legacy[KeyLanguage])

	if len(def.AllowedTools) == 0 {
		def.AllowedTools = allowed
	}
	if len(config) > 0 {
		if def.Config == nil {
			def.Config = map[string]string{}
		}
		for k, v := range config {
			if _, exists := def.Config[k]; !exists {
				def.Config[k] = v
			}
		}
	}
	def.Legacy = nil
	return def
}

// CategoryDefaults maps a legacy category to allowed tools and config.
// Unknown categories produce text with no config.
func CategoryDefaults(category, languageCode string) ([]string, map[string]string) {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "translate", "translation":
		return []string{tools.ProduceTextToolName}, map[string]string{
			"source_language": "auto",
			"target_language": LanguageName(languageCode),
		}
	case "note", "memo":
		return []string{tools.SaveNoteToolName}, nil
	default:
		return []string{tools.ProduceTextToolName}, nil
	}
}
