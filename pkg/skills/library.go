package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/pkg/errors"
)

const (
	// SkillFileName is the definition file inside each skill directory.
	SkillFileName = "SKILL.md"
	// DefaultTool fills empty allow-lists when no other default is configured.
	DefaultTool = "produce_text"
)

var (
	// ErrSkillNotFound is returned for ids that are not in the library.
	ErrSkillNotFound = errors.New("skill not found")
	// ErrSkillExists is returned when creating a skill whose id is taken.
	ErrSkillExists = errors.New("skill already exists")
	// ErrInvalidID is returned for ids that cannot name a directory.
	ErrInvalidID = errors.New("invalid skill id")
	// ErrInvalidConfigKey is returned for config keys that cannot be written
	// to a SKILL.md header or referenced from a placeholder.
	ErrInvalidConfigKey = errors.New("invalid config key")
)

// configKeyPattern matches the keys a {{config.key}} placeholder can name,
// excluding a leading dash, which would read back as a list item.
var configKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

// ParseError reports a skill file that was skipped while loading.
type ParseError struct {
	ID   string
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("skill %q (%s): %v", e.ID, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Library is the in-memory collection of skill definitions backed by a
// directory of <id>/SKILL.md files. It keeps both the raw parse results and
// the effective definitions with the default tool applied.
type Library struct {
	dir         string
	defaultTool string
	store       *metadata.Store

	mu   sync.RWMutex
	raw  map[string]*Definition
	defs map[string]*Definition
}

// Option is a function that configures a Library
type Option func(*Library) error

// WithDir sets the skills directory
func WithDir(dir string) Option {
	return func(l *Library) error {
		if dir == "" {
			return errors.New("skills directory must not be empty")
		}
		l.dir = dir
		return nil
	}
}

// WithDefaultDir uses ~/.skillet/skills
func WithDefaultDir() Option {
	return func(l *Library) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		l.dir = filepath.Join(homeDir, ".skillet", "skills")
		return nil
	}
}

// WithDefaultTool sets the tool used for definitions with an empty allow-list
func WithDefaultTool(name string) Option {
	return func(l *Library) error {
		if name != "" {
			l.defaultTool = name
		}
		return nil
	}
}

// WithMetadataStore attaches the store used for builtin/internal flags and
// cleaned up on delete
func WithMetadataStore(store *metadata.Store) Option {
	return func(l *Library) error {
		l.store = store
		return nil
	}
}

// NewLibrary creates an empty library. Call Load to read the directory.
func NewLibrary(opts ...Option) (*Library, error) {
	l := &Library{
		defaultTool: DefaultTool,
		raw:         make(map[string]*Definition),
		defs:        make(map[string]*Definition),
	}

	if len(opts) == 0 {
		opts = []Option{WithDefaultDir()}
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.dir == "" {
		if err := WithDefaultDir()(l); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Dir returns the skills directory.
func (l *Library) Dir() string {
	return l.dir
}

// DefaultToolName returns the tool applied to empty allow-lists.
func (l *Library) DefaultToolName() string {
	return l.defaultTool
}

// Path returns the SKILL.md path for id.
func (l *Library) Path(id string) string {
	return filepath.Join(l.dir, id, SkillFileName)
}

// Load replaces the in-memory collection with the contents of the skills
// directory. Files that fail to parse are skipped and returned as
// ParseErrors; a missing directory yields an empty library.
func (l *Library) Load(ctx context.Context) ([]*ParseError, error) {
	log := logger.G(ctx).WithField("dir", l.dir)

	entries, err := os.ReadDir(l.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read skills directory %s", l.dir)
	}

	raw := make(map[string]*Definition, len(entries))
	var parseErrs []*ParseError

	for _, entry := range entries {
		id := entry.Name()
		if strings.HasPrefix(id, ".") {
			continue
		}

		info, err := os.Stat(filepath.Join(l.dir, id))
		if err != nil || !info.IsDir() {
			continue
		}

		path := l.Path(id)
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				parseErrs = append(parseErrs, &ParseError{ID: id, Path: path, Err: err})
			}
			continue
		}

		def, err := Parse(string(content), id)
		if err != nil {
			log.WithError(err).WithField("skill_id", id).Warn("skipping skill with invalid definition")
			parseErrs = append(parseErrs, &ParseError{ID: id, Path: path, Err: err})
			continue
		}
		raw[id] = def
	}

	defs := make(map[string]*Definition, len(raw))
	for id, def := range raw {
		defs[id] = l.effective(def)
	}

	l.mu.Lock()
	l.raw = raw
	l.defs = defs
	l.mu.Unlock()

	log.WithField("count", len(defs)).Debug("loaded skills")
	return parseErrs, nil
}

func (l *Library) effective(def *Definition) *Definition {
	c := def.Clone()
	if len(c.AllowedTools) == 0 {
		c.AllowedTools = []string{l.defaultTool}
	}
	return c
}

// Get returns the effective definition for id.
func (l *Library) Get(id string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	def, ok := l.defs[id]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Raw returns the definition for id as parsed, without the default tool
// applied and with its legacy header keys.
func (l *Library) Raw(id string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	def, ok := l.raw[id]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// IDs returns every loaded id in lexical order.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.defs))
	for id := range l.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns effective definitions sorted by name. Skills flagged internal
// in the metadata store are left out unless includeInternal is set.
func (l *Library) List(includeInternal bool) []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Definition, 0, len(l.defs))
	for id, def := range l.defs {
		if !includeInternal && l.store != nil && l.store.Get(id).IsInternal {
			continue
		}
		out = append(out, def.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Create adds a new skill. When def.ID is empty an id is derived from the
// name and made unique; an explicit id that is already taken is an error.
func (l *Library) Create(ctx context.Context, def *Definition) (*Definition, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	c := def.Clone()
	l.mu.RLock()
	if c.ID == "" {
		c.ID = l.uniqueID(Slugify(c.Name))
	} else if _, exists := l.raw[c.ID]; exists {
		l.mu.RUnlock()
		return nil, errors.Wrapf(ErrSkillExists, "id %q", c.ID)
	}
	l.mu.RUnlock()

	if err := l.Save(ctx, c); err != nil {
		return nil, err
	}

	created, _ := l.Get(c.ID)
	return created, nil
}

// Save writes def to disk, replacing any existing file, and updates the
// in-memory collection.
func (l *Library) Save(ctx context.Context, def *Definition) error {
	if err := validate(def); err != nil {
		return err
	}
	if !ValidID(def.ID) {
		return errors.Wrapf(ErrInvalidID, "%q", def.ID)
	}

	if err := l.write(def); err != nil {
		return err
	}

	stored := def.Clone()
	stored.Legacy = nil

	l.mu.Lock()
	l.raw[def.ID] = stored
	l.defs[def.ID] = l.effective(stored)
	l.mu.Unlock()

	logger.G(ctx).WithField("skill_id", def.ID).Debug("saved skill")
	return nil
}

func (l *Library) write(def *Definition) error {
	dir := filepath.Join(l.dir, def.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create skill directory %s", dir)
	}
	if err := os.WriteFile(l.Path(def.ID), []byte(Print(def)), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write skill %s", def.ID)
	}
	return nil
}

// Delete removes the skill directory, the in-memory entry and its metadata.
func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.RLock()
	_, exists := l.raw[id]
	l.mu.RUnlock()
	if !exists || !ValidID(id) {
		return errors.Wrapf(ErrSkillNotFound, "id %q", id)
	}

	if err := os.RemoveAll(filepath.Join(l.dir, id)); err != nil {
		return errors.Wrapf(err, "failed to delete skill %s", id)
	}

	l.mu.Lock()
	delete(l.raw, id)
	delete(l.defs, id)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Remove(id); err != nil {
			logger.G(ctx).WithError(err).WithField("skill_id", id).Warn("failed to remove skill metadata")
		}
	}

	logger.G(ctx).WithField("skill_id", id).Info("deleted skill")
	return nil
}

func (l *Library) uniqueID(base string) string {
	id := base
	for n := 2; ; n++ {
		if _, taken := l.raw[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func validate(def *Definition) error {
	if def == nil {
		return errors.New("definition is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return &MissingRequiredFieldError{Field: KeyName}
	}
	if strings.TrimSpace(def.Description) == "" {
		return &MissingRequiredFieldError{Field: KeyDescription}
	}
	for key := range def.Config {
		if !ValidConfigKey(key) {
			return errors.Wrapf(ErrInvalidConfigKey, "%q", key)
		}
	}
	return nil
}

// ValidConfigKey reports whether key survives a write and re-read of the
// skill header.
func ValidConfigKey(key string) bool {
	return configKeyPattern.MatchString(key)
}

// ValidID reports whether id can be used as a skill directory name.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Slugify derives an id from a display name: lowercase ASCII letters and
// digits separated by single dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "skill"
	}
	return slug
}
