package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, id, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, SkillFileName), []byte(content), 0o644))
}

func newTestLibrary(t *testing.T, opts ...Option) (*Library, string) {
	t.Helper()
	dir := t.TempDir()
	lib, err := NewLibrary(append([]Option{WithDir(dir)}, opts...)...)
	require.NoError(t, err)
	return lib, dir
}

func TestNewLibrary(t *testing.T) {
	t.Run("default dir", func(t *testing.T) {
		lib, err := NewLibrary()
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(lib.Dir(), filepath.Join(".skillet", "skills")))
		assert.Equal(t, DefaultTool, lib.DefaultToolName())
	})

	t.Run("custom dir and default tool", func(t *testing.T) {
		lib, err := NewLibrary(WithDir("/tmp/skills"), WithDefaultTool("save_note"))
		require.NoError(t, err)
		assert.Equal(t, "/tmp/skills", lib.Dir())
		assert.Equal(t, "save_note", lib.DefaultToolName())
	})

	t.Run("empty dir rejected", func(t *testing.T) {
		_, err := NewLibrary(WithDir(""))
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	lib, dir := newTestLibrary(t)

	writeSkill(t, dir, "good", "---\nname: Good\ndescription: works\n---\n\nBody\n")
	writeSkill(t, dir, "restricted", "---\nname: Restricted\ndescription: notes only\nallowed_tools:\n  - save_note\n---\n")
	writeSkill(t, dir, "broken", "---\nname: Broken\n---\n")
	writeSkill(t, dir, "no-header", "just text\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty-dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.md"), []byte("x"), 0o644))

	parseErrs, err := lib.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"good", "restricted"}, lib.IDs())
	require.Len(t, parseErrs, 2)
	failed := map[string]error{}
	for _, pe := range parseErrs {
		failed[pe.ID] = pe
	}
	assert.ErrorIs(t, failed["broken"], ErrMissingRequiredField)
	assert.ErrorIs(t, failed["no-header"], ErrMissingFrontmatter)

	good, ok := lib.Get("good")
	require.True(t, ok)
	assert.Equal(t, []string{DefaultTool}, good.AllowedTools, "empty allow-list gets the default tool")
	assert.Equal(t, "Body", good.SystemPromptTemplate)

	raw, ok := lib.Raw("good")
	require.True(t, ok)
	assert.Empty(t, raw.AllowedTools)

	restricted, _ := lib.Get("restricted")
	assert.Equal(t, []string{"save_note"}, restricted.AllowedTools)
}

func TestLoad_MissingDirIsEmpty(t *testing.T) {
	lib, err := NewLibrary(WithDir(filepath.Join(t.TempDir(), "nope")))
	require.NoError(t, err)

	parseErrs, err := lib.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parseErrs)
	assert.Empty(t, lib.IDs())
}

func TestCreateSaveDelete(t *testing.T) {
	store := metadata.NewStore("")
	lib, dir := newTestLibrary(t, WithMetadataStore(store))
	ctx := context.Background()

	created, err := lib.Create(ctx, &Definition{Name: "My Cool Skill!", Description: "does things"})
	require.NoError(t, err)
	assert.Equal(t, "my-cool-skill", created.ID)
	assert.Equal(t, []string{DefaultTool}, created.AllowedTools)
	assert.FileExists(t, filepath.Join(dir, "my-cool-skill", SkillFileName))

	second, err := lib.Create(ctx, &Definition{Name: "My cool skill", Description: "again"})
	require.NoError(t, err)
	assert.Equal(t, "my-cool-skill-2", second.ID)

	_, err = lib.Create(ctx, &Definition{ID: "my-cool-skill", Name: "x", Description: "y"})
	assert.ErrorIs(t, err, ErrSkillExists)

	_, err = lib.Create(ctx, &Definition{Name: "no description"})
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	updated := created.Clone()
	updated.SystemPromptTemplate = "New body"
	updated.AllowedTools = []string{"save_note"}
	require.NoError(t, lib.Save(ctx, updated))

	reloaded, err := NewLibrary(WithDir(dir))
	require.NoError(t, err)
	_, err = reloaded.Load(ctx)
	require.NoError(t, err)
	def, ok := reloaded.Get("my-cool-skill")
	require.True(t, ok)
	assert.Equal(t, "New body", def.SystemPromptTemplate)
	assert.Equal(t, []string{"save_note"}, def.AllowedTools)

	require.NoError(t, store.Update("my-cool-skill", metadata.RuntimeMetadata{Icon: "star"}))
	require.NoError(t, lib.Delete(ctx, "my-cool-skill"))
	assert.NoDirExists(t, filepath.Join(dir, "my-cool-skill"))
	_, ok = lib.Get("my-cool-skill")
	assert.False(t, ok)
	assert.False(t, store.Has("my-cool-skill"))

	assert.ErrorIs(t, lib.Delete(ctx, "my-cool-skill"), ErrSkillNotFound)
}

func TestSave_RejectsInvalidConfigKey(t *testing.T) {
	lib, _ := newTestLibrary(t)
	for _, key := range []string{"my key", `x"y`, "a:b", "-flag", "#tag", ""} {
		err := lib.Save(context.Background(), &Definition{
			ID: "cfg", Name: "n", Description: "d",
			Config: map[string]string{key: "v"},
		})
		assert.ErrorIs(t, err, ErrInvalidConfigKey, "key %q", key)
		assert.NoFileExists(t, lib.Path("cfg"))
	}

	_, err := lib.Create(context.Background(), &Definition{
		Name: "n", Description: "d", Config: map[string]string{"a:b": "v"},
	})
	assert.ErrorIs(t, err, ErrInvalidConfigKey)
}

func TestValidConfigKey(t *testing.T) {
	for _, key := range []string{"target_language", "note.tags", "with-dash", "_x", "9"} {
		assert.True(t, ValidConfigKey(key), key)
	}
}

func TestSave_RejectsInvalidID(t *testing.T) {
	lib, _ := newTestLibrary(t)
	for _, id := range []string{"", "..", "a/b", ".hidden"} {
		err := lib.Save(context.Background(), &Definition{ID: id, Name: "n", Description: "d"})
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestList_FiltersInternal(t *testing.T) {
	store := metadata.NewStore("")
	lib, _ := newTestLibrary(t, WithMetadataStore(store))
	ctx := context.Background()

	require.NoError(t, lib.InstallBuiltins(ctx))

	visible := lib.List(false)
	all := lib.List(true)
	assert.Len(t, all, len(BuiltinIDs()))
	assert.Len(t, visible, len(BuiltinIDs())-1)
	for _, def := range visible {
		assert.NotEqual(t, "reply-drafter", def.ID)
	}
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Name, all[i].Name)
	}
}

func TestInstallBuiltins(t *testing.T) {
	store := metadata.NewStore("")
	lib, dir := newTestLibrary(t, WithMetadataStore(store))
	ctx := context.Background()

	require.NoError(t, store.Bind("translate", metadata.NewKeyBinding(61, ""), false))
	require.NoError(t, store.Update("translate", metadata.RuntimeMetadata{
		Icon:        "custom",
		ModifierKey: store.Get("translate").ModifierKey,
	}))

	require.NoError(t, lib.InstallBuiltins(ctx))

	for _, id := range BuiltinIDs() {
		def, ok := lib.Get(id)
		require.True(t, ok, id)
		assert.NotEmpty(t, def.Name)
		assert.NotEmpty(t, def.SystemPromptTemplate)
		assert.True(t, store.Get(id).IsBuiltin, id)
	}
	assert.True(t, store.Get("reply-drafter").IsInternal)
	assert.Equal(t, "mic", store.Get("dictate").Icon)

	translate := store.Get("translate")
	assert.Equal(t, "custom", translate.Icon, "user presentation is kept")
	require.NotNil(t, translate.ModifierKey)

	// local edits are overwritten on the next install
	path := filepath.Join(dir, "dictate", SkillFileName)
	require.NoError(t, os.WriteFile(path, []byte("---\nname: hacked\ndescription: x\n---\n"), 0o644))
	require.NoError(t, lib.InstallBuiltins(ctx))
	def, _ := lib.Get("dictate")
	assert.Equal(t, "Dictate", def.Name)

	translateDef, _ := lib.Get("translate")
	assert.Equal(t, "auto", translateDef.Config["source_language"])
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Translate":         "translate",
		"  Quick   Note  ":  "quick-note",
		"Über Café":         "ber-caf",
		"!!!":               "skill",
		"Polish v2.0":       "polish-v2-0",
		"already-a-slug":    "already-a-slug",
		"Trailing dash -- ": "trailing-dash",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	lib, dir := newTestLibrary(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := lib.Load(ctx)
	require.NoError(t, err)

	reloaded := make(chan []*ParseError, 4)
	require.NoError(t, lib.Watch(ctx, 20*time.Millisecond, func(errs []*ParseError) {
		reloaded <- errs
	}))

	staging := t.TempDir()
	writeSkill(t, staging, "fresh", "---\nname: Fresh\ndescription: new\n---\n")
	require.NoError(t, os.Rename(filepath.Join(staging, "fresh"), filepath.Join(dir, "fresh")))

	assert.Eventually(t, func() bool {
		_, ok := lib.Get("fresh")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case errs := <-reloaded:
		assert.Empty(t, errs)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not called")
	}
}

func TestParseError_Unwraps(t *testing.T) {
	pe := &ParseError{ID: "x", Path: "/x/SKILL.md", Err: ErrMissingFrontmatter}
	assert.True(t, errors.Is(pe, ErrMissingFrontmatter))
	assert.Contains(t, pe.Error(), "/x/SKILL.md")
}
