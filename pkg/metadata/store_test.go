package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.json")
	return Load(context.Background(), path), path
}

func TestGet_DefaultsWhenAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	m := store.Get("missing")
	assert.Equal(t, DefaultIcon, m.Icon)
	assert.Equal(t, DefaultColorHex, m.ColorHex)
	assert.Nil(t, m.ModifierKey)
	assert.False(t, m.IsBuiltin)
	assert.False(t, m.IsInternal)
	assert.False(t, store.Has("missing"))
}

func TestUpdate_PersistsAndReloads(t *testing.T) {
	store, path := newTestStore(t)

	binding := NewKeyBinding(61, "")
	require.NoError(t, store.Update("translate", RuntimeMetadata{
		Icon:        "globe",
		ColorHex:    "#00AAFF",
		ModifierKey: &binding,
		IsBuiltin:   true,
	}))

	reloaded := Load(context.Background(), path)
	m := reloaded.Get("translate")
	assert.Equal(t, "globe", m.Icon)
	assert.Equal(t, "#00AAFF", m.ColorHex)
	require.NotNil(t, m.ModifierKey)
	assert.Equal(t, 61, m.ModifierKey.KeyCode)
	assert.True(t, m.ModifierKey.IsSystemModifier)
	assert.Equal(t, "Right Option", m.ModifierKey.DisplayName)
	assert.True(t, m.IsBuiltin)

	var raw map[string]map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "globe", raw["translate"]["icon"])
	assert.Equal(t, false, raw["translate"]["isInternal"])
}

func TestLoad_ToleratesOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	legacy := `{"dictate": {"icon": "mic", "colorHex": "#111111", "isBuiltin": true}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	store := Load(context.Background(), path)
	m := store.Get("dictate")
	assert.Equal(t, "mic", m.Icon)
	assert.True(t, m.IsBuiltin)
	assert.False(t, m.IsInternal)
}

func TestLoad_CorruptFileFallsBackToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := Load(context.Background(), path)
	assert.Empty(t, store.All())

	require.NoError(t, store.Update("a", Default()))
	assert.True(t, Load(context.Background(), path).Has("a"))
}

func TestRemove(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.Update("a", RuntimeMetadata{Icon: "x"}))
	require.NoError(t, store.Update("b", RuntimeMetadata{Icon: "y"}))

	require.NoError(t, store.Remove("a"))
	require.NoError(t, store.Remove("never-there"))

	reloaded := Load(context.Background(), path)
	assert.False(t, reloaded.Has("a"))
	assert.True(t, reloaded.Has("b"))
}

func TestUpdateMany_SingleWrite(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.UpdateMany(map[string]RuntimeMetadata{
		"a": {Icon: "1"},
		"b": {Icon: "2", IsInternal: true},
	}))

	reloaded := Load(context.Background(), path)
	assert.Equal(t, "1", reloaded.Get("a").Icon)
	assert.True(t, reloaded.Get("b").IsInternal)
	assert.Len(t, reloaded.All(), 2)
}

func TestKeyBindingConflicts(t *testing.T) {
	store, path := newTestStore(t)

	require.NoError(t, store.Bind("skill-a", NewKeyBinding(61, ""), false))

	existing, conflict := store.FindConflict(61, "skill-b")
	assert.True(t, conflict)
	assert.Equal(t, "skill-a", existing)

	_, conflict = store.FindConflict(61, "skill-a")
	assert.False(t, conflict, "a skill does not conflict with itself")

	err := store.Bind("skill-b", NewKeyBinding(61, ""), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyBindingConflict)
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, "skill-a", conflictErr.ExistingID)
	assert.Nil(t, store.Get("skill-b").ModifierKey, "conflicting binding must not be persisted")

	require.NoError(t, store.Bind("skill-b", NewKeyBinding(61, ""), true))
	reloaded := Load(context.Background(), path)
	assert.Nil(t, reloaded.Get("skill-a").ModifierKey)
	require.NotNil(t, reloaded.Get("skill-b").ModifierKey)
	assert.Equal(t, 61, reloaded.Get("skill-b").ModifierKey.KeyCode)
}

func TestBind_ResolveClearsEveryHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	doc := `{
  "old-a": {"icon": "a", "modifierKey": {"keyCode": 61, "isSystemModifier": true, "displayName": "Right Option"}},
  "old-b": {"icon": "b", "modifierKey": {"keyCode": 61, "isSystemModifier": true, "displayName": "Right Option"}},
  "other": {"icon": "c", "modifierKey": {"keyCode": 62, "isSystemModifier": true, "displayName": "Right Control"}}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	store := Load(context.Background(), path)

	err := store.Bind("new", NewKeyBinding(61, ""), false)
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, "old-a", conflictErr.ExistingID)

	require.NoError(t, store.Bind("new", NewKeyBinding(61, ""), true))

	reloaded := Load(context.Background(), path)
	assert.Nil(t, reloaded.Get("old-a").ModifierKey)
	assert.Nil(t, reloaded.Get("old-b").ModifierKey)
	assert.Equal(t, "b", reloaded.Get("old-b").Icon)
	require.NotNil(t, reloaded.Get("other").ModifierKey)
	_, conflict := reloaded.FindConflict(61, "new")
	assert.False(t, conflict)
}

func TestUnbind(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Bind("a", NewKeyBinding(12, "Q"), false))
	require.NoError(t, store.Unbind("a"))
	assert.Nil(t, store.Get("a").ModifierKey)
	require.NoError(t, store.Unbind("unknown"))
}

func TestNewKeyBinding(t *testing.T) {
	modifier := NewKeyBinding(58, "")
	assert.True(t, modifier.IsSystemModifier)
	assert.Equal(t, "Option", modifier.DisplayName)

	char := NewKeyBinding(12, "Q")
	assert.False(t, char.IsSystemModifier)
	assert.Equal(t, "Q", char.DisplayName)

	unnamed := NewKeyBinding(12, "")
	assert.Equal(t, "Key 12", unnamed.DisplayName)
}

func TestGet_ReturnsCopyOfBinding(t *testing.T) {
	store := NewStore("")
	require.NoError(t, store.Bind("a", NewKeyBinding(58, ""), false))

	m := store.Get("a")
	m.ModifierKey.KeyCode = 99
	assert.Equal(t, 58, store.Get("a").ModifierKey.KeyCode)
}
