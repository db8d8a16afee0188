package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	generate func(ctx context.Context, req backend.Request) (string, error)
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (string, error) {
	return f.generate(ctx, req)
}

type testEnv struct {
	server  *Server
	library *skills.Library
	store   *metadata.Store
	handler http.Handler
	reply   func(ctx context.Context, req backend.Request) (string, error)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	env := &testEnv{}
	env.reply = func(context.Context, backend.Request) (string, error) { return "ok", nil }

	env.store = metadata.NewStore(filepath.Join(root, "metadata.json"))
	lib, err := skills.NewLibrary(skills.WithDir(filepath.Join(root, "skills")), skills.WithMetadataStore(env.store))
	require.NoError(t, err)
	require.NoError(t, lib.InstallBuiltins(context.Background()))
	env.library = lib

	client := &fakeBackend{generate: func(ctx context.Context, req backend.Request) (string, error) {
		return env.reply(ctx, req)
	}}
	p := pipeline.New(client, nil)

	env.server, err = NewServer(&ServerConfig{Host: "localhost", Port: 8080}, lib, env.store, p)
	require.NoError(t, err)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr string
	}{
		{"valid", ServerConfig{Host: "localhost", Port: 8080}, ""},
		{"empty host", ServerConfig{Port: 8080}, "host cannot be empty"},
		{"port zero", ServerConfig{Host: "localhost"}, "port must be between 1 and 65535, got 0"},
		{"port too high", ServerConfig{Host: "localhost", Port: 70000}, "port must be between 1 and 65535, got 70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestListSkills(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/skills", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	visible := decode[[]SkillResponse](t, w)

	ids := make([]string, 0, len(visible))
	for _, s := range visible {
		ids = append(ids, s.ID)
		assert.Empty(t, s.SystemPrompt)
	}
	assert.Contains(t, ids, "translate")
	assert.NotContains(t, ids, "reply-drafter", "internal skills are hidden")

	all := decode[[]SkillResponse](t, env.do(t, http.MethodGet, "/api/skills?all=true", nil))
	assert.Len(t, all, len(skills.BuiltinIDs()))
}

func TestGetSkill(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/skills/translate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	skill := decode[SkillResponse](t, w)
	assert.Equal(t, "translate", skill.ID)
	assert.NotEmpty(t, skill.SystemPrompt)
	assert.Equal(t, "globe", skill.Metadata.Icon)
	assert.True(t, skill.Metadata.IsBuiltin)

	w = env.do(t, http.MethodGet, "/api/skills/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["success"])
}

func TestCreateUpdateDeleteSkill(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/skills", SkillRequest{
		Name:         "Haiku Writer",
		Description:  "Turns speech into a haiku",
		SystemPrompt: "Write a haiku.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[SkillResponse](t, w)
	assert.Equal(t, "haiku-writer", created.ID)
	assert.Equal(t, []string{"produce_text"}, created.AllowedTools)
	assert.Equal(t, metadata.DefaultIcon, created.Metadata.Icon)

	w = env.do(t, http.MethodPost, "/api/skills", SkillRequest{ID: "haiku-writer", Name: "Dup", Description: "d"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/skills", SkillRequest{Name: "No description"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/skills/haiku-writer", SkillRequest{
		Name:         "Haiku Writer",
		Description:  "Now with tanka",
		SystemPrompt: "Write a tanka.",
		AllowedTools: []string{"save_note"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[SkillResponse](t, w)
	assert.Equal(t, "Now with tanka", updated.Description)
	assert.Equal(t, []string{"save_note"}, updated.AllowedTools)

	w = env.do(t, http.MethodPut, "/api/skills/missing", SkillRequest{Name: "x", Description: "y"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/skills/haiku-writer", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := env.library.Get("haiku-writer")
	assert.False(t, ok)

	w = env.do(t, http.MethodDelete, "/api/skills/haiku-writer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetadataEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Bind("translate", metadata.NewKeyBinding(58, ""), false))

	w := env.do(t, http.MethodPut, "/api/skills/translate/metadata", metadata.RuntimeMetadata{
		Icon:       "flag",
		ColorHex:   "#112233",
		IsInternal: true,
		IsBuiltin:  false,
	})
	require.Equal(t, http.StatusOK, w.Code)

	meta := decode[metadata.RuntimeMetadata](t, env.do(t, http.MethodGet, "/api/skills/translate/metadata", nil))
	assert.Equal(t, "flag", meta.Icon)
	assert.Equal(t, "#112233", meta.ColorHex)
	assert.True(t, meta.IsInternal)
	assert.True(t, meta.IsBuiltin, "builtin flag is not editable")
	require.NotNil(t, meta.ModifierKey, "binding is preserved")
	assert.Equal(t, 58, meta.ModifierKey.KeyCode)
}

func TestBindingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/skills/translate/binding", BindingRequest{KeyCode: 61})
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode[metadata.RuntimeMetadata](t, w)
	require.NotNil(t, meta.ModifierKey)
	assert.Equal(t, "Right Option", meta.ModifierKey.DisplayName)
	assert.True(t, meta.ModifierKey.IsSystemModifier)

	conflict := decode[ConflictResponse](t, env.do(t, http.MethodGet, "/api/bindings/conflict?keyCode=61&skill=polish", nil))
	assert.True(t, conflict.Conflict)
	assert.Equal(t, "translate", conflict.SkillID)

	conflict = decode[ConflictResponse](t, env.do(t, http.MethodGet, "/api/bindings/conflict?keyCode=61&skill=translate", nil))
	assert.False(t, conflict.Conflict)

	w = env.do(t, http.MethodPut, "/api/skills/polish/binding", BindingRequest{KeyCode: 61})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "translate", decode[map[string]any](t, w)["conflictWith"])
	assert.Nil(t, env.store.Get("polish").ModifierKey)

	w = env.do(t, http.MethodPut, "/api/skills/polish/binding?resolve=true", BindingRequest{KeyCode: 61})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.store.Get("translate").ModifierKey)
	require.NotNil(t, env.store.Get("polish").ModifierKey)

	w = env.do(t, http.MethodDelete, "/api/skills/polish/binding", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, env.store.Get("polish").ModifierKey)

	w = env.do(t, http.MethodGet, "/api/bindings/conflict?keyCode=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvoke(t *testing.T) {
	env := newTestEnv(t)

	var got backend.Request
	env.reply = func(_ context.Context, req backend.Request) (string, error) {
		got = req
		return `Here you go: {"tool": "produce_text", "content": "Bonjour { le monde }"}`, nil
	}

	w := env.do(t, http.MethodPost, "/api/skills/translate/invoke", InvokeRequest{
		Utterance:    "translate this",
		Behavior:     "rewrite",
		SelectedText: "hello world",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[InvokeResponse](t, w)

	assert.NotEmpty(t, resp.InvocationID)
	assert.Equal(t, "rewrite", resp.Behavior)
	assert.Equal(t, "Bonjour { le monde }", resp.Result)
	assert.Equal(t, pipeline.RouteRewrite, resp.Route)
	assert.Equal(t, pipeline.StateDispatched, resp.Terminal)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "produce_text", resp.ToolCall.Tool)
	assert.Contains(t, got.Message, "Selected text:\nhello world")
}

func TestInvoke_BackendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.reply = func(context.Context, backend.Request) (string, error) {
		return "", &backend.Error{Kind: backend.KindServer, StatusCode: 503}
	}

	resp := decode[InvokeResponse](t, env.do(t, http.MethodPost, "/api/skills/explain/invoke", InvokeRequest{
		Utterance: "what is this", Behavior: "explain", SelectedText: "x",
	}))
	assert.Equal(t, pipeline.StateFallbackOrError, resp.Terminal)
	assert.Equal(t, pipeline.RouteError, resp.Route)
	assert.NotEmpty(t, resp.Error)

	resp = decode[InvokeResponse](t, env.do(t, http.MethodPost, "/api/skills/dictate/invoke", InvokeRequest{
		Utterance: "keep my words",
	}))
	assert.Equal(t, "direct_output", resp.Behavior)
	assert.Equal(t, "keep my words", resp.Result)
	assert.Equal(t, pipeline.RouteDirectOutput, resp.Route)
}

func TestInvoke_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/skills/missing/invoke", InvokeRequest{Utterance: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t)

	tools := decode[[]map[string]any](t, env.do(t, http.MethodGet, "/api/tools", nil))
	require.Len(t, tools, 1)
	assert.Equal(t, "produce_text", tools[0]["name"])
	assert.NotNil(t, tools[0]["schema"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/skills", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteLibraryError(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		err  error
		code int
	}{
		{errors.Wrap(skills.ErrSkillNotFound, "x"), http.StatusNotFound},
		{errors.Wrap(skills.ErrSkillExists, "x"), http.StatusConflict},
		{errors.Wrap(skills.ErrInvalidID, "x"), http.StatusBadRequest},
		{errors.Wrap(skills.ErrInvalidConfigKey, "x"), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		env.server.writeLibraryError(context.Background(), w, "failed", tt.err)
		assert.Equal(t, tt.code, w.Code)
	}
}

func TestStop_NotStarted(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.server.Stop())
}
