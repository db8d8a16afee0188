package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jingkaihe/skillet/pkg/types/behavior"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token       string
	err         error
	invalidated int32
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	return f.token, f.err
}

func (f *fakeTokens) Invalidate() {
	atomic.AddInt32(&f.invalidated, 1)
}

func newTestHTTPClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*HTTPClient, *fakeTokens) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := &fakeTokens{token: "tok-123"}
	opts = append([]Option{WithRetryDelay(0)}, opts...)
	return NewHTTPClient(server.URL+"/", tokens, opts...), tokens
}

func TestHTTPClient_GenerateSendsContract(t *testing.T) {
	var got completeRequest
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, completePath, r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "skillet/"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, `{"tool": "produce_text", "content": "hi"}`)
	})

	reply, err := client.Generate(context.Background(), Request{
		SystemPrompt: "sys",
		Message:      "Instruction: fix\n\nSelected text: teh",
		Behavior:     behavior.Rewrite("teh"),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"tool": "produce_text", "content": "hi"}`, reply)
	assert.Equal(t, "sys", got.SystemPrompt)
	assert.Equal(t, "rewrite", got.Context.Behavior)
	assert.Equal(t, "teh", got.Context.SelectedText)
}

func TestHTTPClient_GenerateJSONReply(t *testing.T) {
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text": "plain answer"}`)
	})

	reply, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", reply)
}

func TestHTTPClient_OmitsSelectionWhenAbsent(t *testing.T) {
	var raw map[string]map[string]any
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw = map[string]map[string]any{}
		var ctx map[string]any
		require.NoError(t, json.Unmarshal(body["context"], &ctx))
		raw["context"] = ctx
		_, _ = io.WriteString(w, "ok")
	})

	_, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.NoInput()})
	require.NoError(t, err)
	assert.Equal(t, "no_input", raw["context"]["behavior"])
	assert.NotContains(t, raw["context"], "selectedText")
}

func TestHTTPClient_StatusClasses(t *testing.T) {
	tests := []struct {
		status      int
		kind        Kind
		wantCalls   int32
		invalidated int32
	}{
		{status: http.StatusUnauthorized, kind: KindUnauthorized, wantCalls: 1, invalidated: 1},
		{status: http.StatusForbidden, kind: KindUnauthorized, wantCalls: 1, invalidated: 1},
		{status: http.StatusPaymentRequired, kind: KindQuotaExceeded, wantCalls: 1},
		{status: http.StatusTooManyRequests, kind: KindQuotaExceeded, wantCalls: 1},
		{status: http.StatusBadRequest, kind: KindInvalidRequest, wantCalls: 1},
		{status: http.StatusNotFound, kind: KindInvalidRequest, wantCalls: 1},
		{status: http.StatusRequestEntityTooLarge, kind: KindInvalidRequest, wantCalls: 1},
		{status: http.StatusUnprocessableEntity, kind: KindInvalidRequest, wantCalls: 1},
		{status: http.StatusGatewayTimeout, kind: KindUpstreamTimeout, wantCalls: 1},
		{status: http.StatusInternalServerError, kind: KindServer, wantCalls: 2},
		{status: http.StatusBadGateway, kind: KindServer, wantCalls: 2},
		{status: http.StatusServiceUnavailable, kind: KindServer, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int32
			client, tokens := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				http.Error(w, "nope", tt.status)
			})

			_, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
			require.Error(t, err)

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, "nope", be.Message)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			assert.Equal(t, tt.invalidated, atomic.LoadInt32(&tokens.invalidated))
		})
	}
}

func TestHTTPClient_RetrySucceeds(t *testing.T) {
	var calls int32
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "second time lucky")
	})

	reply, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", reply)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClient_Timeout(t *testing.T) {
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, WithGenerateTimeout(30*time.Millisecond))

	_, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
}

func TestHTTPClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTPClient(url, &fakeTokens{token: "t"}, WithRetryDelay(0))
	_, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
	assert.True(t, IsKind(err, KindNetwork), "got %v", err)
}

func TestHTTPClient_TokenFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, &fakeTokens{err: errors.New("logged out")})
	_, err := client.Generate(context.Background(), Request{Message: "m", Behavior: behavior.DirectOutput()})
	assert.True(t, IsKind(err, KindUnauthorized))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestHTTPClient_Profile(t *testing.T) {
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, profilePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"profile": "Prefers British spelling."}`)
	})

	profile, err := client.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Prefers British spelling.", profile)
}

func TestHTTPClient_ProfileDecodeError(t *testing.T) {
	client, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := client.Profile(context.Background())
	assert.True(t, IsKind(err, KindDecode))
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindServer, KindForStatus(599))
	assert.Equal(t, KindInvalidRequest, KindForStatus(418))
	assert.Equal(t, "quota_exceeded", KindQuotaExceeded.String())
}

func TestNew(t *testing.T) {
	_, err := New(Params{Provider: "http"})
	assert.Error(t, err)

	c, err := New(Params{BaseURL: "http://localhost", Tokens: &fakeTokens{}})
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	c, err = New(Params{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = New(Params{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	_, err = New(Params{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
