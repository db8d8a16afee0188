package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/jingkaihe/skillet/pkg/auth"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/version"
	"github.com/pkg/errors"
)

const (
	completePath = "/v1/skills/complete"
	profilePath  = "/v1/profile"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

type completeContext struct {
	Behavior     string `json:"behavior"`
	SelectedText string `json:"selectedText,omitempty"`
}

type completeRequest struct {
	SystemPrompt string          `json:"systemPrompt"`
	Message      string          `json:"message"`
	Context      completeContext `json:"context"`
}

type completeResponse struct {
	Text string `json:"text"`
}

type profileResponse struct {
	Profile string `json:"profile"`
}

// HTTPClient calls the skills service.
type HTTPClient struct {
	baseURL  string
	tokens   auth.TokenProvider
	settings settings
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, tokens auth.TokenProvider, opts ...Option) *HTTPClient {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		settings: s,
	}
}

// Generate posts the request to the completion endpoint.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(completeRequest{
		SystemPrompt: req.SystemPrompt,
		Message:      req.Message,
		Context: completeContext{
			Behavior:     req.Behavior.Tag(),
			SelectedText: req.Behavior.SelectedText(),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal completion request")
	}

	var text string
	err = withRetry(ctx, c.settings, "complete", c.settings.generateTimeout, func(ctx context.Context) error {
		body, contentType, err := c.do(ctx, http.MethodPost, completePath, payload)
		if err != nil {
			return err
		}
		text, err = decodeCompletion(body, contentType)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Profile fetches the user profile used in prompts.
func (c *HTTPClient) Profile(ctx context.Context) (string, error) {
	var profile string
	err := withRetry(ctx, c.settings, "profile", c.settings.statusTimeout, func(ctx context.Context) error {
		body, _, err := c.do(ctx, http.MethodGet, profilePath, nil)
		if err != nil {
			return err
		}
		var resp profileResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{Kind: KindDecode, Err: err}
		}
		profile = resp.Profile
		return nil
	})
	return profile, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, "", &Error{Kind: KindUnauthorized, Err: err}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create backend request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "text/plain, application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.settings.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := statusError(resp.StatusCode, truncate(strings.TrimSpace(string(body)), maxErrorBody))
		if be.Kind == KindUnauthorized {
			c.tokens.Invalidate()
		}
		logger.G(ctx).WithField("status", resp.StatusCode).WithField("path", path).Debug("backend returned error status")
		return nil, "", be
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func decodeCompletion(body []byte, contentType string) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/json" {
		return string(body), nil
	}
	var resp completeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: KindDecode, Err: err}
	}
	return resp.Text, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
