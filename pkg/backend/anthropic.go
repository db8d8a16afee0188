package backend

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = anthropic.Model("claude-sonnet-4-5")

// AnthropicClient generates replies with the Anthropic messages API.
type AnthropicClient struct {
	client   anthropic.Client
	model    anthropic.Model
	settings settings
}

// NewAnthropicClient creates a client. An empty apiKey falls back to the
// ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(apiKey, baseURL, model string, opts ...Option) *AnthropicClient {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	// retries are handled by withRetry
	clientOpts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(s.httpClient),
	}
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}

	m := anthropic.Model(model)
	if model == "" {
		m = DefaultAnthropicModel
	}

	return &AnthropicClient{
		client:   anthropic.NewClient(clientOpts...),
		model:    m,
		settings: s,
	}
}

// Generate sends a single user message with the system prompt.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		MaxTokens: int64(c.settings.maxTokens),
		Model:     c.model,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var text string
	err := withRetry(ctx, c.settings, "anthropic.messages", c.settings.generateTimeout, func(ctx context.Context) error {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return classifyAnthropicError(err)
		}

		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		text = b.String()
		return nil
	})
	return text, err
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return &Error{Kind: KindForStatus(apiErr.StatusCode), StatusCode: apiErr.StatusCode, Err: err}
	}
	return transportError(err)
}
