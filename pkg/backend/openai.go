package backend

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIClient generates replies with the OpenAI chat completions API or
// any compatible endpoint.
type OpenAIClient struct {
	client   *openai.Client
	model    string
	settings settings
}

// NewOpenAIClient creates a client. An empty baseURL uses the OpenAI API.
func NewOpenAIClient(apiKey, baseURL, model string, opts ...Option) *OpenAIClient {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = s.httpClient

	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		settings: s,
	}
}

// Generate sends the system prompt and message as a two-message chat.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.settings.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Message},
		},
	}

	var text string
	err := withRetry(ctx, c.settings, "openai.chat", c.settings.generateTimeout, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, params)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return &Error{Kind: KindDecode, Message: "no choices in response"}
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	return text, err
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &Error{Kind: KindForStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &Error{Kind: KindForStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: reqErr.Err}
	}

	return transportError(err)
}
