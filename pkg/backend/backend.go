// Package backend calls the language-model service that turns a built
// prompt into a reply. The HTTP client speaks the skills service contract;
// the OpenAI and Anthropic clients are drop-in replacements for local use.
// All clients classify failures into Error kinds and retry server errors
// exactly once.
package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jingkaihe/skillet/pkg/auth"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/types/behavior"
	"github.com/pkg/errors"
)

const (
	DefaultGenerateTimeout = 30 * time.Second
	DefaultStatusTimeout   = 8 * time.Second
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultMaxTokens       = 2048

	// attempts is one call plus one retry.
	attempts = 2
)

// Provider names accepted by New.
const (
	ProviderHTTP      = "http"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Request is one generation call.
type Request struct {
	SystemPrompt string
	Message      string
	Behavior     behavior.Behavior
}

// Client generates a reply for a request.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type settings struct {
	generateTimeout time.Duration
	statusTimeout   time.Duration
	retryDelay      time.Duration
	maxTokens       int
	httpClient      *http.Client
}

func defaultSettings() settings {
	return settings{
		generateTimeout: DefaultGenerateTimeout,
		statusTimeout:   DefaultStatusTimeout,
		retryDelay:      DefaultRetryDelay,
		maxTokens:       DefaultMaxTokens,
		httpClient:      http.DefaultClient,
	}
}

// Option configures a client
type Option func(*settings)

// WithGenerateTimeout bounds each generation attempt.
func WithGenerateTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.generateTimeout = d
		}
	}
}

// WithStatusTimeout bounds lightweight calls such as the profile lookup.
func WithStatusTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.statusTimeout = d
		}
	}
}

// WithRetryDelay sets the pause before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// WithMaxTokens caps the reply length for model providers.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// Params selects and configures a client in New.
type Params struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Tokens   auth.TokenProvider
}

// New builds the client for p.Provider.
func New(p Params, opts ...Option) (Client, error) {
	switch strings.ToLower(p.Provider) {
	case "", ProviderHTTP:
		if p.BaseURL == "" {
			return nil, errors.New("backend base_url is required for the http provider")
		}
		if p.Tokens == nil {
			return nil, errors.New("backend token provider is required for the http provider")
		}
		return NewHTTPClient(p.BaseURL, p.Tokens, opts...), nil
	case ProviderOpenAI:
		return NewOpenAIClient(p.APIKey, p.BaseURL, p.Model, opts...), nil
	case ProviderAnthropic:
		return NewAnthropicClient(p.APIKey, p.BaseURL, p.Model, opts...), nil
	default:
		return nil, errors.Errorf("unknown backend provider %q", p.Provider)
	}
}

// withRetry runs call with a per-attempt timeout, retrying once when it
// fails with a server error.
func withRetry(ctx context.Context, s settings, op string, timeout time.Duration, call func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return call(attemptCtx)
		},
		retry.RetryIf(isRetryable),
		retry.Attempts(attempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).
				WithField("op", op).
				WithField("attempt", n+1).
				WithField("max_attempts", attempts).
				Warn("retrying backend call")
		}),
	)
}
