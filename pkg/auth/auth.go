// Package auth provides the bearer tokens used to call the skills backend.
// Logging in is handled elsewhere; this package only reads stored
// credentials, refreshes them when they expire and drops them when the
// backend rejects them.
package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when no token is available.
var ErrNoCredentials = errors.New("no credentials available, please log in")

// refreshThreshold is how long before expiry a stored token is refreshed.
const refreshThreshold = 10 * time.Minute

// TokenProvider yields bearer tokens for backend calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate is called after the backend rejects the current token.
	Invalidate()
}

// StaticProvider returns a fixed token.
type StaticProvider struct {
	token string
}

// NewStaticProvider creates a provider for a configured token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// Token returns the configured token.
func (p *StaticProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", ErrNoCredentials
	}
	return p.token, nil
}

// Invalidate is a no-op; a configured token cannot be replaced.
func (p *StaticProvider) Invalidate() {}

// Credentials is the on-disk credentials document.
type Credentials struct {
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// DefaultCredentialsPath returns ~/.skillet/credentials.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user home directory")
	}
	return filepath.Join(home, ".skillet", "credentials.json"), nil
}

// LoadCredentials reads the credentials file at path.
func LoadCredentials(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, errors.Wrap(err, "failed to open credentials file")
	}
	defer f.Close()

	var creds Credentials
	if err := json.NewDecoder(f).Decode(&creds); err != nil {
		return nil, errors.Wrap(err, "failed to decode credentials file")
	}
	if creds.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &creds, nil
}

// SaveCredentials writes creds to path with owner-only permissions.
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create credentials directory")
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode credentials")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write credentials")
	}
	return nil
}

// FileProvider serves the token stored in a credentials file. Tokens are
// cached until they are within refreshThreshold of expiry and then
// refreshed through the OAuth2 token endpoint when one is configured.
type FileProvider struct {
	path  string
	oauth *oauth2.Config
	now   func() time.Time

	mu     sync.Mutex
	source oauth2.TokenSource
	forced bool
}

// FileOption configures a FileProvider
type FileOption func(*FileProvider)

// WithRefreshEndpoint enables token refresh against tokenURL.
func WithRefreshEndpoint(clientID, tokenURL string) FileOption {
	return func(p *FileProvider) {
		if tokenURL == "" {
			return
		}
		p.oauth = &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}
}

// NewFileProvider creates a provider reading path.
func NewFileProvider(path string, opts ...FileOption) *FileProvider {
	p := &FileProvider{path: path, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a valid access token.
func (p *FileProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.source == nil {
		p.source = oauth2.ReuseTokenSource(nil, &fileTokenSource{
			ctx:    context.WithoutCancel(ctx),
			p:      p,
			forced: p.forced,
		})
		p.forced = false
	}
	source := p.source
	p.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token. The next Token call rereads the file
// and refreshes even if the stored token has not expired.
func (p *FileProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = nil
	p.forced = true
}

type fileTokenSource struct {
	ctx    context.Context
	p      *FileProvider
	forced bool
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	creds, err := LoadCredentials(s.p.path)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    "Bearer",
	}
	if creds.ExpiresAt > 0 {
		tok.Expiry = time.Unix(creds.ExpiresAt, 0).Add(-refreshThreshold)
	}

	stale := s.forced || (!tok.Expiry.IsZero() && !tok.Expiry.After(s.p.now()))
	s.forced = false
	if !stale {
		return tok, nil
	}

	if s.p.oauth == nil || creds.RefreshToken == "" {
		if s.p.now().Unix() >= creds.ExpiresAt && creds.ExpiresAt > 0 {
			return nil, errors.Wrap(ErrNoCredentials, "stored token expired")
		}
		return tok, nil
	}

	// force the refresher past its own validity check
	tok.Expiry = time.Unix(1, 0)
	refreshed, err := s.p.oauth.TokenSource(s.ctx, tok).Token()
	if err != nil {
		return nil, errors.Wrap(err, "failed to refresh token")
	}

	updated := &Credentials{
		Email:        creds.Email,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = creds.RefreshToken
	}
	if !refreshed.Expiry.IsZero() {
		updated.ExpiresAt = refreshed.Expiry.Unix()
		refreshed.Expiry = refreshed.Expiry.Add(-refreshThreshold)
	}
	if err := SaveCredentials(s.p.path, updated); err != nil {
		logger.G(s.ctx).WithError(err).Warn("failed to save refreshed credentials")
	}

	logger.G(s.ctx).Debug("refreshed backend token")
	return refreshed, nil
}
