package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// TokenProvider hands out OAuth token sources by account.
type TokenProvider interface {
	TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error)
	HasToken(account string) bool
}

// FileTokenProvider serves the tokens saved by SaveTokenForAccount. Access
// tokens refreshed while the process runs are written back to the token
// file so a restart does not start from an expired token.
type FileTokenProvider struct{}

func NewFileTokenProvider() *FileTokenProvider {
	return &FileTokenProvider{}
}

func (FileTokenProvider) HasToken(account string) bool {
	return HasTokenForAccount(account)
}

// TokenSource returns a refreshing source for the stored token of account.
func (FileTokenProvider) TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error) {
	t, err := readToken(account)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		account: account,
		base:    GetOAuthConfig().TokenSource(ctx, t),
		last:    t.AccessToken,
	}, nil
}

type persistingSource struct {
	account string
	base    oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AccessToken != s.last {
		s.last = t.AccessToken
		if err := writeToken(s.account, t); err != nil {
			// The fresh token is still usable for this process.
			slog.Warn("failed to persist refreshed token", "account", s.account, "error", err)
		}
	}
	return t, nil
}

// HTTPClientFromProvider returns an HTTP/1.1 client authorized as account.
func HTTPClientFromProvider(ctx context.Context, provider TokenProvider, account string) (*http.Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("token provider cannot be nil")
	}
	ts, err := provider.TokenSource(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to get Google OAuth token for account %s: %w", account, err)
	}
	return &http.Client{Transport: &oauth2.Transport{
		Source: ts,
		Base:   &http.Transport{ForceAttemptHTTP2: false},
	}}, nil
}
