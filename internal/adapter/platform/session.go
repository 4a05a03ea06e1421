package platform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Session is an oauth2.TokenSource whose cached token can be thrown away on
// demand, which is what authentication recovery needs.
type Session struct {
	cfg *clientcredentials.Config

	mu     sync.Mutex
	source oauth2.TokenSource
}

func NewSession(tokenURL, clientID, clientSecret string, scopes []string) *Session {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &Session{
		cfg:    cfg,
		source: cfg.TokenSource(context.Background()),
	}
}

func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	return src.Token()
}

// Refresh discards the cached token and fetches a new one.
func (s *Session) Refresh(ctx context.Context) error {
	src := s.cfg.TokenSource(ctx)
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	s.mu.Lock()
	s.source = oauth2.ReuseTokenSource(tok, s.cfg.TokenSource(context.Background()))
	s.mu.Unlock()
	return nil
}
