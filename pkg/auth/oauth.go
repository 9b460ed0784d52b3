// Package auth turns configured credentials into authenticated provider clients.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	oauth2google "golang.org/x/oauth2/google"

	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/google"
)

// OAuthConfig creates an oauth2.Config for the configured Google client.
func OAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2google.Endpoint,
		Scopes:       google.Scopes,
	}
}

// TokenSource returns a refreshing token source for owner. Tokens read from a
// token file are written back when refreshed.
func TokenSource(ctx context.Context, cfg config.GoogleConfig, owner config.OwnerConfig) (oauth2.TokenSource, error) {
	oc := OAuthConfig(cfg)
	if owner.RefreshToken != "" {
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: owner.RefreshToken}), nil
	}
	tok, err := tokenFromFile(owner.TokenFile)
	if err != nil {
		return nil, err
	}
	return &savingSource{
		base: oc.TokenSource(ctx, tok),
		path: owner.TokenFile,
		last: tok,
	}, nil
}

// savingSource persists the token whenever the underlying source refreshes it.
type savingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		if err := saveToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok
	}
	return tok, nil
}

// tokenFromFile reads an oauth2.Token from a JSON file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", file, err)
	}
	return tok, nil
}

// saveToken writes tok to path through a temporary file, readable by the owner only.
func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("unable to cache OAuth token to %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
