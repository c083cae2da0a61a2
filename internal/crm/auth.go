package crm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// Credentials holds the CRM access credential and refreshes it from the
// stored refresh token. The access token is read-mostly; refresh is the
// only mutation and is safe to invoke from multiple concurrently failing
// calls: the generation counter makes concurrent refreshes converge on a
// single new credential instead of stampeding the token endpoint.
type Credentials struct {
	oauthCfg *oauth2.Config

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	generation   uint64
}

// NewCredentials builds Credentials from the client config. The initial
// access token is empty; the first Refresh call populates it.
func NewCredentials(cfg Config) *Credentials {
	return &Credentials{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		refreshToken: cfg.RefreshToken,
	}
}

// AccessToken returns the current access token and the generation it
// belongs to. Callers hold the generation across a remote call so a
// subsequent Refresh can tell whether that token has already been
// replaced by another goroutine.
func (c *Credentials) AccessToken() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.generation
}

// Refresh exchanges the stored refresh token for a new access credential.
// If the credential has already moved past the seen generation, the call
// is a no-op: the concurrent refresh that got there first wins.
func (c *Credentials) Refresh(ctx context.Context, seen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != seen {
		return nil
	}

	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}

	c.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.refreshToken = tok.RefreshToken
	}
	c.generation++
	return nil
}
