package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenSource yields a bearer token for a user's connected account.
type TokenSource interface {
	BearerToken(ctx context.Context, userID string, accountID int64) (string, error)
}

// AccountStore looks up the stored OAuth refresh token for an account.
// Implemented by the Postgres account repository.
type AccountStore interface {
	RefreshToken(ctx context.Context, userID string, accountID int64) (string, error)
}

// accountKey scopes cached token sources to the owning user. The ownership
// check lives in the account lookup, so a cache entry must never be served
// to a different user than the one whose lookup populated it.
type accountKey struct {
	userID    string
	accountID int64
}

// OAuthTokens mints access tokens from stored refresh tokens, one cached
// oauth2.TokenSource per (user, account) so refreshes are reused until
// expiry.
type OAuthTokens struct {
	cfg      *oauth2.Config
	accounts AccountStore

	mu      sync.Mutex
	sources map[accountKey]oauth2.TokenSource
}

// NewOAuthTokens creates a token source for one provider's OAuth app.
func NewOAuthTokens(cfg *oauth2.Config, accounts AccountStore) *OAuthTokens {
	return &OAuthTokens{
		cfg:      cfg,
		accounts: accounts,
		sources:  make(map[accountKey]oauth2.TokenSource),
	}
}

// BearerToken returns a valid access token for the account, refreshing
// through the provider's token endpoint when the cached one has expired.
// The account lookup enforces ownership, so a request for an account the
// user does not own fails here regardless of what other users have cached.
func (o *OAuthTokens) BearerToken(ctx context.Context, userID string, accountID int64) (string, error) {
	key := accountKey{userID: userID, accountID: accountID}

	o.mu.Lock()
	src, ok := o.sources[key]
	o.mu.Unlock()

	if !ok {
		refresh, err := o.accounts.RefreshToken(ctx, userID, accountID)
		if err != nil {
			return "", fmt.Errorf("load refresh token: %w", err)
		}
		src = o.cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh})

		o.mu.Lock()
		o.sources[key] = src
		o.mu.Unlock()
	}

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("mint access token: %w", err)
	}
	return tok.AccessToken, nil
}

// StaticToken is a TokenSource returning a fixed token, for tests and
// local development against API mocks.
type StaticToken string

func (s StaticToken) BearerToken(context.Context, string, int64) (string, error) {
	return string(s), nil
}
