package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/concierge/pkg/models"
)

// ErrNoRefresher is returned for providers without a configured OAuth client.
var ErrNoRefresher = errors.New("no oauth client configured for provider")

// Default token endpoints for providers that issue refresh tokens.
var DefaultTokenURLs = map[models.Provider]string{
	models.ProviderGoogle:  "https://oauth2.googleapis.com/token",
	models.ProviderSpotify: "https://accounts.spotify.com/api/token",
	models.ProviderSlack:   "https://slack.com/api/oauth.v2.access",
	models.ProviderDiscord: "https://discord.com/api/oauth2/token",
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error)
}

// OAuthClient is the client registration used to refresh one provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// OAuthRefresher refreshes tokens with the standard refresh_token grant. It
// makes exactly one token request per call.
type OAuthRefresher struct {
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher builds a refresher from per-provider client registrations.
// An empty TokenURL falls back to DefaultTokenURLs.
func NewOAuthRefresher(clients map[models.Provider]OAuthClient, httpClient *http.Client) (*OAuthRefresher, error) {
	r := &OAuthRefresher{configs: make(map[models.Provider]*oauth2.Config, len(clients)), httpClient: httpClient}
	for provider, c := range clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("%s: client_id is required", provider)
		}
		tokenURL := c.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURLs[provider]
		}
		if tokenURL == "" {
			return nil, fmt.Errorf("%s: token_url is required", provider)
		}
		r.configs[provider] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
	}
	return r, nil
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRefresher, provider)
	}
	if refreshToken == "" {
		return nil, errors.New("refresh token is empty")
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", provider, err)
	}
	return token, nil
}
