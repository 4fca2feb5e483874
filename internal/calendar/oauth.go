package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

// ErrNoRefreshToken is returned when Google grants no refresh token, which
// happens when consent was not forced for an already-authorized account.
var ErrNoRefreshToken = errors.New("google did not return a refresh token")

// OAuthOpts holds the Google OAuth client configuration.
type OAuthOpts struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
}

// OAuthOption configures OAuth.
type OAuthOption func(*OAuthOpts)

// WithClientCredentials sets the Google OAuth client id and secret.
func WithClientCredentials(clientID, clientSecret string) OAuthOption {
	return func(o *OAuthOpts) {
		o.ClientID = clientID
		o.ClientSecret = clientSecret
	}
}

// WithRedirectURL sets the OAuth callback URL.
func WithRedirectURL(url string) OAuthOption {
	return func(o *OAuthOpts) { o.RedirectURL = url }
}

// WithEndpoint overrides the Google OAuth endpoint.
func WithEndpoint(endpoint oauth2.Endpoint) OAuthOption {
	return func(o *OAuthOpts) { o.Endpoint = endpoint }
}

// OAuth performs the Google consent flow and mints authorized HTTP clients
// from stored refresh tokens.
type OAuth struct {
	config *oauth2.Config
}

// NewOAuth creates the Google Calendar OAuth helper.
func NewOAuth(opts ...OAuthOption) *OAuth {
	cfg := OAuthOpts{Endpoint: google.Endpoint}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OAuth{config: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gcal.CalendarScope},
		Endpoint:     cfg.Endpoint,
	}}
}

// Configured reports whether client credentials are set.
func (o *OAuth) Configured() bool {
	return o.config.ClientID != "" && o.config.ClientSecret != ""
}

// AuthCodeURL returns the consent URL. The state carries the business id.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a refresh token.
func (o *OAuth) Exchange(ctx context.Context, code string) (string, error) {
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		slog.Error("OAuth.Exchange: code exchange failed", "error", err)
		return "", fmt.Errorf("google code exchange failed: %w", err)
	}
	if token.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	slog.Debug("OAuth.Exchange: refresh token obtained")
	return token.RefreshToken, nil
}

// Client returns an HTTP client authorized with the given refresh token.
func (o *OAuth) Client(ctx context.Context, refreshToken string) *http.Client {
	return o.config.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
}
