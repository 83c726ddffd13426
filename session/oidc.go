package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fabfab/go-assistant/config"
)

// Profile is the subset of the userinfo response the assistant relies on.
// Raw keeps the full claim set.
type Profile struct {
	Subject       string         `json:"sub"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	Name          string         `json:"name"`
	Picture       string         `json:"picture,omitempty"`
	Raw           map[string]any `json:"-"`
}

// IdentityProvider is the OpenID Connect issuer users sign in with.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, state, verifier string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, accessToken string) (Profile, error)
	LogoutURL(ctx context.Context, returnTo string) (string, error)
}

type discovered struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth2     *oauth2.Config
	endSession string
}

// OIDCProvider resolves the issuer on first use and caches the result.
type OIDCProvider struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	httpClient   *http.Client

	mu   sync.Mutex
	disc *discovered
}

func NewOIDCProvider(cfg config.OIDCConfig, redirectURL string, httpClient *http.Client) *OIDCProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OIDCProvider{
		issuer:       strings.TrimSpace(cfg.Issuer),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  redirectURL,
		scopes:       cfg.Scopes,
		httpClient:   httpClient,
	}
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}

func (p *OIDCProvider) discover(ctx context.Context) (*discovered, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disc != nil {
		return p.disc, nil
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), p.issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", p.issuer, err)
	}
	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}

	p.disc = &discovered{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: p.clientID}),
		oauth2: &oauth2.Config{
			ClientID:     p.clientID,
			ClientSecret: p.clientSecret,
			RedirectURL:  p.redirectURL,
			Scopes:       p.scopes,
			Endpoint:     provider.Endpoint(),
		},
		endSession: extra.EndSessionEndpoint,
	}
	return p.disc, nil
}

func (p *OIDCProvider) AuthCodeURL(ctx context.Context, state, verifier string) (string, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	return d.oauth2.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Exchange redeems the login code and verifies the ID token that comes back
// with it.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx = p.clientContext(ctx)
	token, err := d.oauth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange login code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("exchange login code: token response has no id_token")
	}
	if _, err := d.verifier.Verify(ctx, rawIDToken); err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	return token, nil
}

// UserInfo calls the issuer's userinfo endpoint with the user's access token.
func (p *OIDCProvider) UserInfo(ctx context.Context, accessToken string) (Profile, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return Profile{}, err
	}
	info, err := d.provider.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	var claims struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	profile := Profile{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}
	if err := info.Claims(&profile.Raw); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return profile, nil
}

// LogoutURL prefers the RP-initiated logout endpoint and falls back to the
// /v2/logout path Auth0 tenants expose.
func (p *OIDCProvider) LogoutURL(ctx context.Context, returnTo string) (string, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return "", err
	}
	q := url.Values{"client_id": {p.clientID}}
	if d.endSession != "" {
		if returnTo != "" {
			q.Set("post_logout_redirect_uri", returnTo)
		}
		return d.endSession + "?" + q.Encode(), nil
	}
	if returnTo != "" {
		q.Set("returnTo", returnTo)
	}
	return strings.TrimRight(p.issuer, "/") + "/v2/logout?" + q.Encode(), nil
}

var _ IdentityProvider = (*OIDCProvider)(nil)
