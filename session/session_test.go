package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fabfab/go-assistant/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeProvider struct {
	profile     Profile
	exchangeErr error
	lastCode    string
	lastVerif   string
}

func (p *fakeProvider) AuthCodeURL(_ context.Context, state, verifier string) (string, error) {
	q := url.Values{"state": {state}, "code_challenge": {oauth2.S256ChallengeFromVerifier(verifier)}}
	return "https://issuer.test/authorize?" + q.Encode(), nil
}

func (p *fakeProvider) Exchange(_ context.Context, code, verifier string) (*oauth2.Token, error) {
	p.lastCode, p.lastVerif = code, verifier
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	token := &oauth2.Token{AccessToken: "upstream-" + code}
	return token.WithExtra(map[string]any{"id_token": "idt"}), nil
}

func (p *fakeProvider) UserInfo(_ context.Context, accessToken string) (Profile, error) {
	return p.profile, nil
}

func (p *fakeProvider) LogoutURL(_ context.Context, returnTo string) (string, error) {
	return "https://issuer.test/v2/logout?returnTo=" + url.QueryEscape(returnTo), nil
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: map[uuid.UUID]Record{}}
}

func (s *memoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return Record{}, ErrNoSession
	}
	return rec, nil
}

func (s *memoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memoryStore) DeleteExpired(context.Context) (int64, error) {
	return 0, nil
}

func newTestManager(provider IdentityProvider, store Store) *Manager {
	return NewManager(provider, store, NewSigner(testSecret, time.Hour), false, nil)
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	return nil
}

// login walks the manager through a full sign-in and returns the session cookie.
func login(t *testing.T, m *Manager) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	authURL, err := m.LoginURL(context.Background(), rec, "/chat")
	require.NoError(t, err)
	flowCookie := findCookie(rec.Result().Cookies(), FlowCookie)
	require.NotNil(t, flowCookie)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+state, nil)
	req.AddCookie(flowCookie)
	rec = httptest.NewRecorder()
	id, returnTo, err := m.CompleteLogin(rec, req)
	require.NoError(t, err)
	assert.Equal(t, "/chat", returnTo)
	assert.Equal(t, "jane@example.com", id.Subject)

	sessionCookie := findCookie(rec.Result().Cookies(), SessionCookie)
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	return sessionCookie
}

func TestLoginRoundTrip(t *testing.T) {
	provider := &fakeProvider{profile: Profile{Subject: "auth0|1", Email: "jane@example.com", EmailVerified: true, Name: "Jane"}}
	store := newMemoryStore()
	m := newTestManager(provider, store)

	cookie := login(t, m)
	assert.Equal(t, "abc", provider.lastCode)
	assert.NotEmpty(t, provider.lastVerif)

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.AddCookie(cookie)
	id, err := m.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", id.Subject)
	assert.Equal(t, "auth0|1", id.UserID)
	assert.Equal(t, "Jane", id.Name)
	assert.Equal(t, "upstream-abc", id.AccessToken)

	sid, err := uuid.Parse(id.SessionID)
	require.NoError(t, err)
	stored, err := store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "idt", stored.IDToken)
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u", Email: "jane@example.com", EmailVerified: true}}, newMemoryStore())
	cookie := login(t, m)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+cookie.Value)
	id, err := m.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", id.Subject)
}

func TestAuthenticateRejects(t *testing.T) {
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u", Email: "jane@example.com", EmailVerified: true}}, newMemoryStore())
	cookie := login(t, m)

	t.Run("no credentials", func(t *testing.T) {
		_, err := m.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("tampered token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+cookie.Value+"x")
		_, err := m.Authenticate(req)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewSigner("another-secret-another-secret-xx", time.Hour)
		token, _, err := other.IssueSession(Identity{Email: "jane@example.com", SessionID: uuid.NewString()})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err = m.Authenticate(req)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("revoked session", func(t *testing.T) {
		token, _, err := m.signer.IssueSession(Identity{Email: "jane@example.com", SessionID: uuid.NewString()})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err = m.Authenticate(req)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestCompleteLoginRejectsStateMismatch(t *testing.T) {
	m := newTestManager(&fakeProvider{profile: Profile{Email: "jane@example.com"}}, newMemoryStore())

	rec := httptest.NewRecorder()
	_, err := m.LoginURL(context.Background(), rec, "")
	require.NoError(t, err)
	flowCookie := findCookie(rec.Result().Cookies(), FlowCookie)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=forged", nil)
	req.AddCookie(flowCookie)
	_, _, err = m.CompleteLogin(httptest.NewRecorder(), req)
	assert.ErrorContains(t, err, "state mismatch")
}

func TestCompleteLoginRequiresEmail(t *testing.T) {
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u"}}, newMemoryStore())

	rec := httptest.NewRecorder()
	authURL, err := m.LoginURL(context.Background(), rec, "")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+parsed.Query().Get("state"), nil)
	req.AddCookie(findCookie(rec.Result().Cookies(), FlowCookie))
	_, _, err = m.CompleteLogin(httptest.NewRecorder(), req)
	assert.ErrorContains(t, err, "no email")
}

func TestCompleteLoginRejectsUnverifiedEmail(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u", Email: "jane@example.com"}}, store)

	rec := httptest.NewRecorder()
	authURL, err := m.LoginURL(context.Background(), rec, "")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+parsed.Query().Get("state"), nil)
	req.AddCookie(findCookie(rec.Result().Cookies(), FlowCookie))
	rec = httptest.NewRecorder()
	_, _, err = m.CompleteLogin(rec, req)
	assert.ErrorContains(t, err, "not verified")
	assert.Empty(t, store.sessions)
	assert.Nil(t, findCookie(rec.Result().Cookies(), SessionCookie))
}

func TestCompleteLoginPropagatesExchangeError(t *testing.T) {
	provider := &fakeProvider{exchangeErr: errors.New("invalid_grant")}
	m := newTestManager(provider, newMemoryStore())

	rec := httptest.NewRecorder()
	authURL, err := m.LoginURL(context.Background(), rec, "")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+parsed.Query().Get("state"), nil)
	req.AddCookie(findCookie(rec.Result().Cookies(), FlowCookie))
	_, _, err = m.CompleteLogin(httptest.NewRecorder(), req)
	assert.ErrorContains(t, err, "invalid_grant")
}

func TestLogoutDeletesSession(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u", Email: "jane@example.com", EmailVerified: true}}, store)
	cookie := login(t, m)
	require.Len(t, store.sessions, 1)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	target, err := m.Logout(rec, req, "http://localhost:3000")
	require.NoError(t, err)
	assert.Contains(t, target, "returnTo=http%3A%2F%2Flocalhost%3A3000")
	assert.Empty(t, store.sessions)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, err = m.Authenticate(req)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMiddleware(t *testing.T) {
	m := newTestManager(&fakeProvider{profile: Profile{Subject: "u", Email: "jane@example.com", EmailVerified: true}}, newMemoryStore())
	cookie := login(t, m)

	var seen Identity
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "authentication required", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "jane@example.com", seen.Subject)
}

func TestSignerRejectsExpiredAndCrossPurposeTokens(t *testing.T) {
	signer := NewSigner(testSecret, time.Minute)
	issued := time.Now()
	signer.now = func() time.Time { return issued }

	token, expiresAt, err := signer.IssueSession(Identity{UserID: "u", Email: "a@b.c", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, issued.Add(time.Minute), expiresAt)

	claims, err := signer.ParseSession(token)
	require.NoError(t, err)
	assert.Equal(t, "u", claims.Subject)
	assert.Equal(t, "s", claims.SessionID)

	flowToken, err := signer.IssueFlow(Flow{State: "st", Verifier: "v"})
	require.NoError(t, err)
	_, err = signer.ParseSession(flowToken)
	assert.ErrorIs(t, err, ErrNoSession)

	signer.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = signer.ParseSession(token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Subject: "jane@example.com"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", id.Subject)
}

// issuerServer is a minimal OpenID Connect issuer that signs ID tokens with
// an RSA key published on its JWKS endpoint.
type issuerServer struct {
	*httptest.Server
	key      *rsa.PrivateKey
	audience string
}

func newIssuerServer(t *testing.T) *issuerServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	is := &issuerServer{key: key, audience: "client"}

	is.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 is.URL + "/",
				"authorization_endpoint": is.URL + "/authorize",
				"token_endpoint":         is.URL + "/oauth/token",
				"userinfo_endpoint":      is.URL + "/userinfo",
				"jwks_uri":               is.URL + "/.well-known/jwks.json",
			})
		case "/.well-known/jwks.json":
			_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}}})
		case "/oauth/token":
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.Form.Get("code_verifier") != "the-verifier" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at",
				"id_token":     is.idToken(r.Form.Get("code")),
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		case "/userinfo":
			if r.Header.Get("Authorization") != "Bearer at" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"sub": "auth0|1", "email": "jane@example.com", "email_verified": true, "name": "Jane", "nickname": "jj",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(is.Close)
	return is
}

// idToken signs an ID token for the client, or for another audience when
// code is "foreign".
func (is *issuerServer) idToken(code string) string {
	audience := is.audience
	if code == "foreign" {
		audience = "someone-else"
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": is.URL + "/",
		"aud": audience,
		"sub": "auth0|1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "k1"
	signed, _ := token.SignedString(is.key)
	return signed
}

func TestOIDCProvider(t *testing.T) {
	srv := newIssuerServer(t)
	cfg := config.OIDCConfig{Issuer: srv.URL + "/", ClientID: "client", ClientSecret: "secret", Scopes: []string{"openid", "email"}}
	p := NewOIDCProvider(cfg, "http://localhost:8000/auth/callback", srv.Client())
	ctx := context.Background()

	authURL, err := p.AuthCodeURL(ctx, "st", "the-verifier")
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", parsed.Path)
	assert.Equal(t, "st", parsed.Query().Get("state"))
	assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	assert.Equal(t, "openid email", parsed.Query().Get("scope"))

	token, err := p.Exchange(ctx, "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)
	assert.NotEmpty(t, token.Extra("id_token"))

	profile, err := p.UserInfo(ctx, "at")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", profile.Email)
	assert.True(t, profile.EmailVerified)
	assert.Equal(t, "Jane", profile.Name)
	assert.Equal(t, "jj", profile.Raw["nickname"])

	_, err = p.UserInfo(ctx, "wrong")
	assert.ErrorContains(t, err, "401")

	logoutURL, err := p.LogoutURL(ctx, "http://localhost:3000")
	require.NoError(t, err)
	assert.Contains(t, logoutURL, srv.URL+"/v2/logout?")
	assert.Contains(t, logoutURL, "client_id=client")
}

func TestOIDCProviderRejectsForeignIDToken(t *testing.T) {
	srv := newIssuerServer(t)
	cfg := config.OIDCConfig{Issuer: srv.URL + "/", ClientID: "client", Scopes: []string{"openid"}}
	p := NewOIDCProvider(cfg, "", srv.Client())

	_, err := p.Exchange(context.Background(), "foreign", "the-verifier")
	assert.ErrorContains(t, err, "verify id token")
}

func TestOIDCProviderDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := NewOIDCProvider(config.OIDCConfig{Issuer: srv.URL, ClientID: "client"}, "", srv.Client())
	_, err := p.AuthCodeURL(context.Background(), "st", "v")
	assert.ErrorContains(t, err, "404")
}
