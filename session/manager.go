package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	SessionCookie = "assistant_session"
	FlowCookie    = "assistant_flow"
)

// Manager runs the login flow and resolves the identity behind a request.
type Manager struct {
	provider      IdentityProvider
	store         Store
	signer        *Signer
	secureCookies bool
	logger        *zap.Logger
	now           func() time.Time
}

func NewManager(provider IdentityProvider, store Store, signer *Signer, secureCookies bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		provider:      provider,
		store:         store,
		signer:        signer,
		secureCookies: secureCookies,
		logger:        logger,
		now:           time.Now,
	}
}

// Provider exposes the identity provider, e.g. for userinfo lookups by tools.
func (m *Manager) Provider() IdentityProvider {
	return m.provider
}

// BeginFlow generates state and a PKCE verifier for flow and stores it in a
// signed cookie until the callback.
func (m *Manager) BeginFlow(w http.ResponseWriter, flow Flow) (Flow, error) {
	flow.State = uuid.NewString()
	flow.Verifier = oauth2.GenerateVerifier()
	token, err := m.signer.IssueFlow(flow)
	if err != nil {
		return Flow{}, err
	}
	http.SetCookie(w, m.cookie(FlowCookie, token, m.now().Add(m.signer.flowTTL)))
	return flow, nil
}

// ConsumeFlow reads and clears the flow cookie and checks it against the
// callback's state parameter.
func (m *Manager) ConsumeFlow(w http.ResponseWriter, r *http.Request) (Flow, error) {
	cookie, err := r.Cookie(FlowCookie)
	if err != nil {
		return Flow{}, errors.New("missing flow cookie")
	}
	m.clearCookie(w, FlowCookie)

	flow, err := m.signer.ParseFlow(cookie.Value)
	if err != nil {
		return Flow{}, err
	}
	if state := r.URL.Query().Get("state"); state == "" || state != flow.State {
		return Flow{}, errors.New("state mismatch")
	}
	if msg := r.URL.Query().Get("error"); msg != "" {
		if desc := r.URL.Query().Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return Flow{}, fmt.Errorf("authorization denied: %s", msg)
	}
	if r.URL.Query().Get("code") == "" {
		return Flow{}, errors.New("missing authorization code")
	}
	return flow, nil
}

// LoginURL starts a login and returns the issuer's authorization URL.
func (m *Manager) LoginURL(ctx context.Context, w http.ResponseWriter, returnTo string) (string, error) {
	flow, err := m.BeginFlow(w, Flow{ReturnTo: returnTo})
	if err != nil {
		return "", err
	}
	return m.provider.AuthCodeURL(ctx, flow.State, flow.Verifier)
}

// CompleteLogin handles the login callback: it exchanges the code, reads the
// profile, persists the session and sets the session cookie.
func (m *Manager) CompleteLogin(w http.ResponseWriter, r *http.Request) (Identity, string, error) {
	ctx := r.Context()
	flow, err := m.ConsumeFlow(w, r)
	if err != nil {
		return Identity{}, "", fmt.Errorf("complete login: %w", err)
	}
	if flow.Connection != "" {
		return Identity{}, "", errors.New("complete login: flow belongs to a connection")
	}

	token, err := m.provider.Exchange(ctx, r.URL.Query().Get("code"), flow.Verifier)
	if err != nil {
		return Identity{}, "", err
	}
	profile, err := m.provider.UserInfo(ctx, token.AccessToken)
	if err != nil {
		return Identity{}, "", err
	}
	email := strings.TrimSpace(profile.Email)
	if email == "" {
		return Identity{}, "", errors.New("complete login: identity provider returned no email")
	}
	if !profile.EmailVerified {
		return Identity{}, "", fmt.Errorf("complete login: email %s is not verified", email)
	}

	now := m.now()
	rec := Record{
		ID:          uuid.New(),
		UserID:      profile.Subject,
		Email:       email,
		AccessToken: token.AccessToken,
		ExpiresAt:   now.Add(m.signer.TTL()),
		CreatedAt:   now,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		rec.IDToken = idToken
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return Identity{}, "", err
	}

	id := Identity{
		Subject:     email,
		UserID:      profile.Subject,
		Email:       email,
		Name:        profile.Name,
		SessionID:   rec.ID.String(),
		AccessToken: token.AccessToken,
	}
	signed, expiresAt, err := m.signer.IssueSession(id)
	if err != nil {
		return Identity{}, "", err
	}
	http.SetCookie(w, m.cookie(SessionCookie, signed, expiresAt))

	m.logger.Info("user signed in", zap.String("subject", id.Subject), zap.String("session_id", id.SessionID))
	return id, flow.ReturnTo, nil
}

// Authenticate resolves the session behind r from the session cookie or a
// bearer token carrying the same JWT.
func (m *Manager) Authenticate(r *http.Request) (Identity, error) {
	raw := sessionToken(r)
	if raw == "" {
		return Identity{}, ErrNoSession
	}
	claims, err := m.signer.ParseSession(raw)
	if err != nil {
		return Identity{}, err
	}
	sid, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: malformed session id", ErrNoSession)
	}
	rec, err := m.store.Get(r.Context(), sid)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject:     rec.Email,
		UserID:      rec.UserID,
		Email:       rec.Email,
		Name:        claims.Name,
		SessionID:   rec.ID.String(),
		AccessToken: rec.AccessToken,
	}, nil
}

// Logout ends the session behind r, if any, and returns the issuer's logout URL.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request, returnTo string) (string, error) {
	m.clearCookie(w, SessionCookie)
	if id, err := m.Authenticate(r); err == nil {
		sid, _ := uuid.Parse(id.SessionID)
		if err := m.store.Delete(r.Context(), sid); err != nil {
			return "", err
		}
		m.logger.Info("user signed out", zap.String("subject", id.Subject))
	}
	return m.provider.LogoutURL(r.Context(), returnTo)
}

// Middleware rejects requests without a valid session with 401 and otherwise
// stores the caller's Identity in the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.Authenticate(r)
		if err != nil {
			m.logger.Debug("unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func sessionToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func (m *Manager) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Manager) clearCookie(w http.ResponseWriter, name string) {
	c := m.cookie(name, "", time.Unix(0, 0))
	c.MaxAge = -1
	http.SetCookie(w, c)
}
