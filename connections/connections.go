// Package connections manages per-user OAuth grants to third-party APIs
// (Google Calendar, GitHub) that tools call on the user's behalf.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/fabfab/go-assistant/config"
)

const (
	Google = "google-oauth2"
	GitHub = "github"
)

var (
	ErrNotConnected      = errors.New("connection not authorized")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Provider is one configured OAuth application.
type Provider struct {
	Name        string
	OAuth       *oauth2.Config
	AuthOptions []oauth2.AuthCodeOption
	Limiter     *RateLimiter
}

type Status struct {
	Connection string   `json:"connection"`
	Connected  bool     `json:"connected"`
	Scopes     []string `json:"scopes,omitempty"`
}

type Manager struct {
	providers map[string]*Provider
	store     TokenStore
	logger    *zap.Logger
}

func NewManager(store TokenStore, logger *zap.Logger, providers ...*Provider) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{providers: map[string]*Provider{}, store: store, logger: logger}
	for _, p := range providers {
		if p.Limiter == nil {
			p.Limiter = NewRateLimiter(DefaultRateLimit)
		}
		m.providers[p.Name] = p
	}
	return m
}

// ProvidersFromConfig returns a Provider for every connection with a client id.
// Redirects land on {publicURL}/auth/connect/{name}/callback.
func ProvidersFromConfig(cfg config.Config) []*Provider {
	var providers []*Provider
	if cfg.Google.ClientID != "" {
		providers = append(providers, &Provider{
			Name: Google,
			OAuth: &oauth2.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				Endpoint:     endpoints.Google,
				RedirectURL:  callbackURL(cfg.PublicURL, Google),
				Scopes:       []string{"https://www.googleapis.com/auth/calendar.events.readonly"},
			},
			AuthOptions: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")},
			Limiter:     NewRateLimiter(RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10}),
		})
	}
	if cfg.GitHub.ClientID != "" {
		providers = append(providers, &Provider{
			Name: GitHub,
			OAuth: &oauth2.Config{
				ClientID:     cfg.GitHub.ClientID,
				ClientSecret: cfg.GitHub.ClientSecret,
				Endpoint:     endpoints.GitHub,
				RedirectURL:  callbackURL(cfg.PublicURL, GitHub),
				Scopes:       []string{"repo"},
			},
			Limiter: NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5}),
		})
	}
	return providers
}

func callbackURL(publicURL, name string) string {
	return strings.TrimRight(publicURL, "/") + "/auth/connect/" + name + "/callback"
}

func (m *Manager) provider(name string) (*Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return p, nil
}

// Names lists configured connections in a stable order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthCodeURL starts the authorization code flow with a PKCE challenge.
func (m *Manager) AuthCodeURL(connection, state, verifier string) (string, error) {
	p, err := m.provider(connection)
	if err != nil {
		return "", err
	}
	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, p.AuthOptions...)
	return p.OAuth.AuthCodeURL(state, opts...), nil
}

// Exchange completes the flow and stores the grant for subject.
func (m *Manager) Exchange(ctx context.Context, subject, connection, code, verifier string) error {
	p, err := m.provider(connection)
	if err != nil {
		return err
	}
	token, err := p.OAuth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchange %s code: %w", connection, err)
	}
	if err := m.store.Save(ctx, subject, connection, token, p.OAuth.Scopes); err != nil {
		return err
	}
	m.logger.Info("connection authorized", zap.String("subject", subject), zap.String("connection", connection))
	return nil
}

// TokenSource returns a refreshing token source for subject's grant. Refreshed
// tokens are written back to the store.
func (m *Manager) TokenSource(ctx context.Context, subject, connection string) (oauth2.TokenSource, error) {
	p, err := m.provider(connection)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.Load(ctx, subject, connection)
	if err != nil {
		return nil, err
	}

	base := p.OAuth.TokenSource(ctx, stored.Token)
	return oauth2.ReuseTokenSource(stored.Token, &persistingSource{
		ctx:        ctx,
		base:       base,
		store:      m.store,
		subject:    subject,
		connection: connection,
		scopes:     stored.Scopes,
		last:       stored.Token.AccessToken,
		logger:     m.logger,
	}), nil
}

// Wait blocks until the connection's rate limiter admits one request.
func (m *Manager) Wait(ctx context.Context, connection string) error {
	p, err := m.provider(connection)
	if err != nil {
		return err
	}
	return p.Limiter.Wait(ctx)
}

// RecordRateLimited backs the connection off after an upstream 429.
func (m *Manager) RecordRateLimited(connection string, retryAfterSeconds int) {
	if p, err := m.provider(connection); err == nil {
		p.Limiter.RecordRateLimitError(retryAfterSeconds)
	}
}

func (m *Manager) List(ctx context.Context, subject string) ([]Status, error) {
	stored, err := m.store.List(ctx, subject)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]StoredToken, len(stored))
	for _, s := range stored {
		byName[s.Connection] = s
	}

	out := make([]Status, 0, len(m.providers))
	for _, name := range m.Names() {
		s, ok := byName[name]
		out = append(out, Status{Connection: name, Connected: ok, Scopes: s.Scopes})
	}
	return out, nil
}

func (m *Manager) Disconnect(ctx context.Context, subject, connection string) error {
	if _, err := m.provider(connection); err != nil {
		return err
	}
	return m.store.Delete(ctx, subject, connection)
}

type persistingSource struct {
	ctx        context.Context
	base       oauth2.TokenSource
	store      TokenStore
	subject    string
	connection string
	scopes     []string
	logger     *zap.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", s.connection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := s.store.Save(s.ctx, s.subject, s.connection, token, s.scopes); err != nil {
			s.logger.Warn("persist refreshed token", zap.String("connection", s.connection), zap.Error(err))
		}
		s.last = token.AccessToken
	}
	return token, nil
}
