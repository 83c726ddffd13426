package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "go-assistant"

	audienceSession = "session"
	audienceFlow    = "flow"

	// DefaultFlowTTL bounds how long a login or connect redirect may take.
	DefaultFlowTTL = 10 * time.Minute
)

// Claims is the payload of the session token handed to browsers and API clients.
type Claims struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Flow is the state carried across an OAuth redirect in a short-lived cookie.
type Flow struct {
	State      string `json:"state"`
	Verifier   string `json:"verifier"`
	Connection string `json:"connection,omitempty"`
	Subject    string `json:"subject,omitempty"`
	ReturnTo   string `json:"return_to,omitempty"`
}

type flowClaims struct {
	Flow
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens for sessions and redirect flows.
type Signer struct {
	secret  []byte
	ttl     time.Duration
	flowTTL time.Duration
	now     func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, flowTTL: DefaultFlowTTL, now: time.Now}
}

// TTL is the lifetime of session tokens.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// IssueSession signs a session token for id and returns it with its expiry.
func (s *Signer) IssueSession(id Identity) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		Email:     id.Email,
		Name:      id.Name,
		SessionID: id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{audienceSession},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseSession verifies a session token. Any failure is reported as ErrNoSession.
func (s *Signer) ParseSession(token string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(token, audienceSession, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if claims.SessionID == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrNoSession)
	}
	return claims, nil
}

func (s *Signer) IssueFlow(flow Flow) (string, error) {
	now := s.now()
	signed, err := s.sign(flowClaims{
		Flow: flow,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audienceFlow},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.flowTTL)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("sign flow token: %w", err)
	}
	return signed, nil
}

func (s *Signer) ParseFlow(token string) (Flow, error) {
	claims := &flowClaims{}
	if err := s.parse(token, audienceFlow, claims); err != nil {
		return Flow{}, fmt.Errorf("parse flow token: %w", err)
	}
	if claims.State == "" {
		return Flow{}, errors.New("parse flow token: missing state")
	}
	return claims.Flow, nil
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) parse(token, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return err
}
