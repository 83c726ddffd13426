// Package session signs users in against an OpenID Connect issuer and carries
// the resulting identity through request contexts.
package session

import (
	"context"
	"errors"
)

// ErrNoSession reports a request without a valid, unexpired session.
var ErrNoSession = errors.New("no active session")

// Identity is the signed-in caller. Subject is the principal used for
// authorization checks; it is the user's email.
type Identity struct {
	Subject     string `json:"subject"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	SessionID   string `json:"-"`
	AccessToken string `json:"-"`
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.Subject == "" {
		return Identity{}, false
	}
	return id, true
}
