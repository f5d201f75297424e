// Package header provides an authenticator that trusts user identity
// headers set by a reverse proxy or a co-located chat frontend. Use it only
// when the management API is not reachable by end users directly.
package header

import (
	"context"
	"net/http"
	"strings"

	"github.com/rhuss/mcpconnect/pkg/auth"
)

// Default header names.
const (
	UserIDHeader = "X-User-ID"
	EmailHeader  = "X-User-Email"
	NameHeader   = "X-User-Name"
)

// Authenticator builds an identity from request headers. It abstains when
// the user id header is absent.
type Authenticator struct {
	UserID string
	Email  string
	Name   string
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New returns an Authenticator reading the default headers.
func New() *Authenticator {
	return &Authenticator{UserID: UserIDHeader, Email: EmailHeader, Name: NameHeader}
}

func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	subject := strings.TrimSpace(r.Header.Get(a.UserID))
	if subject == "" {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject: subject,
			Email:   r.Header.Get(a.Email),
			Name:    r.Header.Get(a.Name),
		},
	}
}
