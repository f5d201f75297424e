// Package apikey provides an API key authenticator that validates
// bearer tokens against a static key set using SHA-256 hashing and
// constant-time comparison.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/mcpconnect/pkg/auth"
)

// Key is a configured API key and the user it authenticates.
type Key struct {
	Key      string
	Subject  string
	Email    string
	TenantID string
}

type entry struct {
	hash     [sha256.Size]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against a static key set.
type Authenticator struct {
	entries []entry
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an API key authenticator. Keys are hashed immediately;
// plaintext keys are not retained.
func New(keys []Key) *Authenticator {
	a := &Authenticator{entries: make([]entry, 0, len(keys))}
	for _, k := range keys {
		id := auth.Identity{Subject: k.Subject, Email: k.Email}
		if k.TenantID != "" {
			id.Metadata = map[string]string{"tenant_id": k.TenantID}
		}
		a.entries = append(a.entries, entry{hash: sha256.Sum256([]byte(k.Key)), identity: id})
	}
	return a
}

// Authenticate returns Yes for a known key, No for an unknown or empty
// bearer token and Abstain when the request carries no bearer token.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	hash := sha256.Sum256([]byte(token))
	// Compare against every entry so the timing does not reveal the
	// position of a match.
	match := -1
	for i := range a.entries {
		if subtle.ConstantTimeCompare(hash[:], a.entries[i].hash[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := a.entries[match].identity
	if id.Metadata != nil {
		md := make(map[string]string, len(id.Metadata))
		for k, v := range id.Metadata {
			md[k] = v
		}
		id.Metadata = md
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}
