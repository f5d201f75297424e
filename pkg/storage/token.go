package storage

import (
	"context"
	"time"
)

// Token is one persisted secret: an encrypted access token, refresh token
// or client registration, identified by (tenant, user, type, identifier).
type Token struct {
	UserID     string
	Type       string
	Identifier string

	// Token holds the encrypted payload.
	Token string

	// ExpiresIn is the lifetime in seconds requested by the writer. Stores
	// derive ExpiresAt from it when ExpiresAt is zero.
	ExpiresIn int64
	ExpiresAt time.Time

	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the record has expired at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ResolveExpiry fills ExpiresAt from ExpiresIn when unset.
func (t *Token) ResolveExpiry(now time.Time) {
	if t.ExpiresAt.IsZero() && t.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// TokenFilter selects a single record. Empty fields are not matched, but
// adapters require UserID and at least one of Type or Identifier.
type TokenFilter struct {
	UserID     string
	Type       string
	Identifier string
}

// Matches reports whether t satisfies the filter.
func (f TokenFilter) Matches(t *Token) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Identifier != "" && t.Identifier != f.Identifier {
		return false
	}
	return true
}

// TokenStore persists encrypted token records. Records are scoped by the
// tenant carried in the context (see SetTenant).
type TokenStore interface {
	// FindToken returns the record matching filter or ErrNotFound.
	FindToken(ctx context.Context, filter TokenFilter) (*Token, error)

	// CreateToken inserts a new record. Returns ErrConflict when one
	// already exists for the same key.
	CreateToken(ctx context.Context, token *Token) error

	// UpdateToken replaces the payload, expiry and metadata of the record
	// matching filter. Returns ErrNotFound when none matches.
	UpdateToken(ctx context.Context, filter TokenFilter, token *Token) error

	// DeleteToken removes the record matching filter. Returns ErrNotFound
	// when none matches.
	DeleteToken(ctx context.Context, filter TokenFilter) error
}
