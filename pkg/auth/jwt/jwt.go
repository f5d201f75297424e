// Package jwt provides an authenticator for HMAC-signed JWT bearer tokens,
// the usual way a chat frontend hands its session user to a backend.
//
// Tokens must be signed with HS256, HS384 or HS512 using the shared
// secret. Issuer and audience are validated when configured.
package jwt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/mcpconnect/pkg/auth"
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Secret is the shared HMAC key (required).
	Secret []byte

	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, audience is not validated.
	Audience string

	// UserClaim is the claim used as the identity subject. Default: "sub".
	UserClaim string

	// EmailClaim and NameClaim fill the identity's email and display name.
	// Defaults: "email" and "name".
	EmailClaim string
	NameClaim  string

	// TenantClaim is the claim used for the tenant_id metadata. Default: "tenant_id".
	TenantClaim string

	// ScopesClaim holds a space-separated string or an array. Default: "scope".
	ScopesClaim string

	// Leeway tolerates clock skew when checking exp and nbf.
	Leeway time.Duration

	// Now overrides the clock for expiry checks.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.EmailClaim == "" {
		c.EmailClaim = "email"
	}
	if c.NameClaim == "" {
		c.NameClaim = "name"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
}

// Authenticator validates HMAC-signed JWT bearer tokens.
type Authenticator struct {
	config Config
	parser *jwtlib.Parser
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates a JWT authenticator. It fails without a secret.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt: secret is required")
	}
	cfg.applyDefaults()

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwtlib.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwtlib.WithTimeFunc(cfg.Now))
	}

	return &Authenticator{config: cfg, parser: jwtlib.NewParser(opts...)}, nil
}

// Authenticate extracts a bearer token from the Authorization header,
// validates it as a JWT, and returns an identity on success.
//
// Decision outcomes:
//   - Abstain: no Authorization header or not a Bearer scheme
//   - No: bearer token present but invalid (expired, wrong issuer, bad signature, etc.)
//   - Yes: valid JWT with populated Identity
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	tokenStr, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if tokenStr == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("empty bearer token")}
	}

	claims := jwtlib.MapClaims{}
	_, err := a.parser.ParseWithClaims(tokenStr, claims, func(*jwtlib.Token) (any, error) {
		return a.config.Secret, nil
	})
	if err != nil {
		slog.Debug("JWT validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	subject := claimString(claims, a.config.UserClaim)
	if subject == "" {
		return auth.AuthResult{
			Decision: auth.No,
			Err:      fmt.Errorf("JWT missing %q claim", a.config.UserClaim),
		}
	}

	identity := &auth.Identity{
		Subject: subject,
		Email:   claimString(claims, a.config.EmailClaim),
		Name:    claimString(claims, a.config.NameClaim),
		Scopes:  extractScopes(claims, a.config.ScopesClaim),
	}
	if tenant := claimString(claims, a.config.TenantClaim); tenant != "" {
		identity.Metadata = map[string]string{"tenant_id": tenant}
	}

	return auth.AuthResult{Decision: auth.Yes, Identity: identity}
}

// claimString extracts a string value from JWT claims.
// Returns empty string if the claim is missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// extractScopes reads a scope claim that is either a space-separated
// string or an array of strings.
func extractScopes(claims jwtlib.MapClaims, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if parts := strings.Fields(v); len(parts) > 0 {
			return parts
		}
	case []any:
		var scopes []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}
