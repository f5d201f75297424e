package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/observability"
	"github.com/rhuss/mcpconnect/pkg/storage"
)

// identityKey is a private type for the identity context key.
type identityKey struct{}

// SetIdentity stores the authenticated identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity.
// Returns nil if no identity is set.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}

// Middleware creates HTTP middleware from an AuthChain and optional RateLimiter.
// It checks the bypass list, runs authentication, injects the identity and
// tenant into the request context, and optionally enforces rate limits.
func Middleware(chain *AuthChain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				observability.AuthRejectedTotal.WithLabelValues("unauthenticated").Inc()
				writeError(w, http.StatusUnauthorized, `{"error":{"type":"unauthorized","message":"authentication required"}}`)
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, `{"error":{"type":"server_error","message":"internal authentication error"}}`)
				return
			}

			debug.Log("auth", "authentication succeeded",
				"subject", result.Identity.Subject,
				"path", r.URL.Path,
			)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), result.Identity); err != nil {
					slog.Warn("rate limit exceeded", "subject", result.Identity.Subject)
					observability.AuthRejectedTotal.WithLabelValues("rate_limited").Inc()
					writeError(w, http.StatusTooManyRequests, `{"error":{"type":"too_many_requests","message":"rate limit exceeded"}}`)
					return
				}
			}

			ctx := SetIdentity(r.Context(), result.Identity)
			if tenantID := result.Identity.TenantID(); tenantID != "" {
				ctx = storage.SetTenant(ctx, tenantID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// DefaultBypassEndpoints lists endpoints that skip authentication. The
// OAuth callback is reached by the user's browser returning from the
// authorization server and carries no API credentials.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics", "/oauth/callback"}
