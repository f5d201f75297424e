package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRegistration is returned when the authorization server offers
	// no registration endpoint and no client is configured.
	ErrNoRegistration = errors.New("authorization server does not support dynamic client registration")

	// ErrNoClient is returned by RefreshTokens when no client id can be found.
	ErrNoClient = errors.New("no OAuth client information available")

	// ErrUnsafeURL is returned when metadata names an endpoint with a
	// scheme other than http or https.
	ErrUnsafeURL = errors.New("unsafe URL scheme")
)

// TokenRefreshError reports a failed refresh_token grant. Code carries the
// OAuth "error" parameter when the server returned one.
type TokenRefreshError struct {
	ServerName string
	Code       string
	Err        error
}

func (e *TokenRefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("refreshing tokens for %s: %s: %v", e.ServerName, e.Code, e.Err)
	}
	return fmt.Sprintf("refreshing tokens for %s: %v", e.ServerName, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// RefreshUnsupported reports whether the server rejected the client for
// the refresh_token grant.
func (e *TokenRefreshError) RefreshUnsupported() bool {
	return e.Code == "unauthorized_client"
}
