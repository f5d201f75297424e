package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrServerNotFound is returned for server names missing from the
	// configuration.
	ErrServerNotFound = errors.New("MCP server not found")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("MCP connection not established")

	// ErrOAuthTimeout is returned when nobody resolved an OAuth requirement
	// within the OAuth timeout.
	ErrOAuthTimeout = errors.New("timed out waiting for OAuth authorization")

	// ErrMaxReconnects is reported once automatic reconnection gives up.
	ErrMaxReconnects = errors.New("maximum reconnection attempts reached")

	// ErrEmptyResult is returned when an empty result is sent twice within
	// the keep-alive window.
	ErrEmptyResult = errors.New("Empty result")
)

// ConfigurationError reports a server configuration that cannot be used.
// It is never retried.
type ConfigurationError struct {
	Server string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Server == "" {
		return "invalid MCP server configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration for MCP server %q: %s", e.Server, e.Reason)
}

// TransportError reports a handshake or liveness failure not related to
// authorization. It drives automatic reconnection.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("MCP server %q: %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthRequiredError reports an HTTP 401 or 403 from an MCP server.
type AuthRequiredError struct {
	ServerURL  string
	StatusCode int

	// Challenge is the WWW-Authenticate header, if any.
	Challenge string

	// Err is the transport error the requirement was derived from, when
	// the status was only visible in an error message.
	Err error
}

func (e *AuthRequiredError) Error() string {
	msg := fmt.Sprintf("authorization required by %s: HTTP %d %s", e.ServerURL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthRequiredError) Unwrap() error { return e.Err }

// OAuthPendingError is returned when a connection was requested with
// ReturnOnOAuth and the user still has to authorize.
type OAuthPendingError struct {
	ServerName       string
	FlowID           string
	AuthorizationURL string
}

func (e *OAuthPendingError) Error() string {
	return fmt.Sprintf("OAuth authorization pending for MCP server %q", e.ServerName)
}

// asAuthError returns err as an *AuthRequiredError, synthesizing one from
// the message when the transport flattened the original error.
func asAuthError(serverURL string, err error) *AuthRequiredError {
	var ae *AuthRequiredError
	if errors.As(err, &ae) {
		return ae
	}
	status := http.StatusUnauthorized
	if !strings.Contains(err.Error(), "401") {
		status = http.StatusForbidden
	}
	return &AuthRequiredError{ServerURL: serverURL, StatusCode: status, Err: err}
}

// IsAuthError reports whether err indicates that the server requires
// authorization. Transports that flatten errors to strings are covered by
// matching the status in the message.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthRequiredError
	if errors.As(err, &ae) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "HTTP 403") ||
		strings.Contains(msg, "403 Forbidden")
}
