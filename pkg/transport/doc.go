// Package transport defines the service contracts and HTTP middleware of
// the mcpconnect management API.
//
// # Service Contracts
//
// MCPService is the slice of the connection manager the API needs. The
// concrete implementation is *mcp.Manager; tests substitute fakes.
// OAuthCallback completes authorization flows when the user's browser
// returns from an authorization server.
//
// # Middleware
//
// Middleware wraps http.Handler. Built-in middleware provides panic
// recovery, request ID assignment (X-Request-ID) and structured access
// logging via log/slog.
//
// # Errors
//
// Every error leaves the API as an api.ErrorResponse. ErrorFromMCP maps
// connection manager errors to API errors and HTTPStatusFromError maps
// those to status codes.
package transport
