// Package auth provides pluggable authentication for the mcpconnect
// management API.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// The authenticated subject is the user id that per-user MCP connections,
// OAuth flows and stored tokens are keyed by, so two callers never share a
// connection unless they authenticate as the same subject.
package auth
