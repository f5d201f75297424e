// Package api defines the wire types of the mcpconnect management API:
// request and response bodies for listing servers and tools, calling tools,
// reinitializing and revoking per-user connections, and the structured
// error envelope shared by every endpoint.
//
// The package performs no I/O. Handlers live in pkg/transport/http.
package api
