// Package mcp manages client connections to MCP (Model Context Protocol)
// servers for many users at once. It connects to servers over stdio,
// WebSocket, SSE or streamable HTTP, watches their liveness, reconnects
// with exponential backoff, and performs OAuth authorization when a server
// rejects a connection with 401 or 403.
//
// The package wraps the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk). A Connection is one client
// session with its state machine. The Factory builds connections and
// drives OAuth through the oauth and flow packages. A Repository pools
// app-scoped connections, UserConnections pools per-user connections with
// idle eviction, and the Registry discovers OAuth requirements, tools and
// instructions once at startup. The Manager ties these together and
// routes tool calls.
//
// Server configurations are ServerConfig values whose transport is
// inferred from their shape by ResolveTransport.
package mcp
