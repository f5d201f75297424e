package transport

import (
	"context"

	"github.com/rhuss/mcpconnect/pkg/mcp"
	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// MCPService is implemented by *mcp.Manager.
type MCPService interface {
	// AllServers returns every configured server keyed by name.
	AllServers() map[string]*mcp.ServerConfig

	// OAuthServers returns the names of servers that require OAuth.
	OAuthServers() []string

	// IsAppServer reports whether name is served by a shared app connection.
	IsAppServer(name string) bool

	// AllToolFunctions returns the tool definitions visible to userID.
	AllToolFunctions(ctx context.Context, userID string) map[string]mcp.ToolFunction

	// FormatInstructionsForContext combines server instructions into a
	// single block of text. No names selects every server.
	FormatInstructionsForContext(names ...string) string

	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.FormattedResult, error)

	// ReinitializeUserConnection reconnects user to server and returns an
	// authorization URL when the server needs OAuth first.
	ReinitializeUserConnection(ctx context.Context, user *mcp.UserContext, server string, customVars map[string]string) (string, error)

	RevokeUserOAuth(ctx context.Context, userID, server string) error

	ConnectionStatus(userID string) []mcp.ServerStatus
}

// OAuthCallback is implemented by *oauth.Callback.
type OAuthCallback interface {
	Complete(ctx context.Context, state, code string) (*oauth.FlowMetadata, error)
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var (
	_ MCPService    = (*mcp.Manager)(nil)
	_ OAuthCallback = (*oauth.Callback)(nil)
)
