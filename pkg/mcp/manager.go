package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Servers map[string]*ServerConfig

	// Handler, Tokens and Flows enable OAuth. All three are required for
	// servers that need authorization.
	Handler *oauth.Handler
	Tokens  *oauth.TokenStorage
	Flows   *flow.Manager[*oauth.Tokens]

	ConnectionOptions ConnectionOptions
	IdleTimeout       time.Duration
	Now               func() time.Time
}

// Manager owns the app connection pool and the per-user pools and routes
// tool calls to the right one. Construct one per process.
type Manager struct {
	registry *Registry
	factory  *Factory
	users    *UserConnections
	handler  *oauth.Handler
	tokens   *oauth.TokenStorage
	flows    *flow.Manager[*oauth.Tokens]

	mu  sync.RWMutex
	app *Repository
}

// NewManager builds a manager. Initialize must be called before use.
func NewManager(d Deps) *Manager {
	factory := NewFactory(d.Handler, d.Tokens, d.Flows, d.ConnectionOptions)
	registry := NewRegistry(d.Servers, factory, d.Handler)
	return &Manager{
		registry: registry,
		factory:  factory,
		users:    NewUserConnections(registry, factory, d.IdleTimeout, d.Now),
		handler:  d.Handler,
		tokens:   d.Tokens,
		flows:    d.Flows,
	}
}

// Initialize runs server discovery and sets up the app connection pool.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.registry.Initialize(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.app == nil {
		m.app = NewRepository(m.registry.AppServerConfigs(), m.factory)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) appRepo() *Repository {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.app
}

// Registry returns the server registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Users returns the per-user connection pool.
func (m *Manager) Users() *UserConnections { return m.users }

// IsAppServer reports whether name is served by an app connection.
func (m *Manager) IsAppServer(name string) bool {
	app := m.appRepo()
	return app != nil && app.Has(name)
}

// CallToolRequest describes a tool invocation.
type CallToolRequest struct {
	// User is required for servers that are not app servers.
	User       *UserContext
	ServerName string
	ToolName   string
	Arguments  map[string]any

	// Provider selects the result shape, see FormatToolContent.
	Provider string

	// Timeout overrides the server's configured tool timeout.
	Timeout time.Duration

	CustomUserVars map[string]string
	RequestHeaders map[string]string

	OAuthStart    func(ctx context.Context, authorizationURL string) error
	OAuthEnd      func(ctx context.Context)
	ReturnOnOAuth bool
}

// CallTool invokes a tool on an app connection when the server is an app
// server and on the user's connection otherwise, and formats the result
// for the request's provider.
func (m *Manager) CallTool(ctx context.Context, req CallToolRequest) (*FormattedResult, error) {
	conn, err := m.connectionFor(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := conn.CallTool(ctx, req.ToolName, req.Arguments, req.Timeout)
	if req.User != nil && conn.UserID() != "" {
		m.users.Touch(req.User.ID)
	}
	if err != nil {
		return nil, err
	}

	content, artifacts := FormatToolContent(res, req.Provider)
	return &FormattedResult{Content: content, Artifacts: artifacts, IsError: res.IsError}, nil
}

func (m *Manager) connectionFor(ctx context.Context, req CallToolRequest) (*Connection, error) {
	if app := m.appRepo(); app != nil && app.Has(req.ServerName) {
		return app.Get(ctx, req.ServerName)
	}
	if _, ok := m.registry.RawConfig(req.ServerName); !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, req.ServerName)
	}
	if req.User == nil || req.User.ID == "" {
		return nil, fmt.Errorf("MCP server %q requires a user connection", req.ServerName)
	}

	conn, err := m.users.GetUserConnection(ctx, UserConnectionRequest{
		ServerName:     req.ServerName,
		User:           req.User,
		CustomUserVars: req.CustomUserVars,
		RequestHeaders: req.RequestHeaders,
		OAuthStart:     req.OAuthStart,
		OAuthEnd:       req.OAuthEnd,
		ReturnOnOAuth:  req.ReturnOnOAuth,
	})
	if err != nil {
		return nil, err
	}
	if req.RequestHeaders != nil {
		conn.SetRequestHeaders(req.RequestHeaders)
	}
	return conn, nil
}

// AppConnections connects to every app server and returns the live
// connections.
func (m *Manager) AppConnections(ctx context.Context) map[string]*Connection {
	app := m.appRepo()
	if app == nil {
		return nil
	}
	return app.GetAll(ctx)
}

// OAuthServers returns the names of servers requiring OAuth.
func (m *Manager) OAuthServers() []string { return m.registry.OAuthServers() }

// AllServers returns every configured server with discovered metadata.
func (m *Manager) AllServers() map[string]*ServerConfig { return m.registry.ParsedConfigs() }

// AppToolFunctions returns the tool functions of app servers.
func (m *Manager) AppToolFunctions() map[string]ToolFunction { return m.registry.ToolFunctions() }

// AllToolFunctions returns the app tool functions plus those of the
// user's current connections.
func (m *Manager) AllToolFunctions(ctx context.Context, userID string) map[string]ToolFunction {
	out := m.registry.ToolFunctions()
	for name, conn := range m.users.UserConnections(userID) {
		fns, err := m.registry.GetToolFunctions(ctx, name, conn)
		if err != nil {
			debug.Log("mcp", "listing user tools failed", "server", name, "user_id", userID, "error", err)
			continue
		}
		maps.Copy(out, fns)
	}
	return out
}

// ManifestTool is a tool as listed to end users.
type ManifestTool struct {
	Name        string `json:"name"`
	PluginKey   string `json:"pluginKey"`
	Description string `json:"description"`
	ServerName  string `json:"serverName"`
	UserScoped  bool   `json:"userScoped,omitempty"`
}

// LoadManifestTools lists the tools of all app servers and of the user's
// current connections, sorted by plugin key.
func (m *Manager) LoadManifestTools(ctx context.Context, userID string) []ManifestTool {
	var out []ManifestTool
	for name, conn := range m.AppConnections(ctx) {
		out = append(out, m.manifestTools(ctx, name, conn, false)...)
	}
	if userID != "" {
		for name, conn := range m.users.UserConnections(userID) {
			out = append(out, m.manifestTools(ctx, name, conn, true)...)
		}
	}
	slices.SortFunc(out, func(a, b ManifestTool) int { return strings.Compare(a.PluginKey, b.PluginKey) })
	return out
}

func (m *Manager) manifestTools(ctx context.Context, server string, conn *Connection, userScoped bool) []ManifestTool {
	tools, err := conn.FetchTools(ctx)
	if err != nil {
		debug.Log("mcp", "loading manifest tools failed", "server", server, "error", err)
		return nil
	}
	out := make([]ManifestTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, ManifestTool{
			Name:        t.Name,
			PluginKey:   ToolFunctionName(t.Name, server),
			Description: t.Description,
			ServerName:  server,
			UserScoped:  userScoped,
		})
	}
	return out
}

// Instructions returns the instructions of names, or of all servers when
// names is empty.
func (m *Manager) Instructions(names ...string) map[string]string {
	all := m.registry.ServerInstructions()
	if len(names) == 0 {
		return all
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out
}

// FormatInstructionsForContext renders the instructions of names for
// inclusion in a model context. It returns "" when there are none.
func (m *Manager) FormatInstructionsForContext(names ...string) string {
	instr := m.Instructions(names...)
	if len(instr) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# MCP Server Instructions\n\n")
	b.WriteString("The following MCP servers are available with their specific instructions:")
	for _, name := range slices.Sorted(maps.Keys(instr)) {
		fmt.Fprintf(&b, "\n\n## %s MCP Server Instructions\n%s", name, instr[name])
	}
	return b.String()
}

// ReinitializeUserConnection drops the user's connection to serverName
// and connects again. When the server needs authorization the
// authorization URL is returned instead of an error.
func (m *Manager) ReinitializeUserConnection(ctx context.Context, user *UserContext, serverName string, customVars map[string]string) (string, error) {
	if app := m.appRepo(); app != nil && app.Has(serverName) {
		if err := app.Disconnect(ctx, serverName); err != nil {
			debug.Log("mcp", "disconnecting app connection", "server", serverName, "error", err)
		}
		_, err := app.Get(ctx, serverName)
		return "", err
	}
	if user == nil || user.ID == "" {
		return "", errors.New("reinitializing a user connection requires a user id")
	}
	if err := m.users.DisconnectUserConnection(ctx, user.ID, serverName); err != nil {
		debug.Log("mcp", "disconnecting user connection", "server", serverName, "user_id", user.ID, "error", err)
	}

	_, err := m.users.GetUserConnection(ctx, UserConnectionRequest{
		ServerName:     serverName,
		User:           user,
		ForceNew:       true,
		CustomUserVars: customVars,
		ReturnOnOAuth:  true,
	})
	var pending *OAuthPendingError
	if errors.As(err, &pending) {
		return pending.AuthorizationURL, nil
	}
	return "", err
}

// RevokeUserOAuth disconnects the user from serverName, revokes the
// stored tokens at the authorization server and deletes them.
func (m *Manager) RevokeUserOAuth(ctx context.Context, userID, serverName string) error {
	cfg, ok := m.registry.RawConfig(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	if m.tokens == nil {
		return errors.New("token storage is not configured")
	}
	if err := m.users.DisconnectUserConnection(ctx, userID, serverName); err != nil {
		debug.Log("mcp", "disconnecting before revoke", "server", serverName, "user_id", userID, "error", err)
	}
	if m.flows != nil {
		flowID := oauth.GenerateFlowID(userID, serverName)
		for _, typ := range []string{oauth.FlowTypeOAuth, oauth.FlowTypeGetTokens} {
			if _, err := m.flows.DeleteFlow(ctx, flowID, typ); err != nil {
				debug.Log("flow", "deleting flow on revoke", "flow_id", flowID, "type", typ, "error", err)
			}
		}
	}
	return m.tokens.RevokeAndDelete(ctx, m.handler, userID, serverName, expandEnv(cfg.URL), cfg.OAuth)
}

// ServerStatus is the connection status of one server for one caller.
type ServerStatus struct {
	Server        string `json:"server"`
	State         State  `json:"state"`
	RequiresOAuth bool   `json:"requiresOAuth"`
	AppServer     bool   `json:"appServer"`
}

// ConnectionStatus reports the state of every configured server as seen
// by userID: app servers report their shared connection, others the
// user's own connection.
func (m *Manager) ConnectionStatus(userID string) []ServerStatus {
	var appConns map[string]*Connection
	if app := m.appRepo(); app != nil {
		appConns = app.Loaded()
	}
	userConns := m.users.UserConnections(userID)

	parsed := m.registry.ParsedConfigs()
	out := make([]ServerStatus, 0, len(parsed))
	for _, name := range slices.Sorted(maps.Keys(parsed)) {
		st := ServerStatus{
			Server:        name,
			State:         StateDisconnected,
			RequiresOAuth: requiresOAuth(parsed[name]),
			AppServer:     m.IsAppServer(name),
		}
		conn := userConns[name]
		if st.AppServer {
			conn = appConns[name]
		}
		if conn != nil {
			st.State = conn.State()
		}
		out = append(out, st)
	}
	return out
}

// Close disconnects every connection.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if err := m.users.DisconnectAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if app := m.appRepo(); app != nil {
		if err := app.DisconnectAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
