package mcp

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// ToolFunction is a tool exposed in function-calling format.
type ToolFunction struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes a callable function.
type FunctionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// Registry holds the configured servers and the metadata discovered for
// them in a single pass at startup: OAuth requirement, capabilities,
// tools and instructions. Discovery connections are closed afterwards.
type Registry struct {
	raw     map[string]*ServerConfig
	parsed  map[string]*ServerConfig
	handler *oauth.Handler
	conns   *Repository

	once    sync.Once
	initErr error

	mu            sync.RWMutex
	toolFunctions map[string]ToolFunction
}

// NewRegistry returns a registry for configs. handler is used to detect
// OAuth requirements and may be nil, in which case only the explicit
// requires_oauth setting counts.
func NewRegistry(configs map[string]*ServerConfig, factory *Factory, handler *oauth.Handler) *Registry {
	parsed := make(map[string]*ServerConfig, len(configs))
	for name, cfg := range configs {
		c := cfg.Clone()
		c.Name = name
		parsed[name] = c
	}
	return &Registry{
		raw:           configs,
		parsed:        parsed,
		handler:       handler,
		conns:         NewRepository(parsed, factory),
		toolFunctions: make(map[string]ToolFunction),
	}
}

// Initialize runs discovery once. Later calls return the first result.
// Individual server failures are logged and do not fail initialization.
func (r *Registry) Initialize(ctx context.Context) error {
	r.once.Do(func() {
		r.initErr = r.initialize(ctx)
	})
	return r.initErr
}

func (r *Registry) initialize(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range slices.Sorted(maps.Keys(r.parsed)) {
		cfg := r.parsed[name]
		g.Go(func() error {
			r.gatherServerInfo(gctx, name, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.conns.DisconnectAll(ctx); err != nil {
		slog.Warn("closing discovery connections", "error", err)
	}

	r.mu.RLock()
	tools := len(r.toolFunctions)
	r.mu.RUnlock()
	slog.Info("MCP servers initialized",
		"servers", len(r.parsed),
		"app_servers", len(r.AppServerConfigs()),
		"oauth_servers", len(r.OAuthServers()),
		"tools", tools)
	return nil
}

func (r *Registry) gatherServerInfo(ctx context.Context, name string, cfg *ServerConfig) {
	r.fetchOAuthRequirement(ctx, name, cfg)
	if cfg.ServerInstructions.Text != "" {
		cfg.Instructions = cfg.ServerInstructions.Text
	}
	if requiresOAuth(cfg) || !cfg.StartupEnabled() {
		return
	}

	conn, err := r.conns.Get(ctx, name)
	if err != nil {
		slog.Warn("MCP server initialization failed", "server", name, "error", err)
		return
	}

	if cfg.ServerInstructions.Fetch {
		cfg.Instructions = conn.ServerInstructions()
	}
	cfg.Capabilities = conn.ServerCapabilities()

	fns, err := r.GetToolFunctions(ctx, name, conn)
	if err != nil {
		slog.Warn("listing MCP tools failed", "server", name, "error", err)
		return
	}
	cfg.Tools = cfg.Tools[:0]
	for _, fn := range fns {
		tool, _, _ := SplitToolFunctionName(fn.Function.Name)
		cfg.Tools = append(cfg.Tools, tool)
	}
	slices.Sort(cfg.Tools)

	r.mu.Lock()
	maps.Copy(r.toolFunctions, fns)
	r.mu.Unlock()
	debug.Log("mcp", "server discovered", "server", name, "tools", len(fns), "instructions", cfg.Instructions != "")
}

// fetchOAuthRequirement fills cfg.RequiresOAuth unless it was configured.
// Only startup-enabled remote servers are checked.
func (r *Registry) fetchOAuthRequirement(ctx context.Context, name string, cfg *ServerConfig) {
	if cfg.RequiresOAuth != nil {
		return
	}
	required := false
	if r.handler != nil && cfg.StartupEnabled() && cfg.IsRemote() && !cfg.OAuth.ClientCredentials() {
		d, err := r.handler.DetectRequirement(ctx, expandEnv(cfg.URL))
		if err != nil {
			slog.Warn("OAuth detection failed", "server", name, "error", err)
		} else {
			required = d.RequiresOAuth
			debug.Log("oauth", "OAuth requirement detected", "server", name, "required", required, "method", d.Method)
		}
	}
	cfg.RequiresOAuth = &required
}

func requiresOAuth(cfg *ServerConfig) bool {
	return cfg.RequiresOAuth != nil && *cfg.RequiresOAuth
}

// GetToolFunctions lists the tools of conn as tool functions keyed by
// "<tool>_mcp_<server>".
func (r *Registry) GetToolFunctions(ctx context.Context, name string, conn *Connection) (map[string]ToolFunction, error) {
	tools, err := conn.FetchTools(ctx)
	if err != nil {
		return nil, err
	}
	return toolFunctions(name, tools), nil
}

func toolFunctions(server string, tools []*mcp.Tool) map[string]ToolFunction {
	out := make(map[string]ToolFunction, len(tools))
	for _, t := range tools {
		fn := ToolFunctionName(t.Name, server)
		out[fn] = ToolFunction{
			Type: "function",
			Function: FunctionSpec{
				Name:        fn,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// RawConfig returns the configuration of name as loaded.
func (r *Registry) RawConfig(name string) (*ServerConfig, bool) {
	cfg, ok := r.raw[name]
	return cfg, ok
}

// ParsedConfigs returns the configurations including discovered metadata.
func (r *Registry) ParsedConfigs() map[string]*ServerConfig {
	return maps.Clone(r.parsed)
}

// ParsedConfig returns one parsed configuration.
func (r *Registry) ParsedConfig(name string) (*ServerConfig, bool) {
	cfg, ok := r.parsed[name]
	return cfg, ok
}

// OAuthServers returns the names of servers that require OAuth.
func (r *Registry) OAuthServers() []string {
	var out []string
	for name, cfg := range r.parsed {
		if requiresOAuth(cfg) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// AppServerConfigs returns the startup-enabled servers that do not need
// OAuth. They are served by app-scoped connections.
func (r *Registry) AppServerConfigs() map[string]*ServerConfig {
	out := make(map[string]*ServerConfig)
	for name, cfg := range r.parsed {
		if cfg.StartupEnabled() && !requiresOAuth(cfg) {
			out[name] = cfg
		}
	}
	return out
}

// ServerInstructions returns the known instructions per server.
func (r *Registry) ServerInstructions() map[string]string {
	out := make(map[string]string)
	for name, cfg := range r.parsed {
		if cfg.Instructions != "" {
			out[name] = cfg.Instructions
		}
	}
	return out
}

// ToolFunctions returns the tool functions of the app servers.
func (r *Registry) ToolFunctions() map[string]ToolFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.toolFunctions)
}
