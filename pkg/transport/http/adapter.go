package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/mcpconnect/pkg/api"
	"github.com/rhuss/mcpconnect/pkg/auth"
	"github.com/rhuss/mcpconnect/pkg/mcp"
	"github.com/rhuss/mcpconnect/pkg/oauth"
	"github.com/rhuss/mcpconnect/pkg/observability"
	"github.com/rhuss/mcpconnect/pkg/transport"
)

// Adapter serves the MCP management API over HTTP.
// It routes requests to the connection manager and serializes responses.
type Adapter struct {
	service transport.MCPService
	mux     *http.ServeMux
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// Callback completes OAuth flows. The callback route is only
	// registered when it is set.
	Callback transport.OAuthCallback

	// Checks are consulted by /readyz, keyed by a name used in the
	// response.
	Checks map[string]transport.HealthChecker

	// MetricsPath exposes Prometheus metrics. Empty disables the endpoint.
	MetricsPath string

	Logger *slog.Logger
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
		MetricsPath: "/metrics",
	}
}

// readyTimeout bounds the health checks behind /readyz.
const readyTimeout = 2 * time.Second

// NewAdapter creates an HTTP adapter for service.
func NewAdapter(service transport.MCPService, cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		service: service,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("GET /v1/mcp/servers", a.handleListServers)
	a.mux.HandleFunc("GET /v1/mcp/tools", a.handleListTools)
	a.mux.HandleFunc("POST /v1/mcp/servers/{server}/tools/{tool}", a.handleCallTool)
	a.mux.HandleFunc("POST /v1/mcp/servers/{server}/reinitialize", a.handleReinitialize)
	a.mux.HandleFunc("GET /v1/mcp/servers/{server}/status", a.handleStatus)
	a.mux.HandleFunc("DELETE /v1/mcp/servers/{server}/oauth", a.handleRevoke)

	if cfg.Callback != nil {
		a.mux.HandleFunc("GET "+oauth.CallbackPath, a.handleOAuthCallback)
	}
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// request ID, recovery and access log middleware; authn is applied inside
// them and outside the metrics middleware so routes are labeled by
// pattern.
func (a *Adapter) Handler(authn ...transport.Middleware) http.Handler {
	mws := []transport.Middleware{
		transport.RequestID(),
		transport.Recovery(a.config.Logger),
		transport.Logging(a.config.Logger),
	}
	mws = append(mws, authn...)
	mws = append(mws, observability.MetricsMiddleware)
	return transport.Chain(mws...)(a.mux)
}

// userFromRequest maps the authenticated identity to an MCP user. It
// returns nil for anonymous callers, who can only reach app servers.
func userFromRequest(r *http.Request) *mcp.UserContext {
	id := auth.IdentityFromContext(r.Context())
	if id == nil || id.Anonymous() {
		return nil
	}
	user := &mcp.UserContext{ID: id.Subject, Email: id.Email, Name: id.Name}
	if id.Metadata != nil {
		user.Username = id.Metadata["username"]
	}
	return user
}

func userID(user *mcp.UserContext) string {
	if user == nil {
		return ""
	}
	return user.ID
}

// requireUser writes an unauthorized error and returns false when server
// needs a user connection and the caller is anonymous.
func (a *Adapter) requireUser(w http.ResponseWriter, user *mcp.UserContext, server string) bool {
	if user != nil || a.service.IsAppServer(server) {
		return true
	}
	transport.WriteAPIError(w, api.NewUnauthorizedError(fmt.Sprintf("MCP server %q requires an authenticated user", server)))
	return false
}

// knownServer writes a not found error and returns false when server is
// not configured.
func (a *Adapter) knownServer(w http.ResponseWriter, server string) bool {
	if _, ok := a.service.AllServers()[server]; ok {
		return true
	}
	transport.WriteAPIError(w, api.NewNotFoundError(fmt.Sprintf("MCP server %q not found", server)))
	return false
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func (a *Adapter) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

// handleListServers handles GET /v1/mcp/servers.
func (a *Adapter) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := a.service.AllServers()
	oauthServers := a.service.OAuthServers()

	list := api.ServerList{
		Object:       "list",
		Data:         make([]api.ServerInfo, 0, len(servers)),
		OAuthServers: oauthServers,
		Instructions: a.service.FormatInstructionsForContext(),
	}
	if list.OAuthServers == nil {
		list.OAuthServers = []string{}
	}
	for _, name := range slices.Sorted(maps.Keys(servers)) {
		cfg := servers[name]
		list.Data = append(list.Data, api.ServerInfo{
			Name:           name,
			Transport:      string(cfg.Kind),
			RequiresOAuth:  slices.Contains(oauthServers, name),
			AppServer:      a.service.IsAppServer(name),
			Tools:          cfg.Tools,
			Instructions:   cfg.Instructions,
			CustomUserVars: slices.Sorted(maps.Keys(cfg.CustomUserVars)),
		})
	}
	transport.WriteJSON(w, http.StatusOK, list)
}

// handleListTools handles GET /v1/mcp/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, r *http.Request) {
	fns := a.service.AllToolFunctions(r.Context(), userID(userFromRequest(r)))
	data := make(map[string]any, len(fns))
	for key, fn := range fns {
		data[key] = fn
	}
	transport.WriteJSON(w, http.StatusOK, api.ToolList{Object: "list", Data: data})
}

// forwardedHeaders returns request headers that tool calls may reference
// in server header templates. Credentials of the management API are not
// forwarded.
func forwardedHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		switch key {
		case "Authorization", "Cookie", "X-Api-Key", "Content-Length", "Content-Type":
			continue
		}
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

// handleCallTool handles POST /v1/mcp/servers/{server}/tools/{tool}.
func (a *Adapter) handleCallTool(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	tool := r.PathValue("tool")
	if !a.knownServer(w, server) {
		return
	}

	var req api.CallToolRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	user := userFromRequest(r)
	if !a.requireUser(w, user, server) {
		return
	}

	res, err := a.service.CallTool(r.Context(), mcp.CallToolRequest{
		User:           user,
		ServerName:     server,
		ToolName:       tool,
		Arguments:      req.Arguments,
		Provider:       req.Provider,
		Timeout:        req.Timeout(),
		CustomUserVars: req.CustomUserVars,
		RequestHeaders: forwardedHeaders(r),
		ReturnOnOAuth:  true,
	})
	if err != nil {
		a.writeServiceError(w, r, server, err)
		return
	}

	resp := api.CallToolResponse{
		Object:  "tool_result",
		Server:  server,
		Tool:    tool,
		Content: res.Content,
		IsError: res.IsError,
	}
	if res.Artifacts != nil {
		resp.Artifacts = res.Artifacts
	}
	transport.WriteJSON(w, http.StatusOK, resp)
}

// handleReinitialize handles POST /v1/mcp/servers/{server}/reinitialize.
func (a *Adapter) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	if !a.knownServer(w, server) {
		return
	}

	var req api.ReinitializeRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	user := userFromRequest(r)
	if !a.requireUser(w, user, server) {
		return
	}

	authURL, err := a.service.ReinitializeUserConnection(r.Context(), user, server, req.CustomUserVars)
	if err != nil {
		a.writeServiceError(w, r, server, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, api.ReinitializeResponse{
		Server:           server,
		Connected:        authURL == "",
		AuthorizationURL: authURL,
	})
}

// handleStatus handles GET /v1/mcp/servers/{server}/status.
func (a *Adapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	for _, st := range a.service.ConnectionStatus(userID(userFromRequest(r))) {
		if st.Server != server {
			continue
		}
		transport.WriteJSON(w, http.StatusOK, api.ServerStatus{
			Server:        st.Server,
			State:         string(st.State),
			RequiresOAuth: st.RequiresOAuth,
			AppServer:     st.AppServer,
		})
		return
	}
	transport.WriteAPIError(w, api.NewNotFoundError(fmt.Sprintf("MCP server %q not found", server)))
}

// handleRevoke handles DELETE /v1/mcp/servers/{server}/oauth.
func (a *Adapter) handleRevoke(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	user := userFromRequest(r)
	if user == nil {
		transport.WriteAPIError(w, api.NewUnauthorizedError("revoking OAuth tokens requires an authenticated user"))
		return
	}

	if err := a.service.RevokeUserOAuth(r.Context(), user.ID, server); err != nil {
		a.writeServiceError(w, r, server, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, api.DeletedResponse{Object: "oauth_tokens", Server: server, Deleted: true})
}

func (a *Adapter) writeServiceError(w http.ResponseWriter, r *http.Request, server string, err error) {
	apiErr := transport.ErrorFromMCP(server, err)
	if transport.HTTPStatusFromError(apiErr) >= http.StatusInternalServerError {
		a.config.Logger.Error("mcp operation failed",
			"request_id", transport.RequestIDFromContext(r.Context()),
			"server", server,
			"error", err,
		)
	}
	transport.WriteAPIError(w, apiErr)
}

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>
`

func writeCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	t := html.EscapeString(title)
	fmt.Fprintf(w, callbackPage, t, t, html.EscapeString(message))
}

// handleOAuthCallback handles GET /oauth/callback, where the user's browser
// returns from the authorization server.
func (a *Adapter) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		msg := e
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		observability.OAuthOperationsTotal.WithLabelValues("callback", "denied").Inc()
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", msg)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", "missing state or code parameter")
		return
	}

	meta, err := a.config.Callback.Complete(r.Context(), state, code)
	if err != nil {
		a.config.Logger.Warn("oauth callback failed",
			"request_id", transport.RequestIDFromContext(r.Context()),
			"error", err,
		)
		observability.OAuthOperationsTotal.WithLabelValues("callback", "error").Inc()
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", "the authorization could not be completed, please try again")
		return
	}

	observability.OAuthOperationsTotal.WithLabelValues("callback", "success").Inc()
	writeCallbackPage(w, http.StatusOK, "Authorization complete",
		fmt.Sprintf("You are now connected to %s. You can close this window.", meta.ServerName))
}

// handleHealthz handles GET /healthz.
func (a *Adapter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz handles GET /readyz.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(a.config.Checks))
	for name, check := range a.config.Checks {
		if err := check.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	transport.WriteJSON(w, status, body)
}
