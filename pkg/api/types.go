package api

import (
	"fmt"
	"time"
)

// ServerInfo describes one configured MCP server.
type ServerInfo struct {
	Name          string   `json:"name"`
	Transport     string   `json:"transport"`
	RequiresOAuth bool     `json:"requires_oauth"`
	AppServer     bool     `json:"app_server"`
	Tools         []string `json:"tools,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`

	// CustomUserVars lists the variables users provide for this server.
	CustomUserVars []string `json:"custom_user_vars,omitempty"`
}

// ServerList is the response of GET /v1/mcp/servers.
type ServerList struct {
	Object       string       `json:"object"` // "list"
	Data         []ServerInfo `json:"data"`
	OAuthServers []string     `json:"oauth_servers"`

	// Instructions is the combined instructions text for a model's context.
	Instructions string `json:"instructions,omitempty"`
}

// ToolList is the response of GET /v1/mcp/tools. Data holds
// function-calling definitions keyed by "<tool>_mcp_<server>".
type ToolList struct {
	Object string         `json:"object"` // "list"
	Data   map[string]any `json:"data"`
}

// CallToolRequest is the body of POST /v1/mcp/servers/{server}/tools/{tool}.
type CallToolRequest struct {
	Arguments map[string]any `json:"arguments,omitempty"`

	// Provider selects the content shape of the result.
	Provider string `json:"provider,omitempty"`

	// TimeoutMS overrides the server's tool timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	CustomUserVars map[string]string `json:"custom_user_vars,omitempty"`
}

// maxToolTimeout caps TimeoutMS.
const maxToolTimeout = 10 * time.Minute

// Validate checks the request and returns an APIError for the first
// invalid field.
func (r *CallToolRequest) Validate() *APIError {
	if r.TimeoutMS < 0 {
		return NewInvalidRequestError("timeout_ms", "must not be negative")
	}
	if r.Timeout() > maxToolTimeout {
		return NewInvalidRequestError("timeout_ms", fmt.Sprintf("must not exceed %d", maxToolTimeout.Milliseconds()))
	}
	return nil
}

// Timeout returns TimeoutMS as a duration.
func (r *CallToolRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// CallToolResponse is the result of a tool call. Content is a string or
// an array of content blocks depending on the requested provider.
type CallToolResponse struct {
	Object    string `json:"object"` // "tool_result"
	Server    string `json:"server"`
	Tool      string `json:"tool"`
	Content   any    `json:"content"`
	Artifacts any    `json:"artifacts,omitempty"`
	IsError   bool   `json:"is_error"`
}

// ReinitializeRequest is the optional body of
// POST /v1/mcp/servers/{server}/reinitialize.
type ReinitializeRequest struct {
	CustomUserVars map[string]string `json:"custom_user_vars,omitempty"`
}

// ReinitializeResponse reports the outcome of a reinitialization. When the
// server needs authorization, AuthorizationURL is set and Connected is false.
type ReinitializeResponse struct {
	Server           string `json:"server"`
	Connected        bool   `json:"connected"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// ServerStatus is the response of GET /v1/mcp/servers/{server}/status.
type ServerStatus struct {
	Server        string `json:"server"`
	State         string `json:"state"`
	RequiresOAuth bool   `json:"requires_oauth"`
	AppServer     bool   `json:"app_server"`
}

// DeletedResponse confirms a deletion.
type DeletedResponse struct {
	Object  string `json:"object"`
	Server  string `json:"server"`
	Deleted bool   `json:"deleted"`
}
