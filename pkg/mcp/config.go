package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// TransportKind is the resolved transport of a server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportWebSocket      TransportKind = "websocket"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ServerConfig describes a single MCP server. The transport is inferred
// from the shape of the configuration and fixed by ResolveTransport.
type ServerConfig struct {
	// Name is the unique server name. It is filled from the map key when
	// servers are configured as a map.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type optionally narrows URL-based transports: "streamable-http" or
	// "http" selects streamable HTTP, anything else falls back to SSE.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Startup controls whether the server is contacted during registry
	// initialization. Defaults to true.
	Startup *bool `yaml:"startup,omitempty" json:"startup,omitempty"`

	InitTimeout time.Duration `yaml:"init_timeout,omitempty" json:"init_timeout,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	OAuth *oauth.ServerOAuth `yaml:"oauth,omitempty" json:"oauth,omitempty"`

	// RequiresOAuth skips OAuth detection when set.
	RequiresOAuth *bool `yaml:"requires_oauth,omitempty" json:"requires_oauth,omitempty"`

	ServerInstructions Instructions `yaml:"server_instructions,omitempty" json:"server_instructions,omitzero"`

	CustomUserVars map[string]CustomUserVar `yaml:"custom_user_vars,omitempty" json:"custom_user_vars,omitempty"`

	// Kind is the resolved transport.
	Kind TransportKind `yaml:"-" json:"kind,omitempty"`

	// Filled during registry initialization.
	Capabilities *mcp.ServerCapabilities `yaml:"-" json:"capabilities,omitempty"`
	Tools        []string                `yaml:"-" json:"tools,omitempty"`
	Instructions string                  `yaml:"-" json:"instructions,omitempty"`
}

// CustomUserVar declares a per-user variable that users supply themselves.
type CustomUserVar struct {
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Instructions is the server_instructions setting: true fetches the
// instructions from the server during initialization, a string is used
// verbatim, false or absent disables them.
type Instructions struct {
	Fetch bool
	Text  string
}

// IsZero reports whether no instructions are configured.
func (i Instructions) IsZero() bool { return !i.Fetch && i.Text == "" }

func (i *Instructions) set(v any) error {
	switch v := v.(type) {
	case nil:
		*i = Instructions{}
	case bool:
		*i = Instructions{Fetch: v}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			*i = Instructions{Fetch: true}
		case "false", "":
			*i = Instructions{}
		default:
			*i = Instructions{Text: v}
		}
	default:
		return fmt.Errorf("server_instructions must be a boolean or string, got %T", v)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (i *Instructions) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return i.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (i Instructions) MarshalYAML() (any, error) {
	if i.Text != "" {
		return i.Text, nil
	}
	return i.Fetch, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Instructions) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return i.set(v)
}

// MarshalJSON implements json.Marshaler.
func (i Instructions) MarshalJSON() ([]byte, error) {
	if i.Text != "" {
		return json.Marshal(i.Text)
	}
	return json.Marshal(i.Fetch)
}

// StartupEnabled reports whether the server participates in startup
// discovery.
func (c *ServerConfig) StartupEnabled() bool {
	return c.Startup == nil || *c.Startup
}

// IsRemote reports whether the server is reached over the network.
func (c *ServerConfig) IsRemote() bool {
	return c.Kind != TransportStdio && c.URL != ""
}

// Clone returns a deep copy of the configuration.
func (c *ServerConfig) Clone() *ServerConfig {
	out := *c
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	out.Headers = maps.Clone(c.Headers)
	out.CustomUserVars = maps.Clone(c.CustomUserVars)
	out.Tools = slices.Clone(c.Tools)
	if c.Startup != nil {
		v := *c.Startup
		out.Startup = &v
	}
	if c.RequiresOAuth != nil {
		v := *c.RequiresOAuth
		out.RequiresOAuth = &v
	}
	if c.OAuth != nil {
		o := *c.OAuth
		o.RevocationEndpointAuthMethods = slices.Clone(c.OAuth.RevocationEndpointAuthMethods)
		out.OAuth = &o
	}
	return &out
}

// ResolveTransport infers the transport from the configuration shape: a
// command selects stdio, a ws or wss URL selects WebSocket, a URL with type
// streamable-http or http selects streamable HTTP and any other URL
// selects SSE. The result is stored in Kind.
func ResolveTransport(c *ServerConfig) (TransportKind, error) {
	if c.Command != "" {
		c.Kind = TransportStdio
		return c.Kind, nil
	}
	if c.URL == "" {
		return "", &ConfigurationError{Server: c.Name, Reason: "neither command nor url is set"}
	}

	// User placeholders are only known per request; any value of the
	// right shape stands in for them here.
	u, err := url.Parse(placeholderPattern.ReplaceAllString(expandEnv(c.URL), "x"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &ConfigurationError{Server: c.Name, Reason: fmt.Sprintf("invalid url %q", c.URL)}
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		c.Kind = TransportWebSocket
	case "http", "https":
		switch strings.ToLower(c.Type) {
		case "streamable-http", "streamablehttp", "http":
			c.Kind = TransportStreamableHTTP
		case "websocket", "stdio":
			return "", &ConfigurationError{Server: c.Name, Reason: fmt.Sprintf("type %q does not match url scheme %q", c.Type, u.Scheme)}
		default:
			c.Kind = TransportSSE
		}
	default:
		return "", &ConfigurationError{Server: c.Name, Reason: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	return c.Kind, nil
}

// ResolveServers names and resolves every server in servers.
func ResolveServers(servers map[string]*ServerConfig) error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(servers)) {
		cfg := servers[name]
		if cfg == nil {
			errs = append(errs, &ConfigurationError{Server: name, Reason: "empty server configuration"})
			continue
		}
		cfg.Name = name
		if _, err := ResolveTransport(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
