package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rhuss/mcpconnect/pkg/oauth"
)

func TestResolveTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		want    TransportKind
		wantErr bool
	}{
		{name: "command", cfg: ServerConfig{Command: "npx", URL: "https://ignored"}, want: TransportStdio},
		{name: "ws", cfg: ServerConfig{URL: "ws://localhost:8080/mcp"}, want: TransportWebSocket},
		{name: "wss", cfg: ServerConfig{URL: "wss://mcp.example.com"}, want: TransportWebSocket},
		{name: "streamable", cfg: ServerConfig{URL: "https://mcp.example.com/mcp", Type: "streamable-http"}, want: TransportStreamableHTTP},
		{name: "http type", cfg: ServerConfig{URL: "http://localhost/mcp", Type: "http"}, want: TransportStreamableHTTP},
		{name: "sse default", cfg: ServerConfig{URL: "https://mcp.example.com/sse"}, want: TransportSSE},
		{name: "explicit sse", cfg: ServerConfig{URL: "https://mcp.example.com/sse", Type: "sse"}, want: TransportSSE},
		{name: "mismatched type", cfg: ServerConfig{URL: "https://mcp.example.com", Type: "websocket"}, wantErr: true},
		{name: "empty", cfg: ServerConfig{}, wantErr: true},
		{name: "no scheme", cfg: ServerConfig{URL: "mcp.example.com"}, wantErr: true},
		{name: "ftp", cfg: ServerConfig{URL: "ftp://mcp.example.com"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			got, err := ResolveTransport(&cfg)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, cfg.Kind)
		})
	}
}

func TestResolveServers(t *testing.T) {
	servers := map[string]*ServerConfig{
		"files":  {Command: "mcp-files"},
		"broken": {},
		"empty":  nil,
	}
	err := ResolveServers(servers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Contains(t, err.Error(), `"empty"`)
	assert.Equal(t, "files", servers["files"].Name)
	assert.Equal(t, TransportStdio, servers["files"].Kind)
}

func TestInstructions_YAML(t *testing.T) {
	tests := []struct {
		in   string
		want Instructions
	}{
		{"server_instructions: true", Instructions{Fetch: true}},
		{"server_instructions: false", Instructions{}},
		{`server_instructions: "true"`, Instructions{Fetch: true}},
		{"server_instructions: Always cite file paths.", Instructions{Text: "Always cite file paths."}},
		{"command: x", Instructions{}},
	}
	for _, tt := range tests {
		var cfg ServerConfig
		require.NoError(t, yaml.Unmarshal([]byte(tt.in), &cfg), tt.in)
		assert.Equal(t, tt.want, cfg.ServerInstructions, tt.in)
	}

	var cfg ServerConfig
	assert.Error(t, yaml.Unmarshal([]byte("server_instructions: [a, b]"), &cfg))
}

func TestInstructions_JSON(t *testing.T) {
	var cfg ServerConfig
	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://x","server_instructions":true}`), &cfg))
	assert.True(t, cfg.ServerInstructions.Fetch)

	require.NoError(t, json.Unmarshal([]byte(`{"server_instructions":"Be brief."}`), &cfg))
	assert.Equal(t, Instructions{Text: "Be brief."}, cfg.ServerInstructions)

	data, err := json.Marshal(Instructions{Text: "Be brief."})
	require.NoError(t, err)
	assert.JSONEq(t, `"Be brief."`, string(data))

	data, err = json.Marshal(&ServerConfig{URL: "https://x"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "server_instructions")
}

func TestServerConfig_Clone(t *testing.T) {
	startup := false
	orig := &ServerConfig{
		Name:    "files",
		Args:    []string{"--root", "/data"},
		Env:     map[string]string{"A": "1"},
		Headers: map[string]string{"X": "y"},
		Startup: &startup,
		OAuth:   &oauth.ServerOAuth{ClientID: "c", RevocationEndpointAuthMethods: []string{"client_secret_basic"}},
	}
	c := orig.Clone()
	c.Args[0] = "--changed"
	c.Env["A"] = "2"
	c.Headers["X"] = "z"
	*c.Startup = true
	c.OAuth.ClientID = "other"
	c.OAuth.RevocationEndpointAuthMethods[0] = "none"

	assert.Equal(t, "--root", orig.Args[0])
	assert.Equal(t, "1", orig.Env["A"])
	assert.Equal(t, "y", orig.Headers["X"])
	assert.False(t, *orig.Startup)
	assert.Equal(t, "c", orig.OAuth.ClientID)
	assert.Equal(t, "client_secret_basic", orig.OAuth.RevocationEndpointAuthMethods[0])
}

func TestServerConfig_Predicates(t *testing.T) {
	off := false
	assert.True(t, (&ServerConfig{}).StartupEnabled())
	assert.False(t, (&ServerConfig{Startup: &off}).StartupEnabled())

	remote := &ServerConfig{URL: "https://x/sse"}
	_, err := ResolveTransport(remote)
	require.NoError(t, err)
	assert.True(t, remote.IsRemote())

	local := &ServerConfig{Command: "x", URL: "https://x"}
	_, err = ResolveTransport(local)
	require.NoError(t, err)
	assert.False(t, local.IsRemote())
}

func TestResolveTransport_References(t *testing.T) {
	t.Setenv("MCPCONNECT_TEST_BASE", "https://mcp.example.com")

	tests := []struct {
		name    string
		cfg     ServerConfig
		want    TransportKind
		wantErr bool
	}{
		{"env base url", ServerConfig{URL: "${MCPCONNECT_TEST_BASE}/sse"}, TransportSSE, false},
		{"user placeholder host", ServerConfig{URL: "https://{{TENANT}}.example.com/mcp", Type: "http"}, TransportStreamableHTTP, false},
		{"unset variable", ServerConfig{URL: "${MCPCONNECT_TEST_UNSET}/mcp"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			got, err := ResolveTransport(&cfg)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cfg.URL, cfg.URL)
		})
	}
}
