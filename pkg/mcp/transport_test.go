package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// recordingConn is an mcp.Connection that records written messages.
type recordingConn struct {
	mu      sync.Mutex
	written []jsonrpc.Message
}

func (c *recordingConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *recordingConn) Write(_ context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *recordingConn) Close() error      { return nil }
func (c *recordingConn) SessionID() string { return "" }

func response(t *testing.T, id float64, result string) *jsonrpc.Response {
	t.Helper()
	rid, err := jsonrpc.MakeID(id)
	require.NoError(t, err)
	return &jsonrpc.Response{ID: rid, Result: json.RawMessage(result)}
}

func TestInstrumentedConn_KeepAliveGuard(t *testing.T) {
	clock := newFakeClock()
	inner := &recordingConn{}
	conn := &instrumentedConn{Connection: inner, server: "test", now: clock.Now}
	ctx := context.Background()

	require.NoError(t, conn.Write(ctx, response(t, 1, `{}`)))
	require.NoError(t, conn.Write(ctx, response(t, 2, `{"tools":[]}`)))

	clock.Advance(time.Minute)
	err := conn.Write(ctx, response(t, 3, `{}`))
	assert.ErrorIs(t, err, ErrEmptyResult)

	clock.Advance(KeepAliveWindow + time.Second)
	require.NoError(t, conn.Write(ctx, response(t, 4, `{}`)))

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Len(t, inner.written, 3)
}

func TestIsEmptyObject(t *testing.T) {
	assert.True(t, isEmptyObject(json.RawMessage(`{}`)))
	assert.True(t, isEmptyObject(json.RawMessage(` { } `)))
	assert.False(t, isEmptyObject(json.RawMessage(`{"a":1}`)))
	assert.False(t, isEmptyObject(json.RawMessage(`null`)))
	assert.False(t, isEmptyObject(json.RawMessage(`[]`)))
	assert.False(t, isEmptyObject(nil))
}

func TestStdioEnv(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("SECRET_TOKEN", "leak")

	env := stdioEnv(map[string]string{"B_VAR": "2", "A_VAR": "1"})
	assert.Contains(t, env, "HOME=/home/tester")
	assert.NotContains(t, env, "SECRET_TOKEN=leak")
	require.GreaterOrEqual(t, len(env), 2)
	assert.Equal(t, []string{"A_VAR=1", "B_VAR=2"}, env[len(env)-2:])
}

func TestAuthTransport_ReportsAuthorizationFailures(t *testing.T) {
	var gotAuth, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Tenant")
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/prm"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	conn, err := NewConnection(&ServerConfig{
		Name:    "remote",
		URL:     srv.URL + "/mcp",
		Type:    "http",
		Headers: map[string]string{"X-Tenant": "acme"},
	}, "", ConnectionOptions{})
	require.NoError(t, err)
	conn.SetOAuthTokens(&oauth.Tokens{AccessToken: "stale"})

	resp, err := conn.httpClient().Get(srv.URL + "/mcp")
	if resp != nil {
		resp.Body.Close()
	}
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, srv.URL+"/mcp", authErr.ServerURL)
	assert.Contains(t, authErr.Challenge, "resource_metadata")
	assert.Equal(t, "Bearer stale", gotAuth)
	assert.Equal(t, "acme", gotHeader)
}

func streamableServer(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "remote", Version: "1.0.0"}, nil)
	addTestTools(server)
	var h http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestConnection_StreamableHTTP(t *testing.T) {
	srv := streamableServer(t, nil)
	conn, err := NewConnection(&ServerConfig{Name: "remote", URL: srv.URL, Type: "streamable-http"}, "", ConnectionOptions{})
	require.NoError(t, err)
	defer conn.Disconnect(context.Background())

	require.NoError(t, conn.Connect(context.Background()))
	res, err := conn.CallTool(context.Background(), "echo", map[string]any{"text": "over http"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "over http", res.Content[0].(*mcp.TextContent).Text)
}

func TestConnection_SSE(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "legacy", Version: "1.0.0"}, nil)
	addTestTools(server)
	srv := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil))
	defer srv.Close()

	conn, err := NewConnection(&ServerConfig{Name: "legacy", URL: srv.URL}, "", ConnectionOptions{})
	require.NoError(t, err)
	defer conn.Disconnect(context.Background())
	assert.Equal(t, TransportSSE, conn.Config().Kind)

	require.NoError(t, conn.Connect(context.Background()))
	tools, err := conn.FetchTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	res, err := conn.CallTool(context.Background(), "echo", map[string]any{"text": "over sse"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "over sse", res.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnection_StreamableHTTPRequiresBearer(t *testing.T) {
	srv := streamableServer(t, requireBearer("good"))
	conn, err := NewConnection(&ServerConfig{Name: "remote", URL: srv.URL, Type: "http"}, "", ConnectionOptions{})
	require.NoError(t, err)
	defer conn.Disconnect(context.Background())

	err = conn.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.True(t, conn.OAuthRequired())

	conn.SetOAuthTokens(&oauth.Tokens{AccessToken: "good"})
	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.IsConnected(context.Background()))
}
