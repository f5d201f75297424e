package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// testServer is an in-memory MCP server that counts the requests it
// receives.
type testServer struct {
	server *mcp.Server

	// noPing makes ping fail with method not found.
	noPing atomic.Bool

	// dialErr, when set, is returned by the transport factory.
	dialErr atomic.Pointer[error]
	dials   atomic.Int32

	mu       sync.Mutex
	calls    map[string]int
	sessions []*mcp.ServerSession
}

func newTestServer(t *testing.T, instructions string) *testServer {
	t.Helper()
	s := &testServer{calls: make(map[string]int)}
	s.server = mcp.NewServer(
		&mcp.Implementation{Name: "test-server", Version: "1.0.0"},
		&mcp.ServerOptions{Instructions: instructions},
	)
	s.server.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			s.mu.Lock()
			s.calls[method]++
			s.mu.Unlock()
			if method == "ping" && s.noPing.Load() {
				return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}
			}
			return next(ctx, method, req)
		}
	})
	addTestTools(s.server)
	t.Cleanup(s.closeSessions)
	return s
}

func addTestTools(server *mcp.Server) {
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echoes the text argument",
		InputSchema: map[string]any{"type": "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Text string `json:"text"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: args.Text}}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "broken",
		Description: "Always reports a tool error",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "something broke"}},
		}, nil
	})
}

func (s *testServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *testServer) failDials(err error) {
	if err == nil {
		s.dialErr.Store(nil)
		return
	}
	s.dialErr.Store(&err)
}

// transport connects a fresh server session for every dial.
func (s *testServer) transport(*ServerConfig) (mcp.Transport, error) {
	s.dials.Add(1)
	if err := s.dialErr.Load(); err != nil {
		return nil, *err
	}
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()
	return clientT, nil
}

// closeSessions drops every server session, as a crashing server would.
func (s *testServer) closeSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

func (s *testServer) options() ConnectionOptions {
	return ConnectionOptions{
		TransportFactory: s.transport,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		InitTimeout:      5 * time.Second,
	}
}

// serverSet routes dials to test servers by server name.
type serverSet map[string]*testServer

func (s serverSet) transport(cfg *ServerConfig) (mcp.Transport, error) {
	srv, ok := s[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("no test server named %q", cfg.Name)
	}
	return srv.transport(cfg)
}

func (s serverSet) options() ConnectionOptions {
	return ConnectionOptions{
		TransportFactory: s.transport,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		InitTimeout:      5 * time.Second,
	}
}

func stdioConfigs(names ...string) map[string]*ServerConfig {
	out := make(map[string]*ServerConfig, len(names))
	for _, n := range names {
		out[n] = &ServerConfig{Name: n, Command: "mcp-" + n, Kind: TransportStdio}
	}
	return out
}

func newTestConnection(t *testing.T, s *testServer, opts ConnectionOptions) *Connection {
	t.Helper()
	conn, err := NewConnection(&ServerConfig{Name: "test", Command: "unused"}, "", opts)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	return conn
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDialRefused = errors.New("connection refused")
