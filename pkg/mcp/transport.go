package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// KeepAliveWindow is the window in which a second empty result is fatal.
const KeepAliveWindow = 5 * time.Minute

// defaultEnvVars are inherited by stdio servers; everything else comes
// from the server's env setting.
var defaultEnvVars = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER", "TMPDIR", "LANG"}

// newTransport builds the SDK transport for the connection's resolved kind.
func (c *Connection) newTransport() (mcp.Transport, error) {
	if c.opts.TransportFactory != nil {
		return c.opts.TransportFactory(c.cfg)
	}

	switch c.cfg.Kind {
	case TransportStdio:
		cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
		cmd.Env = stdioEnv(c.cfg.Env)
		cmd.Stderr = &stderrLogger{server: c.name}
		return &mcp.CommandTransport{Command: cmd, TerminateDuration: 5 * time.Second}, nil

	case TransportWebSocket:
		return &WebSocketTransport{
			URL:    c.cfg.URL,
			Header: c.headersFor,
		}, nil

	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
		}, nil

	case TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   c.cfg.URL,
			HTTPClient: c.httpClient(),
			MaxRetries: -1,
		}, nil

	default:
		return nil, &ConfigurationError{Server: c.name, Reason: fmt.Sprintf("unresolved transport %q", c.cfg.Kind)}
	}
}

func stdioEnv(extra map[string]string) []string {
	var env []string
	for _, k := range defaultEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// stderrLogger forwards a stdio server's stderr to the debug log.
type stderrLogger struct {
	server string
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	debug.Log("transport", "server stderr", "server", w.server, "output", debug.Truncate(string(p), 500))
	return len(p), nil
}

// httpClient returns a client whose transport adds the connection's
// headers and bearer token and turns 401/403 responses into
// AuthRequiredError.
func (c *Connection) httpClient() *http.Client {
	base := http.DefaultTransport
	timeout := time.Duration(0)
	if c.opts.HTTPClient != nil {
		if c.opts.HTTPClient.Transport != nil {
			base = c.opts.HTTPClient.Transport
		}
		timeout = c.opts.HTTPClient.Timeout
	}
	return &http.Client{
		Transport: &authTransport{base: base, conn: c},
		Timeout:   timeout,
	}
}

// authTransport is an http.RoundTripper that applies static, per-request
// and OAuth headers to every request.
type authTransport struct {
	base http.RoundTripper
	conn *Connection
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.conn.headersFor() {
		req.Header[k] = v
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		debug.Log("transport", "authorization rejected", "server", t.conn.name, "status", resp.StatusCode)
		return nil, &AuthRequiredError{
			ServerURL:  t.conn.cfg.URL,
			StatusCode: resp.StatusCode,
			Challenge:  resp.Header.Get("WWW-Authenticate"),
		}
	}
	return resp, nil
}

// instrumentedTransport wraps every connection with tracing and the
// keep-alive guard.
type instrumentedTransport struct {
	inner  mcp.Transport
	server string
	now    func() time.Time
}

func (t *instrumentedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &instrumentedConn{Connection: conn, server: t.server, now: t.now}, nil
}

type instrumentedConn struct {
	mcp.Connection
	server string
	now    func() time.Time

	mu        sync.Mutex
	lastEmpty time.Time
}

func (c *instrumentedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.Connection.Read(ctx)
	if err == nil {
		traceMessage(c.server, "recv", msg)
	}
	return msg, err
}

func (c *instrumentedConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	traceMessage(c.server, "send", msg)
	if resp, ok := msg.(*jsonrpc.Response); ok && resp.Error == nil && isEmptyObject(resp.Result) {
		now := c.now()
		c.mu.Lock()
		last := c.lastEmpty
		c.lastEmpty = now
		c.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < KeepAliveWindow {
			debug.Log("transport", "rejecting repeated empty result", "server", c.server, "since_last", now.Sub(last))
			return ErrEmptyResult
		}
	}
	return c.Connection.Write(ctx, msg)
}

func isEmptyObject(raw json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m != nil && len(m) == 0
}

func traceMessage(server, dir string, msg jsonrpc.Message) {
	if !debug.TraceIsEnabled("transport") {
		return
	}
	data, _ := jsonrpc.EncodeMessage(msg)
	switch m := msg.(type) {
	case *jsonrpc.Request:
		debug.Trace("transport", dir, "server", server, "method", m.Method, "id", m.ID.Raw(), "payload", debug.Truncate(string(data), 500))
	case *jsonrpc.Response:
		debug.Trace("transport", dir, "server", server, "id", m.ID.Raw(), "payload", debug.Truncate(string(data), 500))
	}
}
