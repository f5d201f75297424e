package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// WebSocketSubprotocol is requested when dialing MCP WebSocket servers.
const WebSocketSubprotocol = "mcp"

// WebSocketTransport connects to an MCP server over a WebSocket. Each text
// frame carries one JSON-RPC message.
type WebSocketTransport struct {
	URL string

	// Header returns the handshake headers. Optional.
	Header func() http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Connect dials the server. A 401 or 403 handshake response yields an
// AuthRequiredError.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	// Dial with a copy; the configured dialer may be shared.
	base := t.Dialer
	if base == nil {
		base = websocket.DefaultDialer
	}
	dialer := *base
	dialer.Subprotocols = []string{WebSocketSubprotocol}

	var header http.Header
	if t.Header != nil {
		header = t.Header()
	}

	ws, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &AuthRequiredError{
					ServerURL:  t.URL,
					StatusCode: resp.StatusCode,
					Challenge:  resp.Header.Get("WWW-Authenticate"),
				}
			}
		}
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}

	c := &wsConn{
		ws:       ws,
		incoming: make(chan wsMessage, 16),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsMessage struct {
	msg jsonrpc.Message
	err error
}

type wsConn struct {
	ws       *websocket.Conn
	incoming chan wsMessage

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (c *wsConn) readLoop() {
	defer close(c.incoming)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.incoming <- wsMessage{err: err}:
			case <-c.closed:
			}
			return
		}
		if typ != websocket.TextMessage {
			debug.Log("transport", "ignoring non-text websocket frame", "type", typ)
			continue
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			debug.Log("transport", "dropping undecodable websocket message", "error", err)
			continue
		}
		select {
		case c.incoming <- wsMessage{msg: msg}:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("websocket connection closed")
	case m, ok := <-c.incoming:
		if !ok {
			return nil, errors.New("websocket connection closed")
		}
		return m.msg, m.err
	}
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) SessionID() string { return "" }
