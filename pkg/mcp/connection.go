package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/oauth"
	"github.com/rhuss/mcpconnect/pkg/observability"
)

// State is the lifecycle state of a Connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Defaults applied by NewConnection.
const (
	DefaultInitTimeout          = 120 * time.Second
	DefaultOAuthTimeout         = 120 * time.Second
	DefaultPingTTL              = 60 * time.Second
	DefaultToolTimeout          = 60 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultClientName           = "mcpconnect"
)

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// Pool scopes used as metric labels.
const (
	ScopeApp  = "app"
	ScopeUser = "user"
)

// BackoffDelay returns the delay before reconnection attempt n:
// min(1s * 2^n, 30s).
func BackoffDelay(attempt int) time.Duration {
	return backoff(backoffBase, backoffMax, attempt)
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for range max(attempt, 0) {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// ConnectionOptions tune a Connection. Zero values select the defaults.
type ConnectionOptions struct {
	InitTimeout          time.Duration
	OAuthTimeout         time.Duration
	PingTTL              time.Duration
	MaxReconnectAttempts int

	// BackoffBase and BackoffMax override the reconnection delays; tests
	// shrink them.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// HTTPClient supplies the base transport and timeout for SSE and
	// streamable HTTP servers.
	HTTPClient *http.Client

	// TransportFactory replaces transport construction entirely.
	TransportFactory func(cfg *ServerConfig) (mcp.Transport, error)

	ClientName    string
	ClientVersion string

	// Scope labels metrics: ScopeApp or ScopeUser.
	Scope string

	Now func() time.Time
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.OAuthTimeout <= 0 {
		o.OAuthTimeout = DefaultOAuthTimeout
	}
	if o.PingTTL < 0 {
		o.PingTTL = 0
	} else if o.PingTTL == 0 {
		o.PingTTL = DefaultPingTTL
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = backoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = backoffMax
	}
	if o.ClientName == "" {
		o.ClientName = DefaultClientName
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	if o.Scope == "" {
		o.Scope = ScopeApp
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StateChange is delivered to subscribers on every state transition.
type StateChange struct {
	Server string
	UserID string
	From   State
	To     State
	Err    error
}

// OAuthRequest is delivered to OAuth observers when the server rejected
// the handshake for lack of authorization.
type OAuthRequest struct {
	ServerName string
	ServerURL  string
	UserID     string
	Err        error
}

// errRetryAfterOAuth makes connect run the handshake again once OAuth was
// resolved.
var errRetryAfterOAuth = errors.New("retry after OAuth")

// Connection is one client connection to an MCP server. It owns at most
// one live session and moves between the disconnected, connecting,
// connected and error states. Failed connections are retried with
// exponential backoff unless the failure requires OAuth or is a
// configuration error.
type Connection struct {
	name   string
	userID string
	cfg    *ServerConfig
	opts   ConnectionOptions
	client *mcp.Client
	group  singleflight.Group

	mu                sync.Mutex
	session           *mcp.ClientSession
	state             State
	lastErr           error
	lastVerified      time.Time
	reconnectAttempts int
	reconnecting      bool
	stopped           bool
	stop              chan struct{}
	oauthRequired     bool
	oauthWait         chan error
	tokens            *oauth.Tokens
	tokenSource       oauth2.TokenSource
	requestHeaders    map[string]string
	nextID            int
	subscribers       map[int]func(StateChange)
	oauthObservers    map[int]func(OAuthRequest)
}

// NewConnection creates a disconnected connection for cfg. The transport
// is resolved here when the configuration was not resolved at load time.
func NewConnection(cfg *ServerConfig, userID string, opts ConnectionOptions) (*Connection, error) {
	cfg = cfg.Clone()
	if cfg.Kind == "" {
		if _, err := ResolveTransport(cfg); err != nil {
			return nil, err
		}
	}
	opts = opts.withDefaults()
	if cfg.InitTimeout > 0 {
		opts.InitTimeout = cfg.InitTimeout
	}

	c := &Connection{
		name:           cfg.Name,
		userID:         userID,
		cfg:            cfg,
		opts:           opts,
		state:          StateDisconnected,
		stop:           make(chan struct{}),
		subscribers:    make(map[int]func(StateChange)),
		oauthObservers: make(map[int]func(OAuthRequest)),
	}
	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    opts.ClientName,
		Version: opts.ClientVersion,
	}, &mcp.ClientOptions{
		Capabilities: &mcp.ClientCapabilities{},
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			debug.Log("mcp", "tool list changed", "server", c.name, "user_id", c.userID)
		},
	})
	return c, nil
}

// Name returns the server name.
func (c *Connection) Name() string { return c.name }

// UserID returns the owning user, or "" for app connections.
func (c *Connection) UserID() string { return c.userID }

// Config returns the connection's server configuration.
func (c *Connection) Config() *ServerConfig { return c.cfg }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error of the last transition into StateError.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OAuthRequired reports whether the server is waiting for authorization.
func (c *Connection) OAuthRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oauthRequired
}

// ReconnectAttempts returns the attempts made since the last successful
// connect.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// Subscribe registers fn for state changes. fn runs synchronously on the
// goroutine performing the transition and must not block.
func (c *Connection) Subscribe(fn func(StateChange)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// OnOAuthRequired registers fn to be called, on its own goroutine, when a
// handshake fails with an authorization error. The observer is expected
// to call ResolveOAuth. Without observers, authorization errors are
// returned from Connect immediately.
func (c *Connection) OnOAuthRequired(fn func(OAuthRequest)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.oauthObservers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.oauthObservers, id)
		c.mu.Unlock()
	}
}

// ResolveOAuth releases a connect suspended on authorization. A nil err
// means authorization was handled and the handshake is retried; otherwise
// Connect fails with err and the original authorization error. Calls
// without a suspended connect are ignored.
func (c *Connection) ResolveOAuth(err error) {
	c.mu.Lock()
	wait := c.oauthWait
	c.oauthWait = nil
	c.mu.Unlock()
	if wait != nil {
		wait <- err
	}
}

// SetOAuthTokens sets the tokens sent as bearer authorization.
func (c *Connection) SetOAuthTokens(t *oauth.Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
}

// OAuthTokens returns the tokens in use, if any.
func (c *Connection) OAuthTokens() *oauth.Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// SetTokenSource sets a source of bearer tokens used when no OAuth tokens
// are set, such as a client credentials grant.
func (c *Connection) SetTokenSource(ts oauth2.TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenSource = ts
}

// SetRequestHeaders sets headers forwarded from the current caller. They
// override static configuration headers.
func (c *Connection) SetRequestHeaders(h map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHeaders = maps.Clone(h)
}

func (c *Connection) headersFor() http.Header {
	c.mu.Lock()
	h := make(http.Header, len(c.cfg.Headers)+len(c.requestHeaders)+1)
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	for k, v := range c.requestHeaders {
		h.Set(k, v)
	}
	var bearer string
	if c.tokens != nil {
		bearer = c.tokens.AccessToken
	}
	ts := c.tokenSource
	c.mu.Unlock()

	if bearer == "" && ts != nil {
		tok, err := ts.Token()
		if err != nil {
			debug.Log("oauth", "obtaining token failed", "server", c.name, "error", err)
		} else {
			bearer = tok.AccessToken
		}
	}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	return h
}

// Connect establishes the session. Concurrent callers share one in-flight
// attempt; a caller whose ctx ends stops waiting without aborting the
// attempt for the others.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.stopped = false
		c.stop = make(chan struct{})
	}
	c.mu.Unlock()

	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) connect(ctx context.Context) error {
	err := c.handshake(ctx, true)
	if errors.Is(err, errRetryAfterOAuth) {
		debug.Log("mcp", "retrying connect after OAuth", "server", c.name, "user_id", c.userID)
		err = c.handshake(ctx, false)
	}
	return err
}

func (c *Connection) handshake(ctx context.Context, interceptOAuth bool) error {
	c.mu.Lock()
	if c.state == StateConnected && c.session != nil {
		c.mu.Unlock()
		return nil
	}
	stale := c.session
	c.session = nil
	c.mu.Unlock()
	if stale != nil {
		debug.Log("mcp", "closing stale session", "server", c.name)
		_ = stale.Close()
	}

	c.setState(StateConnecting, nil)

	transport, err := c.newTransport()
	if err != nil {
		if IsAuthError(err) {
			return c.authFailed(ctx, err, interceptOAuth)
		}
		c.setState(StateError, err)
		return err
	}
	transport = &instrumentedTransport{inner: transport, server: c.name, now: c.opts.Now}

	session, release, err := c.open(ctx, transport)
	if err != nil {
		if IsAuthError(err) {
			return c.authFailed(ctx, err, interceptOAuth)
		}
		terr := &TransportError{Server: c.name, Op: "connect", Err: err}
		c.setState(StateError, terr)
		return terr
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = session.Close()
		release()
		return fmt.Errorf("%w: %s disconnected during connect", ErrNotConnected, c.name)
	}
	c.session = session
	c.lastVerified = c.opts.Now()
	c.reconnectAttempts = 0
	c.oauthRequired = false
	c.mu.Unlock()
	c.setState(StateConnected, nil)

	go c.watch(session, release)
	return nil
}

// open runs the MCP handshake bounded by InitTimeout. The session gets a
// context of its own that lives until release is called, because
// transports such as SSE bind their event stream to the context given to
// Connect.
func (c *Connection) open(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, context.CancelFunc, error) {
	sctx, release := context.WithCancel(context.WithoutCancel(ctx))

	type result struct {
		session *mcp.ClientSession
		err     error
	}
	done := make(chan result, 1)
	go func() {
		session, err := c.client.Connect(sctx, transport, nil)
		done <- result{session, err}
	}()

	timer := time.NewTimer(c.opts.InitTimeout)
	defer timer.Stop()

	var res result
	var abort error
	select {
	case res = <-done:
	case <-timer.C:
		abort = fmt.Errorf("connection timed out after %s: %w", c.opts.InitTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		abort = ctx.Err()
	}
	if abort != nil {
		release()
		res = <-done
		if res.session != nil {
			_ = res.session.Close()
		}
		if res.err == nil || errors.Is(res.err, context.Canceled) {
			res.err = abort
		} else {
			res.err = fmt.Errorf("%w: %w", abort, res.err)
		}
		return nil, nil, res.err
	}
	if res.err != nil {
		release()
		return nil, nil, res.err
	}
	return res.session, release, nil
}

// authFailed handles an authorization error from building the transport
// or from the handshake: observers are asked to resolve it, or, without
// interception, the connection is parked until authorization arrives.
func (c *Connection) authFailed(ctx context.Context, err error, interceptOAuth bool) error {
	authErr := asAuthError(c.cfg.URL, err)
	if interceptOAuth {
		return c.awaitOAuth(ctx, authErr)
	}
	c.mu.Lock()
	c.oauthRequired = true
	c.mu.Unlock()
	c.setState(StateError, authErr)
	return authErr
}

// awaitOAuth suspends until an observer resolves the authorization
// requirement, the OAuth timeout elapses, or ctx ends.
func (c *Connection) awaitOAuth(ctx context.Context, authErr *AuthRequiredError) error {
	c.mu.Lock()
	c.oauthRequired = true
	observers := slices.Collect(maps.Values(c.oauthObservers))
	if len(observers) == 0 {
		c.mu.Unlock()
		c.setState(StateError, authErr)
		return authErr
	}
	wait := make(chan error, 1)
	c.oauthWait = wait
	c.mu.Unlock()

	debug.Log("mcp", "OAuth required", "server", c.name, "user_id", c.userID, "status", authErr.StatusCode)
	req := OAuthRequest{ServerName: c.name, ServerURL: c.cfg.URL, UserID: c.userID, Err: authErr}
	for _, fn := range observers {
		go fn(req)
	}

	timer := time.NewTimer(c.opts.OAuthTimeout)
	defer timer.Stop()

	var res error
	select {
	case res = <-wait:
	case <-timer.C:
		res = ErrOAuthTimeout
	case <-ctx.Done():
		res = ctx.Err()
	}

	c.mu.Lock()
	if c.oauthWait == wait {
		c.oauthWait = nil
	}
	if res == nil {
		c.oauthRequired = false
	}
	stopped := c.stopped
	c.mu.Unlock()

	if res == nil {
		return errRetryAfterOAuth
	}
	debug.Log("mcp", "OAuth not resolved", "server", c.name, "user_id", c.userID, "error", res)
	if !stopped {
		c.setState(StateError, authErr)
	}
	return fmt.Errorf("%w: %w", res, authErr)
}

// watch moves the connection to StateError when the session ends on its
// own.
func (c *Connection) watch(session *mcp.ClientSession, release context.CancelFunc) {
	err := session.Wait()
	release()
	c.mu.Lock()
	current := c.session == session
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	if err == nil {
		err = errors.New("session closed by server")
	}
	c.setState(StateError, &TransportError{Server: c.name, Op: "session", Err: err})
}

func (c *Connection) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	if from == to && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.lastErr = err
	subs := slices.Collect(maps.Values(c.subscribers))
	var cfgErr *ConfigurationError
	reconnect := to == StateError && !c.reconnecting && !c.oauthRequired && !c.stopped && !errors.As(err, &cfgErr)
	c.mu.Unlock()

	if c.opts.Scope == ScopeApp {
		observability.SetConnectionState(c.name, c.opts.Scope, string(to))
	}
	observability.ConnectionTransitionsTotal.WithLabelValues(c.name, string(from), string(to)).Inc()
	debug.Log("mcp", "connection state changed", "server", c.name, "user_id", c.userID, "from", from, "to", to, "error", err)

	change := StateChange{Server: c.name, UserID: c.userID, From: from, To: to, Err: err}
	for _, fn := range subs {
		fn(change)
	}
	if reconnect {
		go c.reconnect()
	}
}

// reconnect retries the handshake with exponential backoff until it
// succeeds, the attempt budget is spent, OAuth becomes required or the
// connection is disconnected.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	stop := c.stop
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.stopped || c.oauthRequired {
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts >= c.opts.MaxReconnectAttempts {
			attempts := c.reconnectAttempts
			c.lastErr = fmt.Errorf("%w: %w", ErrMaxReconnects, c.lastErr)
			c.mu.Unlock()
			observability.ReconnectAttemptsTotal.WithLabelValues(c.name, "exhausted").Inc()
			debug.Log("mcp", "giving up reconnection", "server", c.name, "user_id", c.userID, "attempts", attempts)
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		delay := backoff(c.opts.BackoffBase, c.opts.BackoffMax, attempt)
		debug.Log("mcp", "reconnecting", "server", c.name, "user_id", c.userID, "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err, _ := c.group.Do("connect", func() (any, error) {
			return nil, c.connect(context.Background())
		})
		if err == nil {
			observability.ReconnectAttemptsTotal.WithLabelValues(c.name, "success").Inc()
			return
		}
		observability.ReconnectAttemptsTotal.WithLabelValues(c.name, "failure").Inc()
	}
}

// Disconnect closes the session, stops reconnection and releases a
// suspended OAuth wait. The connection can be connected again.
func (c *Connection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
	session := c.session
	c.session = nil
	wait := c.oauthWait
	c.oauthWait = nil
	c.mu.Unlock()

	if wait != nil {
		wait <- errors.New("connection closed")
	}
	var err error
	if session != nil {
		err = session.Close()
	}
	c.setState(StateDisconnected, nil)
	return err
}

// IsConnected reports whether the session is alive. A verification
// younger than the ping TTL is trusted; otherwise the server is pinged,
// falling back to a capability listing when it does not implement ping.
func (c *Connection) IsConnected(ctx context.Context) bool {
	c.mu.Lock()
	session, state, last := c.session, c.state, c.lastVerified
	c.mu.Unlock()
	if state != StateConnected || session == nil {
		return false
	}

	now := c.opts.Now()
	if c.opts.PingTTL > 0 && now.Sub(last) < c.opts.PingTTL {
		return true
	}

	if err := c.verify(ctx, session); err != nil {
		debug.Log("mcp", "liveness check failed", "server", c.name, "user_id", c.userID, "error", err)
		return false
	}
	c.mu.Lock()
	if c.session == session {
		c.lastVerified = now
	}
	c.mu.Unlock()
	return true
}

func (c *Connection) verify(ctx context.Context, session *mcp.ClientSession) error {
	err := session.Ping(ctx, nil)
	if err == nil || !isMethodNotFound(err) {
		return err
	}

	debug.Log("mcp", "ping unsupported, probing capabilities", "server", c.name)
	caps := capabilities(session)
	switch {
	case caps == nil:
		return nil
	case caps.Tools != nil:
		_, err = session.ListTools(ctx, nil)
	case caps.Resources != nil:
		_, err = session.ListResources(ctx, nil)
	case caps.Prompts != nil:
		_, err = session.ListPrompts(ctx, nil)
	}
	return err
}

func isMethodNotFound(err error) bool {
	var we *jsonrpc.Error
	if errors.As(err, &we) && we.Code == jsonrpc.CodeMethodNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

func capabilities(session *mcp.ClientSession) *mcp.ServerCapabilities {
	res := session.InitializeResult()
	if res == nil {
		return nil
	}
	return res.Capabilities
}

func (c *Connection) liveSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.state != StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}
	return c.session, nil
}

// ServerCapabilities returns the capabilities announced during the
// handshake, or nil when not connected.
func (c *Connection) ServerCapabilities() *mcp.ServerCapabilities {
	session, err := c.liveSession()
	if err != nil {
		return nil
	}
	return capabilities(session)
}

// ServerInstructions returns the instructions announced during the
// handshake.
func (c *Connection) ServerInstructions() string {
	session, err := c.liveSession()
	if err != nil {
		return ""
	}
	if res := session.InitializeResult(); res != nil {
		return res.Instructions
	}
	return ""
}

// FetchTools lists all tools, following pagination.
func (c *Connection) FetchTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	var tools []*mcp.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools of %s: %w", c.name, err)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// FetchResources lists all resources, following pagination.
func (c *Connection) FetchResources(ctx context.Context) ([]*mcp.Resource, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	var resources []*mcp.Resource
	for r, err := range session.Resources(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing resources of %s: %w", c.name, err)
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// FetchPrompts lists all prompts, following pagination.
func (c *Connection) FetchPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	var prompts []*mcp.Prompt
	for p, err := range session.Prompts(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing prompts of %s: %w", c.name, err)
		}
		prompts = append(prompts, p)
	}
	return prompts, nil
}

// CallTool invokes a tool. timeout falls back to the server's configured
// timeout, then to DefaultToolTimeout.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.opts.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case res.IsError:
		status = "tool_error"
	}
	observability.ToolCallsTotal.WithLabelValues(c.name, status).Inc()
	observability.ToolCallDuration.WithLabelValues(c.name).Observe(c.opts.Now().Sub(start).Seconds())

	if err != nil {
		debug.Log("mcp", "tool call failed", "server", c.name, "tool", name, "user_id", c.userID, "error", err)
		return nil, fmt.Errorf("calling tool %q on %s: %w", name, c.name, err)
	}
	return res, nil
}
