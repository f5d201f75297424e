package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/observability"
)

// DefaultIdleTimeout is how long a user may be inactive before their
// connections are evicted.
const DefaultIdleTimeout = 15 * time.Minute

// UserConnectionRequest asks for a user's connection to one server.
type UserConnectionRequest struct {
	ServerName string
	User       *UserContext

	// ForceNew replaces an existing connection.
	ForceNew bool

	CustomUserVars map[string]string
	RequestHeaders map[string]string

	OAuthStart        func(ctx context.Context, authorizationURL string) error
	OAuthEnd          func(ctx context.Context)
	ReturnOnOAuth     bool
	ConnectionTimeout time.Duration
}

// UserConnections pools connections per user and server. A user's
// connections are evicted together once the user has been idle longer
// than the idle timeout.
type UserConnections struct {
	registry    *Registry
	factory     *Factory
	idleTimeout time.Duration
	now         func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	conns        map[string]map[string]*Connection
	lastActivity map[string]time.Time
	audiences    map[string]*oauthAudience
}

// NewUserConnections returns an empty pool. idleTimeout <= 0 selects
// DefaultIdleTimeout; now may be nil.
func NewUserConnections(registry *Registry, factory *Factory, idleTimeout time.Duration, now func() time.Time) *UserConnections {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &UserConnections{
		registry:     registry,
		factory:      factory,
		idleTimeout:  idleTimeout,
		now:          now,
		conns:        make(map[string]map[string]*Connection),
		lastActivity: make(map[string]time.Time),
		audiences:    make(map[string]*oauthAudience),
	}
}

// GetUserConnection returns the user's live connection to the server,
// creating one when none exists, the existing one is dead, or the user
// was idle past the timeout.
//
// Concurrent requests for the same user and server share one attempt,
// run with the first request's context, ReturnOnOAuth and OAuthEnd. The
// authorization URL is handed to every sharing request's OAuthStart.
func (u *UserConnections) GetUserConnection(ctx context.Context, req UserConnectionRequest) (*Connection, error) {
	if req.User == nil || req.User.ID == "" {
		return nil, errors.New("user connection requires a user id")
	}
	cfg, ok := u.registry.RawConfig(req.ServerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, req.ServerName)
	}
	userID := req.User.ID

	u.mu.Lock()
	last, seen := u.lastActivity[userID]
	idle := seen && u.now().Sub(last) > u.idleTimeout
	u.mu.Unlock()
	if idle {
		debug.Log("pool", "user idle, evicting connections", "user_id", userID, "idle", u.now().Sub(last))
		observability.IdleEvictionsTotal.Inc()
		if err := u.DisconnectUserConnections(ctx, userID); err != nil {
			debug.Log("pool", "evicting idle user", "user_id", userID, "error", err)
		}
	}
	u.Touch(userID)

	key := userID + "\x00" + req.ServerName
	audience, hookID, leave := u.joinAudience(ctx, key, req.OAuthStart)
	defer leave()

	v, err, _ := u.group.Do(key, func() (any, error) {
		defer audience.reset()
		if existing := u.lookup(userID, req.ServerName); existing != nil {
			if !req.ForceNew && existing.IsConnected(ctx) {
				return existing, nil
			}
			debug.Log("pool", "replacing user connection", "user_id", userID, "server", req.ServerName, "force", req.ForceNew)
			u.remove(userID, req.ServerName, existing)
			if err := existing.Disconnect(ctx); err != nil {
				debug.Log("pool", "disconnecting replaced connection", "server", req.ServerName, "error", err)
			}
		}

		surface := func(ctx context.Context, authorizationURL string) error {
			return audience.surface(ctx, authorizationURL, hookID)
		}
		rendered := ProcessEnv(cfg, req.User, req.CustomUserVars)
		conn, err := u.factory.Create(ctx, BasicOptions{ServerName: req.ServerName, Config: rendered}, &OAuthOptions{
			UserID:            userID,
			OAuthStart:        surface,
			OAuthEnd:          req.OAuthEnd,
			ReturnOnOAuth:     req.ReturnOnOAuth,
			ConnectionTimeout: req.ConnectionTimeout,
			RequestHeaders:    req.RequestHeaders,
		})
		if err != nil {
			u.forgetIfEmpty(userID)
			return nil, err
		}
		u.store(userID, req.ServerName, conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// oauthAudience hands an authorization URL to every request sharing one
// connection attempt, including requests that join after it surfaced.
type oauthAudience struct {
	mu    sync.Mutex
	url   string
	next  int
	hooks map[int]oauthHook
}

type oauthHook struct {
	ctx context.Context
	fn  func(ctx context.Context, authorizationURL string) error
}

// joinAudience registers start, which may be nil, for the attempt
// identified by key.
func (u *UserConnections) joinAudience(ctx context.Context, key string, start func(context.Context, string) error) (*oauthAudience, int, func()) {
	u.mu.Lock()
	a := u.audiences[key]
	if a == nil {
		a = &oauthAudience{hooks: make(map[int]oauthHook)}
		u.audiences[key] = a
	}
	a.mu.Lock()
	a.next++
	id := a.next
	a.hooks[id] = oauthHook{ctx: ctx, fn: start}
	url := a.url
	a.mu.Unlock()
	u.mu.Unlock()

	if url != "" && start != nil {
		if err := start(ctx, url); err != nil {
			debug.Log("oauth", "surfacing authorization URL to joining request", "error", err)
		}
	}

	leave := func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		a.mu.Lock()
		delete(a.hooks, id)
		empty := len(a.hooks) == 0
		a.mu.Unlock()
		if empty && u.audiences[key] == a {
			delete(u.audiences, key)
		}
	}
	return a, id, leave
}

// surface hands url to every registered request. Only the error of the
// request running the attempt is returned.
func (a *oauthAudience) surface(ctx context.Context, url string, leader int) error {
	a.mu.Lock()
	a.url = url
	hooks := maps.Clone(a.hooks)
	a.mu.Unlock()

	var leaderErr error
	for id, h := range hooks {
		if h.fn == nil {
			continue
		}
		hctx := h.ctx
		if id == leader {
			hctx = ctx
		}
		err := h.fn(hctx, url)
		switch {
		case id == leader:
			leaderErr = err
		case err != nil:
			debug.Log("oauth", "surfacing authorization URL to joining request", "error", err)
		}
	}
	return leaderErr
}

func (a *oauthAudience) reset() {
	a.mu.Lock()
	a.url = ""
	a.mu.Unlock()
}

// Touch records activity for userID.
func (u *UserConnections) Touch(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActivity[userID] = u.now()
}

// UserConnections returns the user's connections by server name.
func (u *UserConnections) UserConnections(userID string) map[string]*Connection {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.conns[userID])
}

// DisconnectUserConnection closes and removes one of the user's
// connections.
func (u *UserConnections) DisconnectUserConnection(ctx context.Context, userID, serverName string) error {
	conn := u.lookup(userID, serverName)
	if conn == nil {
		return nil
	}
	u.remove(userID, serverName, conn)
	return conn.Disconnect(ctx)
}

// DisconnectUserConnections closes and removes all of the user's
// connections and forgets the user's activity.
func (u *UserConnections) DisconnectUserConnections(ctx context.Context, userID string) error {
	u.mu.Lock()
	conns := u.conns[userID]
	delete(u.conns, userID)
	delete(u.lastActivity, userID)
	u.updateGauge()
	u.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting %s for user %s: %w", name, userID, err))
		}
	}
	return errors.Join(errs...)
}

// CheckIdle evicts every user idle beyond the timeout, except skipUserID,
// and returns the evicted user ids.
func (u *UserConnections) CheckIdle(ctx context.Context, skipUserID string) []string {
	now := u.now()
	u.mu.Lock()
	var idle []string
	for userID, last := range u.lastActivity {
		if userID != skipUserID && now.Sub(last) > u.idleTimeout {
			idle = append(idle, userID)
		}
	}
	u.mu.Unlock()
	slices.Sort(idle)

	for _, userID := range idle {
		debug.Log("pool", "evicting idle user", "user_id", userID)
		observability.IdleEvictionsTotal.Inc()
		if err := u.DisconnectUserConnections(ctx, userID); err != nil {
			debug.Log("pool", "evicting idle user", "user_id", userID, "error", err)
		}
	}
	return idle
}

// StartIdleSweeper runs CheckIdle every interval until ctx ends.
func (u *UserConnections) StartIdleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.CheckIdle(ctx, "")
			}
		}
	}()
}

// DisconnectAll closes every user connection.
func (u *UserConnections) DisconnectAll(ctx context.Context) error {
	u.mu.Lock()
	users := slices.Collect(maps.Keys(u.conns))
	u.mu.Unlock()

	var errs []error
	for _, userID := range users {
		if err := u.DisconnectUserConnections(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *UserConnections) lookup(userID, serverName string) *Connection {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns[userID][serverName]
}

func (u *UserConnections) store(userID, serverName string, conn *Connection) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m := u.conns[userID]
	if m == nil {
		m = make(map[string]*Connection)
		u.conns[userID] = m
	}
	m[serverName] = conn
	u.updateGauge()
}

func (u *UserConnections) remove(userID, serverName string, conn *Connection) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m := u.conns[userID]
	if m[serverName] != conn {
		return
	}
	delete(m, serverName)
	if len(m) == 0 {
		delete(u.conns, userID)
	}
	u.updateGauge()
}

func (u *UserConnections) forgetIfEmpty(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.conns[userID]) == 0 {
		delete(u.conns, userID)
		delete(u.lastActivity, userID)
	}
}

// updateGauge must be called with u.mu held.
func (u *UserConnections) updateGauge() {
	n := 0
	for _, m := range u.conns {
		n += len(m)
	}
	observability.UserConnections.Set(float64(n))
}
