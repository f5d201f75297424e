package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/oauth"
)

// BasicOptions identify the server to connect to.
type BasicOptions struct {
	ServerName string
	Config     *ServerConfig
}

// OAuthOptions enable user-scoped connections that may go through OAuth.
type OAuthOptions struct {
	UserID string

	// OAuthStart surfaces the authorization URL to the user.
	OAuthStart func(ctx context.Context, authorizationURL string) error

	// OAuthEnd is called after authorization completed.
	OAuthEnd func(ctx context.Context)

	// ReturnOnOAuth makes Create fail with *OAuthPendingError right after
	// OAuthStart instead of waiting for the user.
	ReturnOnOAuth bool

	// ConnectionTimeout bounds the whole attempt, OAuth included.
	ConnectionTimeout time.Duration

	// RequestHeaders are forwarded to the server on every request.
	RequestHeaders map[string]string
}

// Factory builds connections and drives OAuth for them.
type Factory struct {
	handler *oauth.Handler
	tokens  *oauth.TokenStorage
	flows   *flow.Manager[*oauth.Tokens]
	opts    ConnectionOptions
}

// NewFactory returns a factory. handler, tokens and flows may be nil, in
// which case OAuth is unavailable and authorization errors are returned
// as is.
func NewFactory(handler *oauth.Handler, tokens *oauth.TokenStorage, flows *flow.Manager[*oauth.Tokens], opts ConnectionOptions) *Factory {
	return &Factory{handler: handler, tokens: tokens, flows: flows, opts: opts}
}

func (f *Factory) oauthEnabled() bool {
	return f.handler != nil && f.tokens != nil && f.flows != nil
}

// Create builds and connects a connection. Without OAuthOptions the
// connection is app-scoped and never triggers OAuth. With OAuthOptions,
// cached tokens are loaded first and an authorization error starts an
// authorization flow; the connect resumes once the flow completes.
func (f *Factory) Create(ctx context.Context, basic BasicOptions, oo *OAuthOptions) (*Connection, error) {
	if basic.Config == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, basic.ServerName)
	}
	cfg := basic.Config.Clone()
	if basic.ServerName != "" {
		cfg.Name = basic.ServerName
	}

	opts := f.opts
	userID := ""
	if oo != nil {
		opts.Scope = ScopeUser
		userID = oo.UserID
	}
	conn, err := NewConnection(cfg, userID, opts)
	if err != nil {
		return nil, err
	}

	if cfg.OAuth.ClientCredentials() && f.handler != nil {
		ts, err := f.handler.ClientCredentialsSource(ctx, cfg.Name, cfg.OAuth)
		if err != nil {
			return nil, err
		}
		conn.SetTokenSource(ts)
	}

	if oo != nil && oo.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, oo.ConnectionTimeout)
		defer cancel()
	}

	if oo != nil {
		conn.SetRequestHeaders(oo.RequestHeaders)
		if f.oauthEnabled() && userID != "" {
			tokens, err := f.cachedTokens(ctx, conn)
			if err != nil {
				debug.Log("oauth", "loading cached tokens failed", "server", cfg.Name, "user_id", userID, "error", err)
			} else if tokens != nil {
				conn.SetOAuthTokens(tokens)
			}
			// The authorization wait ends with Create, so a connect that
			// gave up does not leave a goroutine parked on the flow.
			oauthCtx, cancelOAuth := context.WithCancel(ctx)
			defer cancelOAuth()
			unsubscribe := conn.OnOAuthRequired(func(OAuthRequest) {
				f.handleOAuth(oauthCtx, conn, oo)
			})
			defer unsubscribe()
		}
	}

	if err := conn.Connect(ctx); err != nil {
		if derr := conn.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			debug.Log("mcp", "cleanup after failed connect", "server", cfg.Name, "error", derr)
		}
		return nil, err
	}
	return conn, nil
}

// cachedTokens loads stored tokens, refreshing them when expired. Callers
// racing for the same user and server share one lookup.
func (f *Factory) cachedTokens(ctx context.Context, conn *Connection) (*oauth.Tokens, error) {
	flowID := oauth.GenerateFlowID(conn.userID, conn.name)
	return f.flows.CreateFlowWithHandler(ctx, flowID, oauth.FlowTypeGetTokens, func(ctx context.Context) (*oauth.Tokens, error) {
		return f.tokens.GetTokens(ctx, conn.userID, conn.name, func(ctx context.Context, refreshToken string, md oauth.RefreshMetadata) (*oauth.Tokens, error) {
			md.ServerURL = conn.cfg.URL
			return f.handler.RefreshTokens(ctx, refreshToken, md, conn.cfg.OAuth)
		})
	})
}

// handleOAuth resolves an authorization requirement of conn: it starts or
// joins the user's authorization flow, surfaces the URL and, unless the
// caller asked to return early, waits for the callback to complete the
// flow.
func (f *Factory) handleOAuth(ctx context.Context, conn *Connection, oo *OAuthOptions) {
	start, err := f.startFlow(ctx, conn)
	if err != nil {
		conn.ResolveOAuth(err)
		return
	}

	if oo.OAuthStart != nil {
		if err := oo.OAuthStart(ctx, start.AuthorizationURL); err != nil {
			conn.ResolveOAuth(fmt.Errorf("surfacing authorization URL: %w", err))
			return
		}
	}

	if oo.ReturnOnOAuth {
		conn.ResolveOAuth(&OAuthPendingError{
			ServerName:       conn.name,
			FlowID:           start.FlowID,
			AuthorizationURL: start.AuthorizationURL,
		})
		return
	}

	tokens, err := f.flows.CreateFlow(ctx, start.FlowID, oauth.FlowTypeOAuth, start.Metadata)
	if err != nil {
		conn.ResolveOAuth(err)
		return
	}
	if tokens == nil {
		conn.ResolveOAuth(errors.New("authorization flow completed without tokens"))
		return
	}

	conn.SetOAuthTokens(tokens)
	if oo.OAuthEnd != nil {
		oo.OAuthEnd(ctx)
	}
	debug.Log("oauth", "authorization completed", "server", conn.name, "user_id", conn.userID)
	conn.ResolveOAuth(nil)
}

// startFlow joins a pending authorization flow for the connection's user
// and server, or initiates and registers a new one.
func (f *Factory) startFlow(ctx context.Context, conn *Connection) (*oauth.FlowStart, error) {
	flowID := oauth.GenerateFlowID(conn.userID, conn.name)

	state, err := f.flows.GetFlowState(ctx, flowID, oauth.FlowTypeOAuth)
	switch {
	case err == nil && state.Status == flow.StatusPending:
		var meta oauth.FlowMetadata
		if err := state.DecodeMetadata(&meta); err == nil && meta.AuthorizationURL != "" {
			debug.Log("oauth", "joining pending authorization flow", "server", conn.name, "user_id", conn.userID)
			return &oauth.FlowStart{AuthorizationURL: meta.AuthorizationURL, FlowID: flowID, Metadata: &meta}, nil
		}
		fallthrough
	case err == nil:
		if _, err := f.flows.DeleteFlow(ctx, flowID, oauth.FlowTypeOAuth); err != nil {
			return nil, err
		}
	case !errors.Is(err, flow.ErrFlowNotFound):
		return nil, err
	}

	start, err := f.handler.InitiateFlow(ctx, conn.name, conn.cfg.URL, conn.userID, conn.cfg.OAuth)
	if err != nil {
		return nil, err
	}
	created, err := f.flows.RegisterFlow(ctx, start.FlowID, oauth.FlowTypeOAuth, start.Metadata)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another caller registered the flow first; its URL carries the
		// verifier the callback will use.
		return f.startFlow(ctx, conn)
	}
	return start, nil
}
