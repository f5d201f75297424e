package mcp

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/oauth"
)

func oauthTestOptions() ConnectionOptions {
	return ConnectionOptions{
		InitTimeout:  5 * time.Second,
		OAuthTimeout: 5 * time.Second,
		PingTTL:      time.Minute,
		BackoffBase:  10 * time.Millisecond,
	}
}

func TestFactory_CreateRunsAuthorizationFlow(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())
	ctx := context.Background()

	auth := &authorizer{t: t, deps: deps}
	var ended bool
	conn, err := factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:     "ada",
		OAuthStart: auth.start,
		OAuthEnd:   func(context.Context) { ended = true },
	})
	require.NoError(t, err)
	defer conn.Disconnect(ctx)

	assert.Equal(t, StateConnected, conn.State())
	assert.True(t, ended)
	require.Len(t, auth.started(), 1)
	u, err := url.Parse(auth.started()[0])
	require.NoError(t, err)
	assert.Equal(t, "ada:secure", u.Query().Get("state"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Equal(t, ps.URL+"/mcp", u.Query().Get("resource"))
	assert.Equal(t, "user-token", conn.OAuthTokens().AccessToken)

	// The callback stored the tokens before completing the flow.
	stored, err := deps.tokens.GetTokens(ctx, "ada", "secure", nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "user-token", stored.AccessToken)

	// A fresh handshake is trusted for the ping TTL.
	assert.True(t, conn.IsConnected(ctx))
	assert.Equal(t, 0, ps.count("ping"))

	res, err := conn.CallTool(ctx, "echo", map[string]any{"text": "authorized"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "authorized", res.Content[0].(*mcp.TextContent).Text)

	state, err := deps.flows.GetFlowState(ctx, "ada:secure", oauth.FlowTypeOAuth)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, state.Status)
}

func TestFactory_CreateUsesStoredTokens(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())
	ctx := context.Background()

	require.NoError(t, deps.tokens.StoreTokens(ctx, oauth.StoreParams{
		UserID:     "ada",
		ServerName: "secure",
		Tokens:     &oauth.Tokens{AccessToken: "user-token", TokenType: "Bearer", ExpiresIn: 3600},
	}))

	started := false
	conn, err := factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID: "ada",
		OAuthStart: func(context.Context, string) error {
			started = true
			return nil
		},
	})
	require.NoError(t, err)
	defer conn.Disconnect(ctx)

	assert.False(t, started)
	assert.Equal(t, 0, ps.tokensIssued())
	assert.Equal(t, StateConnected, conn.State())
}

func TestFactory_ReturnOnOAuth(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())
	ctx := context.Background()

	var surfaced string
	_, err := factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:        "ada",
		ReturnOnOAuth: true,
		OAuthStart: func(_ context.Context, u string) error {
			surfaced = u
			return nil
		},
	})
	var pending *OAuthPendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "secure", pending.ServerName)
	assert.Equal(t, "ada:secure", pending.FlowID)
	assert.Equal(t, surfaced, pending.AuthorizationURL)
	assert.True(t, IsAuthError(err))

	// The pending flow carries the URL so a concurrent caller joins it.
	state, err := deps.flows.GetFlowState(ctx, "ada:secure", oauth.FlowTypeOAuth)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusPending, state.Status)

	_, err = factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:        "ada",
		ReturnOnOAuth: true,
	})
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, surfaced, pending.AuthorizationURL)

	// The user authorizes later; the next connect finds stored tokens.
	u, err := url.Parse(surfaced)
	require.NoError(t, err)
	_, err = deps.callback.Complete(ctx, u.Query().Get("state"), "code-1")
	require.NoError(t, err)

	conn, err := factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{UserID: "ada"})
	require.NoError(t, err)
	defer conn.Disconnect(ctx)
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, 1, ps.tokensIssued())
}

func TestFactory_OAuthStartFailure(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())

	boom := errors.New("no browser")
	_, err := factory.Create(context.Background(), BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:     "ada",
		OAuthStart: func(context.Context, string) error { return boom },
	})
	require.ErrorIs(t, err, boom)
}

func TestFactory_AppConnectionDoesNotStartOAuth(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())

	_, err := factory.Create(context.Background(), BasicOptions{ServerName: "secure", Config: ps.config("secure")}, nil)
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 0, ps.tokensIssued())
	_, err = deps.flows.GetFlowState(context.Background(), "ada:secure", oauth.FlowTypeOAuth)
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)
}

func TestFactory_ConnectionTimeout(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())

	_, err := factory.Create(context.Background(), BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:            "ada",
		ConnectionTimeout: 100 * time.Millisecond,
		OAuthStart:        func(context.Context, string) error { return nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactory_OAuthWaitEndsWithCreate(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	opts := oauthTestOptions()
	opts.OAuthTimeout = 100 * time.Millisecond
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, opts)
	ctx := context.Background()

	// Nobody completes the callback, so the connect gives up.
	_, err := factory.Create(ctx, BasicOptions{ServerName: "secure", Config: ps.config("secure")}, &OAuthOptions{
		UserID:     "ada",
		OAuthStart: func(context.Context, string) error { return nil },
	})
	require.ErrorIs(t, err, ErrOAuthTimeout)

	// The waiter abandons the flow instead of holding it until its TTL.
	require.Eventually(t, func() bool {
		_, err := deps.flows.GetFlowState(ctx, "ada:secure", oauth.FlowTypeOAuth)
		return errors.Is(err, flow.ErrFlowNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFactory_UnknownConfig(t *testing.T) {
	factory := NewFactory(nil, nil, nil, ConnectionOptions{})
	_, err := factory.Create(context.Background(), BasicOptions{ServerName: "missing"}, nil)
	assert.ErrorIs(t, err, ErrServerNotFound)
}
