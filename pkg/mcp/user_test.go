package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUserConnections(t *testing.T, servers serverSet, clock *fakeClock, configs map[string]*ServerConfig) *UserConnections {
	t.Helper()
	factory := NewFactory(nil, nil, nil, servers.options())
	reg := NewRegistry(configs, factory, nil)
	u := NewUserConnections(reg, factory, time.Minute, clock.Now)
	t.Cleanup(func() { _ = u.DisconnectAll(context.Background()) })
	return u
}

func TestUserConnections_GetReusesPerUser(t *testing.T) {
	files := newTestServer(t, "")
	u := newTestUserConnections(t, serverSet{"files": files}, newFakeClock(), stdioConfigs("files"))
	ctx := context.Background()

	ada := &UserContext{ID: "ada"}
	first, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada})
	require.NoError(t, err)
	again, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada})
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, "ada", first.UserID())

	bob, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: &UserContext{ID: "bob"}})
	require.NoError(t, err)
	assert.NotSame(t, first, bob)
	assert.EqualValues(t, 2, files.dials.Load())

	assert.Len(t, u.UserConnections("ada"), 1)
	assert.Len(t, u.UserConnections("bob"), 1)
}

func TestUserConnections_ForceNew(t *testing.T) {
	files := newTestServer(t, "")
	u := newTestUserConnections(t, serverSet{"files": files}, newFakeClock(), stdioConfigs("files"))
	ctx := context.Background()
	ada := &UserContext{ID: "ada"}

	first, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada})
	require.NoError(t, err)
	second, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada, ForceNew: true})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, StateDisconnected, first.State())
	assert.Same(t, second, u.UserConnections("ada")["files"])
}

func TestUserConnections_Validation(t *testing.T) {
	u := newTestUserConnections(t, serverSet{}, newFakeClock(), stdioConfigs("files"))
	ctx := context.Background()

	_, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files"})
	assert.Error(t, err)
	_, err = u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "nope", User: &UserContext{ID: "ada"}})
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestUserConnections_RendersUserPlaceholders(t *testing.T) {
	files := newTestServer(t, "")
	var rendered *ServerConfig
	servers := serverSet{"files": files}
	opts := servers.options()
	opts.TransportFactory = func(cfg *ServerConfig) (mcp.Transport, error) {
		rendered = cfg
		return servers.transport(cfg)
	}

	configs := stdioConfigs("files")
	configs["files"].Args = []string{"--user={{MCP_USER_ID}}", "--space={{space}}"}
	factory := NewFactory(nil, nil, nil, opts)
	u := NewUserConnections(NewRegistry(configs, factory, nil), factory, time.Minute, nil)
	defer u.DisconnectAll(context.Background())

	_, err := u.GetUserConnection(context.Background(), UserConnectionRequest{
		ServerName:     "files",
		User:           &UserContext{ID: "ada"},
		CustomUserVars: map[string]string{"space": "lab"},
	})
	require.NoError(t, err)
	require.NotNil(t, rendered)
	assert.Equal(t, []string{"--user=ada", "--space=lab"}, rendered.Args)
}

func TestUserConnections_IdleEviction(t *testing.T) {
	files := newTestServer(t, "")
	clock := newFakeClock()
	u := newTestUserConnections(t, serverSet{"files": files}, clock, stdioConfigs("files"))
	ctx := context.Background()

	ada, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: &UserContext{ID: "ada"}})
	require.NoError(t, err)
	_, err = u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: &UserContext{ID: "bob"}})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	u.Touch("bob")
	clock.Advance(45 * time.Second)

	evicted := u.CheckIdle(ctx, "")
	assert.Equal(t, []string{"ada"}, evicted)
	assert.Equal(t, StateDisconnected, ada.State())
	assert.Empty(t, u.UserConnections("ada"))
	assert.Len(t, u.UserConnections("bob"), 1)

	clock.Advance(2 * time.Minute)
	assert.Empty(t, u.CheckIdle(ctx, "bob"))
	assert.Len(t, u.UserConnections("bob"), 1)
}

func TestUserConnections_IdleUserGetsFreshConnection(t *testing.T) {
	files := newTestServer(t, "")
	clock := newFakeClock()
	u := newTestUserConnections(t, serverSet{"files": files}, clock, stdioConfigs("files"))
	ctx := context.Background()
	ada := &UserContext{ID: "ada"}

	first, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	second, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: ada})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateDisconnected, first.State())
}

func TestUserConnections_Disconnect(t *testing.T) {
	files := newTestServer(t, "")
	notes := newTestServer(t, "")
	u := newTestUserConnections(t, serverSet{"files": files, "notes": notes}, newFakeClock(), stdioConfigs("files", "notes"))
	ctx := context.Background()
	ada := &UserContext{ID: "ada"}

	for _, name := range []string{"files", "notes"} {
		_, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: name, User: ada})
		require.NoError(t, err)
	}
	require.Len(t, u.UserConnections("ada"), 2)

	require.NoError(t, u.DisconnectUserConnection(ctx, "ada", "files"))
	assert.Len(t, u.UserConnections("ada"), 1)
	require.NoError(t, u.DisconnectUserConnection(ctx, "ada", "files"))

	require.NoError(t, u.DisconnectUserConnections(ctx, "ada"))
	assert.Empty(t, u.UserConnections("ada"))
}

func TestUserConnections_StartIdleSweeper(t *testing.T) {
	files := newTestServer(t, "")
	clock := newFakeClock()
	u := newTestUserConnections(t, serverSet{"files": files}, clock, stdioConfigs("files"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := u.GetUserConnection(ctx, UserConnectionRequest{ServerName: "files", User: &UserContext{ID: "ada"}})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	u.StartIdleSweeper(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(u.UserConnections("ada")) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUserConnections_JoiningRequestSeesAuthorizationURL(t *testing.T) {
	ps := newProtectedServer(t)
	deps := newOAuthDeps(t)
	factory := NewFactory(deps.handler, deps.tokens, deps.flows, oauthTestOptions())
	reg := NewRegistry(map[string]*ServerConfig{"secure": ps.config("secure")}, factory, deps.handler)
	u := NewUserConnections(reg, factory, time.Minute, nil)
	t.Cleanup(func() { _ = u.DisconnectAll(context.Background()) })
	ctx := context.Background()
	ada := &UserContext{ID: "ada"}

	leaderSaw := make(chan string, 1)
	release := make(chan struct{})
	leaderDone := make(chan error, 1)
	go func() {
		_, err := u.GetUserConnection(ctx, UserConnectionRequest{
			ServerName:    "secure",
			User:          ada,
			ReturnOnOAuth: true,
			OAuthStart: func(_ context.Context, authorizationURL string) error {
				leaderSaw <- authorizationURL
				<-release
				return nil
			},
		})
		leaderDone <- err
	}()

	var leaderURL string
	select {
	case leaderURL = <-leaderSaw:
	case <-time.After(5 * time.Second):
		t.Fatal("authorization URL never surfaced")
	}

	// The second request shares the attempt still blocked in OAuthStart.
	joinerSaw := make(chan string, 1)
	joinerDone := make(chan error, 1)
	go func() {
		_, err := u.GetUserConnection(ctx, UserConnectionRequest{
			ServerName:    "secure",
			User:          ada,
			ReturnOnOAuth: true,
			OAuthStart: func(_ context.Context, authorizationURL string) error {
				joinerSaw <- authorizationURL
				return nil
			},
		})
		joinerDone <- err
	}()

	select {
	case got := <-joinerSaw:
		assert.Equal(t, leaderURL, got)
	case <-time.After(5 * time.Second):
		t.Fatal("joining request never saw the authorization URL")
	}
	close(release)

	var pending *OAuthPendingError
	require.ErrorAs(t, <-leaderDone, &pending)
	require.ErrorAs(t, <-joinerDone, &pending)
	assert.Equal(t, leaderURL, pending.AuthorizationURL)
}
