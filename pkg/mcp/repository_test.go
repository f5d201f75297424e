package mcp

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, servers serverSet) *Repository {
	t.Helper()
	names := make([]string, 0, len(servers))
	for n := range servers {
		names = append(names, n)
	}
	repo := NewRepository(stdioConfigs(names...), NewFactory(nil, nil, nil, servers.options()))
	t.Cleanup(func() { _ = repo.DisconnectAll(context.Background()) })
	return repo
}

func TestRepository_GetReusesLiveConnection(t *testing.T) {
	alpha := newTestServer(t, "")
	repo := newTestRepository(t, serverSet{"alpha": alpha})

	first, err := repo.Get(context.Background(), "alpha")
	require.NoError(t, err)
	second, err := repo.Get(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, alpha.dials.Load())
	assert.Equal(t, "", first.UserID())
	assert.Contains(t, repo.Loaded(), "alpha")
}

func TestRepository_GetUnknownServer(t *testing.T) {
	repo := newTestRepository(t, serverSet{})
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrServerNotFound)
	assert.False(t, repo.Has("missing"))
}

func TestRepository_GetReplacesDeadConnection(t *testing.T) {
	alpha := newTestServer(t, "")
	repo := newTestRepository(t, serverSet{"alpha": alpha})

	first, err := repo.Get(context.Background(), "alpha")
	require.NoError(t, err)
	require.NoError(t, first.Disconnect(context.Background()))

	second, err := repo.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateConnected, second.State())
	assert.EqualValues(t, 2, alpha.dials.Load())
}

func TestRepository_ConcurrentGetSharesConnection(t *testing.T) {
	alpha := newTestServer(t, "")
	repo := newTestRepository(t, serverSet{"alpha": alpha})

	var wg sync.WaitGroup
	conns := make([]*Connection, 6)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], _ = repo.Get(context.Background(), "alpha")
		}()
	}
	wg.Wait()

	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.EqualValues(t, 1, alpha.dials.Load())
}

func TestRepository_GetManyToleratesFailures(t *testing.T) {
	alpha := newTestServer(t, "")
	beta := newTestServer(t, "")
	beta.failDials(&ConfigurationError{Server: "beta", Reason: "unreachable"})
	repo := newTestRepository(t, serverSet{"alpha": alpha, "beta": beta})

	conns := repo.GetAll(context.Background())
	assert.Len(t, conns, 1)
	assert.Contains(t, conns, "alpha")
	assert.Equal(t, []string{"alpha", "beta"}, repo.Names())
}

func TestRepository_Disconnect(t *testing.T) {
	alpha := newTestServer(t, "")
	beta := newTestServer(t, "")
	repo := newTestRepository(t, serverSet{"alpha": alpha, "beta": beta})

	conns := repo.GetAll(context.Background())
	require.Len(t, conns, 2)

	require.NoError(t, repo.Disconnect(context.Background(), "alpha"))
	assert.Equal(t, StateDisconnected, conns["alpha"].State())
	assert.NotContains(t, repo.Loaded(), "alpha")
	require.NoError(t, repo.Disconnect(context.Background(), "alpha"))

	require.NoError(t, repo.DisconnectAll(context.Background()))
	assert.Empty(t, repo.Loaded())
	assert.Equal(t, StateDisconnected, conns["beta"].State())
}

func TestRepository_GetExpandsEnvironment(t *testing.T) {
	var mu sync.Mutex
	var gotKey string
	srv := streamableServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotKey = r.Header.Get("X-Api-Key")
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	t.Setenv("MCPCONNECT_TEST_BASE", srv.URL)
	t.Setenv("MCPCONNECT_TEST_KEY", "secret")

	servers := map[string]*ServerConfig{
		"remote": {
			URL:     "${MCPCONNECT_TEST_BASE}/mcp",
			Type:    "http",
			Headers: map[string]string{"X-Api-Key": "${MCPCONNECT_TEST_KEY}"},
		},
	}
	require.NoError(t, ResolveServers(servers))
	repo := NewRepository(servers, NewFactory(nil, nil, nil, ConnectionOptions{}))
	t.Cleanup(func() { _ = repo.DisconnectAll(context.Background()) })

	conn, err := repo.Get(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/mcp", conn.Config().URL)

	_, err = conn.CallTool(context.Background(), "echo", map[string]any{"text": "hi"}, 0)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, "secret", gotKey)
	mu.Unlock()

	// The shared configuration keeps its references.
	assert.Equal(t, "${MCPCONNECT_TEST_BASE}/mcp", servers["remote"].URL)
}
