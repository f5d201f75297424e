package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/kv"
	"github.com/rhuss/mcpconnect/pkg/oauth"
	"github.com/rhuss/mcpconnect/pkg/storage/memory"
	"github.com/rhuss/mcpconnect/pkg/tokencrypto"
)

// protectedServer is a streamable HTTP MCP server at /mcp that requires a
// bearer token, together with the authorization server issuing it.
type protectedServer struct {
	*httptest.Server

	accessToken string

	mu      sync.Mutex
	calls   map[string]int
	issued  int
	revoked []string
}

func newProtectedServer(t *testing.T) *protectedServer {
	t.Helper()
	p := &protectedServer{accessToken: "user-token", calls: make(map[string]int)}

	server := mcp.NewServer(&mcp.Implementation{Name: "secure", Version: "1.0.0"}, nil)
	server.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			p.mu.Lock()
			p.calls[method]++
			p.mu.Unlock()
			return next(ctx, method, req)
		}
	})
	addTestTools(server)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", requireBearer(p.accessToken)(mcpHandler))
	prm := func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, oauth.ResourceMetadata{
			Resource:             p.URL + "/mcp",
			AuthorizationServers: []string{p.URL},
		})
	}
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", prm)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", prm)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, oauth.AuthServerMetadata{
			Issuer:                        p.URL,
			AuthorizationEndpoint:         p.URL + "/authorize",
			TokenEndpoint:                 p.URL + "/token",
			RegistrationEndpoint:          p.URL + "/register",
			RevocationEndpoint:            p.URL + "/revoke",
			GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
			TokenEndpointAuthMethods:      []string{"client_secret_post"},
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RedirectURIs []string `json:"redirect_uris"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(oauth.ClientInfo{
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			RedirectURIs: req.RedirectURIs,
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		p.issued++
		p.mu.Unlock()
		writeTestJSON(w, map[string]any{
			"access_token":  p.accessToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		})
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.revoked = append(p.revoked, r.PostForm.Get("token_type_hint"))
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *protectedServer) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *protectedServer) tokensIssued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued
}

func (p *protectedServer) revocations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

func (p *protectedServer) config(name string) *ServerConfig {
	return &ServerConfig{Name: name, URL: p.URL + "/mcp", Type: "http"}
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// oauthDeps wires the OAuth collaborators over in-memory stores.
type oauthDeps struct {
	handler  *oauth.Handler
	tokens   *oauth.TokenStorage
	flows    *flow.Manager[*oauth.Tokens]
	callback *oauth.Callback
}

func newOAuthDeps(t *testing.T) oauthDeps {
	t.Helper()
	store := kv.NewMemory(0)
	t.Cleanup(func() { store.Close() })
	flows := flow.NewManager[*oauth.Tokens](store,
		flow.WithTTL(10*time.Second),
		flow.WithPollInterval(20*time.Millisecond),
		flow.WithGraceDelay(5*time.Millisecond),
	)
	cipher, err := tokencrypto.New(bytes.Repeat([]byte{7}, tokencrypto.KeySize), tokencrypto.V4)
	require.NoError(t, err)
	tokens := oauth.NewTokenStorage(memory.New(0), cipher)
	handler := oauth.NewHandler("http://localhost:8080")
	return oauthDeps{
		handler:  handler,
		tokens:   tokens,
		flows:    flows,
		callback: &oauth.Callback{Handler: handler, Storage: tokens, Flows: flows},
	}
}

// authorizer plays the user: it follows every authorization URL by
// completing the callback with a code.
type authorizer struct {
	t    *testing.T
	deps oauthDeps

	mu   sync.Mutex
	urls []string
}

func (a *authorizer) start(_ context.Context, authorizationURL string) error {
	a.mu.Lock()
	a.urls = append(a.urls, authorizationURL)
	a.mu.Unlock()

	u, err := url.Parse(authorizationURL)
	if err != nil {
		return err
	}
	state := u.Query().Get("state")
	go func() {
		if _, err := a.deps.callback.Complete(context.Background(), state, "code-1"); err != nil {
			a.t.Errorf("completing callback: %v", err)
		}
	}()
	return nil
}

func (a *authorizer) started() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}
