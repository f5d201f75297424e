//go:build mcp_go_client_oauth

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTLSAuthServer serves resource and authorization server metadata over
// TLS, which oauthex requires for resource metadata.
func newTLSAuthServer(t *testing.T, authorizationEndpoint string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ResourceMetadata{Resource: srv.URL + "/mcp", AuthorizationServers: []string{srv.URL}})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		endpoint := authorizationEndpoint
		if endpoint == "" {
			endpoint = srv.URL + "/authorize"
		}
		writeJSON(w, map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                endpoint,
			"token_endpoint":                        srv.URL + "/token",
			"registration_endpoint":                 srv.URL + "/register",
			"code_challenge_methods_supported":      []string{"S256"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
		})
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req registrationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":                  "client-1",
			"client_secret":              "secret-1",
			"redirect_uris":              req.RedirectURIs,
			"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
		})
	})
	srv = httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverMetadata_SDKDiscovery(t *testing.T) {
	srv := newTLSAuthServer(t, "")
	h := NewHandler("https://app.example.com", WithHTTPClient(srv.Client()))
	ctx := context.Background()

	d, err := h.DiscoverMetadata(ctx, srv.URL+"/mcp")
	require.NoError(t, err)
	require.NotNil(t, d.ResourceMetadata)
	assert.Equal(t, srv.URL, d.AuthServerURL)
	assert.Equal(t, []string{"client_secret_post"}, d.Metadata.TokenEndpointAuthMethods)

	info, err := h.RegisterClient(ctx, d, h.RedirectURI(), "")
	require.NoError(t, err)
	assert.Equal(t, "client-1", info.ClientID)
	assert.Equal(t, "client_secret_post", info.TokenEndpointAuthMethod)
	assert.Equal(t, []string{h.RedirectURI()}, info.RedirectURIs)
}

func TestDiscoverMetadata_SDKRejectsScriptEndpoint(t *testing.T) {
	srv := newTLSAuthServer(t, "javascript:alert(1)")
	h := NewHandler("https://app.example.com", WithHTTPClient(srv.Client()))

	_, err := h.DiscoverMetadata(context.Background(), srv.URL+"/mcp")
	require.Error(t, err)
}
