package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// fakeAuthServer is an MCP resource and authorization server in one.
type fakeAuthServer struct {
	*httptest.Server

	mu            sync.Mutex
	registrations []registrationRequest
	tokenForms    []url.Values
	tokenAuth     []string
	revoked       []url.Values
	revokeAuth    []string

	// tokenStatus and tokenError make the token endpoint fail.
	tokenStatus int
	tokenError  string

	noPRM          bool
	noRegistration bool
	refreshToken   string
	expiresIn      int

	// authorizationEndpoint and authServers replace the advertised values.
	authorizationEndpoint string
	authServers           []string
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{refreshToken: "rt-1", expiresIn: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/", f.handlePRM)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", f.handlePRM)
	mux.HandleFunc("GET /prm", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ResourceMetadata{Resource: f.URL + "/mcp", AuthorizationServers: []string{f.URL}})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", f.handleASMetadata)
	mux.HandleFunc("POST /register", f.handleRegister)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("POST /revoke", f.handleRevoke)
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", resource_metadata="/prm"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAuthServer) handlePRM(w http.ResponseWriter, r *http.Request) {
	if f.noPRM {
		http.NotFound(w, r)
		return
	}
	servers := []string{f.URL}
	if f.authServers != nil {
		servers = f.authServers
	}
	writeJSON(w, ResourceMetadata{
		Resource:             f.URL + "/mcp",
		AuthorizationServers: servers,
		ScopesSupported:      []string{"read", "write"},
	})
}

func (f *fakeAuthServer) handleASMetadata(w http.ResponseWriter, _ *http.Request) {
	md := AuthServerMetadata{
		Issuer:                        f.URL,
		AuthorizationEndpoint:         f.URL + "/authorize",
		TokenEndpoint:                 f.URL + "/token",
		RevocationEndpoint:            f.URL + "/revoke",
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethods:      []string{"client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
	if !f.noRegistration {
		md.RegistrationEndpoint = f.URL + "/register"
	}
	if f.authorizationEndpoint != "" {
		md.AuthorizationEndpoint = f.authorizationEndpoint
	}
	writeJSON(w, md)
}

func (f *fakeAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.registrations = append(f.registrations, req)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ClientInfo{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURIs: req.RedirectURIs,
	})
}

func (f *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.tokenForms = append(f.tokenForms, r.PostForm)
	f.tokenAuth = append(f.tokenAuth, r.Header.Get("Authorization"))
	status, code := f.tokenStatus, f.tokenError
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
		return
	}

	resp := map[string]any{
		"access_token": "at-" + r.PostForm.Get("grant_type"),
		"token_type":   "Bearer",
		"expires_in":   f.expiresIn,
		"scope":        "read",
	}
	if f.refreshToken != "" {
		resp["refresh_token"] = f.refreshToken
	}
	writeJSON(w, resp)
}

func (f *fakeAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, r.PostForm)
	f.revokeAuth = append(f.revokeAuth, r.Header.Get("Authorization"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeAuthServer) lastTokenForm() (url.Values, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenForms) == 0 {
		return nil, ""
	}
	n := len(f.tokenForms) - 1
	return f.tokenForms[n], f.tokenAuth[n]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAuthServer) registered() []registrationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registrationRequest(nil), f.registrations...)
}

func (f *fakeAuthServer) revocations() ([]url.Values, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.revoked...), append([]string(nil), f.revokeAuth...)
}

func (f *fakeAuthServer) tokenRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenForms)
}
