package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/observability"
)

// CallbackPath is the path of the OAuth redirect endpoint.
const CallbackPath = "/oauth/callback"

// Handler runs the authorization code flow against MCP authorization
// servers. It keeps no per-flow state; pending flows live in a
// flow.Manager.
type Handler struct {
	client          *http.Client
	redirectBaseURL string
	clientName      string
	authErrFallback bool
	now             func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient sets the client used for all requests to authorization
// servers and MCP servers.
func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handler) { h.client = c }
}

// WithClientName sets the client_name used in dynamic registration.
func WithClientName(name string) HandlerOption {
	return func(h *Handler) { h.clientName = name }
}

// WithAuthErrorFallback makes DetectRequirement treat any 401 or 403
// response as an OAuth requirement even without discoverable metadata.
func WithAuthErrorFallback(enabled bool) HandlerOption {
	return func(h *Handler) { h.authErrFallback = enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler. redirectBaseURL is the externally
// reachable root of this service; the default redirect URI is
// redirectBaseURL + CallbackPath.
func NewHandler(redirectBaseURL string, opts ...HandlerOption) *Handler {
	h := &Handler{
		client:          &http.Client{Timeout: 30 * time.Second},
		redirectBaseURL: strings.TrimSuffix(redirectBaseURL, "/"),
		clientName:      "mcpconnect",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RedirectURI returns the default redirect URI.
func (h *Handler) RedirectURI() string {
	return h.redirectBaseURL + CallbackPath
}

// InitiateFlow prepares an authorization request for userID on serverName.
// Static settings in cfg skip discovery; otherwise the authorization
// server is discovered and, unless cfg names a client, a client is
// registered dynamically. The returned URL carries state = flow id, a
// PKCE S256 challenge and, when the resource advertises one, an RFC 8707
// resource parameter.
func (h *Handler) InitiateFlow(ctx context.Context, serverName, serverURL, userID string, cfg *ServerOAuth) (*FlowStart, error) {
	flowID := GenerateFlowID(userID, serverName)
	redirectURI := h.RedirectURI()
	if cfg != nil && cfg.RedirectURI != "" {
		redirectURI = cfg.RedirectURI
	}

	meta := &FlowMetadata{
		ServerName:   serverName,
		UserID:       userID,
		ServerURL:    serverURL,
		State:        flowID,
		CodeVerifier: oauth2.GenerateVerifier(),
		RedirectURI:  redirectURI,
	}

	if cfg.Static() {
		debug.Log("oauth", "using configured OAuth endpoints", "server", serverName)
		meta.Metadata = &AuthServerMetadata{
			Issuer:                        origin(cfg.AuthorizationURL),
			AuthorizationEndpoint:         cfg.AuthorizationURL,
			TokenEndpoint:                 cfg.TokenURL,
			RevocationEndpoint:            cfg.RevocationEndpoint,
			RevocationEndpointAuthMethods: cfg.RevocationEndpointAuthMethods,
			CodeChallengeMethodsSupported: []string{"S256"},
		}
		meta.ClientInfo = staticClient(cfg, redirectURI)
	} else {
		d, err := h.DiscoverMetadata(ctx, serverURL)
		if err != nil {
			h.record("initiate", err)
			return nil, err
		}
		meta.Metadata = d.Metadata
		meta.ResourceMetadata = d.ResourceMetadata
		if d.ResourceMetadata != nil {
			meta.Resource = d.ResourceMetadata.Resource
		}

		if cfg != nil && cfg.ClientID != "" {
			meta.ClientInfo = staticClient(cfg, redirectURI)
		} else {
			scope := ""
			if cfg != nil {
				scope = cfg.Scope
			}
			info, err := h.RegisterClient(ctx, d, redirectURI, scope)
			if err != nil {
				h.record("initiate", err)
				return nil, fmt.Errorf("registering OAuth client for %s: %w", serverName, err)
			}
			meta.ClientInfo = info
		}
	}

	if err := validateAuthServerMetadata(meta.Metadata); err != nil {
		h.record("initiate", err)
		return nil, fmt.Errorf("authorization server for %s: %w", serverName, err)
	}

	conf := oauthConfig(meta.Metadata, meta.ClientInfo, redirectURI)
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(meta.CodeVerifier)}
	if meta.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", meta.Resource))
	}
	authURL := conf.AuthCodeURL(flowID, opts...)
	meta.AuthorizationURL = authURL

	h.record("initiate", nil)
	debug.Log("oauth", "authorization flow initiated", "server", serverName, "user_id", userID, "flow_id", flowID)
	return &FlowStart{AuthorizationURL: authURL, FlowID: flowID, Metadata: meta}, nil
}

// CompleteFlow exchanges an authorization code for tokens using the PKCE
// verifier stored with the pending flow, then marks the flow completed
// (or failed) so waiters resume.
func (h *Handler) CompleteFlow(ctx context.Context, flowID, code string, flows *flow.Manager[*Tokens]) (*Tokens, error) {
	meta, err := h.GetFlowMetadata(ctx, flowID, flows)
	if err != nil {
		return nil, err
	}

	tokens, err := h.ExchangeCode(ctx, meta, code)
	if err != nil {
		failFlow(ctx, flows, flowID, err)
		return nil, err
	}
	if _, err := flows.CompleteFlow(ctx, flowID, FlowTypeOAuth, tokens); err != nil {
		return nil, fmt.Errorf("completing flow %s: %w", flowID, err)
	}
	debug.Log("oauth", "authorization flow completed", "server", meta.ServerName, "flow_id", flowID)
	return tokens, nil
}

// ExchangeCode trades an authorization code for tokens without touching
// the flow state.
func (h *Handler) ExchangeCode(ctx context.Context, meta *FlowMetadata, code string) (*Tokens, error) {
	conf := oauthConfig(meta.Metadata, meta.ClientInfo, meta.RedirectURI)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(meta.CodeVerifier)}
	if meta.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", meta.Resource))
	}

	tok, err := conf.Exchange(h.clientContext(ctx), code, opts...)
	h.record("exchange", err)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code for %s: %w", meta.ServerName, err)
	}
	return fromOAuth2(tok, h.now()), nil
}

func failFlow(ctx context.Context, flows *flow.Manager[*Tokens], flowID string, err error) {
	if _, ferr := flows.FailFlow(ctx, flowID, FlowTypeOAuth, err); ferr != nil {
		debug.Log("oauth", "marking flow failed", "flow_id", flowID, "error", ferr)
	}
}

// GetFlowMetadata returns the metadata stored with a pending flow.
func (h *Handler) GetFlowMetadata(ctx context.Context, flowID string, flows *flow.Manager[*Tokens]) (*FlowMetadata, error) {
	state, err := flows.GetFlowState(ctx, flowID, FlowTypeOAuth)
	if err != nil {
		return nil, fmt.Errorf("loading OAuth flow %s: %w", flowID, err)
	}
	var meta FlowMetadata
	if err := state.DecodeMetadata(&meta); err != nil {
		return nil, fmt.Errorf("decoding OAuth flow %s: %w", flowID, err)
	}
	if meta.ClientInfo == nil || meta.Metadata == nil || meta.CodeVerifier == "" {
		return nil, fmt.Errorf("OAuth flow %s is missing client information or code verifier", flowID)
	}
	return &meta, nil
}

// RefreshMetadata identifies where and as whom a refresh happens.
type RefreshMetadata struct {
	ServerName string
	ServerURL  string
	ClientInfo *ClientInfo
	Metadata   *AuthServerMetadata
}

// RefreshTokens performs a refresh_token grant. Stored client credentials
// are preferred, then static configuration, then fresh discovery for the
// token endpoint. The client authenticates with HTTP Basic when it has a
// secret, otherwise it sends client_id in the body.
func (h *Handler) RefreshTokens(ctx context.Context, refreshToken string, md RefreshMetadata, cfg *ServerOAuth) (*Tokens, error) {
	client, tokenURL, err := h.refreshTarget(ctx, md, cfg)
	if err != nil {
		h.record("refresh", err)
		return nil, &TokenRefreshError{ServerName: md.ServerName, Err: err}
	}

	conf := oauthConfig(&AuthServerMetadata{TokenEndpoint: tokenURL}, client, "")
	src := conf.TokenSource(h.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		h.record("refresh", err)
		rerr := &TokenRefreshError{ServerName: md.ServerName, Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			rerr.Code = re.ErrorCode
		}
		return nil, rerr
	}

	h.record("refresh", nil)
	debug.Log("oauth", "tokens refreshed", "server", md.ServerName)
	return fromOAuth2(tok, h.now()), nil
}

func (h *Handler) refreshTarget(ctx context.Context, md RefreshMetadata, cfg *ServerOAuth) (*ClientInfo, string, error) {
	if md.ClientInfo != nil && md.ClientInfo.ClientID != "" {
		switch {
		case cfg != nil && cfg.TokenURL != "":
			return md.ClientInfo, cfg.TokenURL, nil
		case md.Metadata != nil && md.Metadata.TokenEndpoint != "":
			return md.ClientInfo, md.Metadata.TokenEndpoint, nil
		}
		if md.ServerURL != "" {
			if d, err := h.DiscoverMetadata(ctx, md.ServerURL); err == nil {
				return md.ClientInfo, d.Metadata.TokenEndpoint, nil
			}
			return md.ClientInfo, origin(md.ServerURL) + "/token", nil
		}
		return nil, "", fmt.Errorf("no token endpoint known for %s", md.ServerName)
	}

	if cfg.Static() {
		return staticClient(cfg, ""), cfg.TokenURL, nil
	}

	if cfg != nil && cfg.ClientID != "" && md.ServerURL != "" {
		d, err := h.DiscoverMetadata(ctx, md.ServerURL)
		if err != nil {
			return nil, "", err
		}
		return staticClient(cfg, ""), d.Metadata.TokenEndpoint, nil
	}
	return nil, "", ErrNoClient
}

// RevokeMetadata identifies the revocation endpoint and client.
type RevokeMetadata struct {
	ServerURL          string
	ClientID           string
	ClientSecret       string
	RevocationEndpoint string
	AuthMethods        []string
}

// RevokeToken revokes token at the authorization server (RFC 7009).
// tokenTypeHint is "access_token" or "refresh_token". Without a known
// revocation endpoint, <server origin>/revoke is used.
func (h *Handler) RevokeToken(ctx context.Context, serverName, token, tokenTypeHint string, md RevokeMetadata) error {
	endpoint := md.RevocationEndpoint
	if endpoint == "" {
		endpoint = origin(md.ServerURL) + "/revoke"
	}

	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	useBasic := false
	switch {
	case md.ClientSecret != "" && (len(md.AuthMethods) == 0 || slices.Contains(md.AuthMethods, "client_secret_basic")):
		useBasic = true
	case md.ClientSecret != "" && slices.Contains(md.AuthMethods, "client_secret_post"):
		form.Set("client_id", md.ClientID)
		form.Set("client_secret", md.ClientSecret)
	default:
		form.Set("client_id", md.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if useBasic {
		req.SetBasicAuth(url.QueryEscape(md.ClientID), url.QueryEscape(md.ClientSecret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.record("revoke", err)
		return fmt.Errorf("revoking %s for %s: %w", tokenTypeHint, serverName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("revoking %s for %s: HTTP %d", tokenTypeHint, serverName, resp.StatusCode)
		h.record("revoke", err)
		return err
	}
	h.record("revoke", nil)
	debug.Log("oauth", "token revoked", "server", serverName, "type", tokenTypeHint)
	return nil
}

func (h *Handler) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, h.client)
}

func (h *Handler) record(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.OAuthOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func staticClient(cfg *ServerOAuth, redirectURI string) *ClientInfo {
	info := &ClientInfo{
		ClientID:                cfg.ClientID,
		ClientSecret:            cfg.ClientSecret,
		Scope:                   cfg.Scope,
		TokenEndpointAuthMethod: cfg.TokenEndpointAuthMethod,
	}
	if redirectURI != "" {
		info.RedirectURIs = []string{redirectURI}
	}
	return info
}

// oauthConfig builds an oauth2.Config. Clients with a secret authenticate
// with HTTP Basic unless registered for client_secret_post; public
// clients send client_id in the form body.
func oauthConfig(md *AuthServerMetadata, client *ClientInfo, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if client.ClientSecret != "" && client.TokenEndpointAuthMethod != "client_secret_post" {
		style = oauth2.AuthStyleInHeader
	}
	var scopes []string
	if client.Scope != "" {
		scopes = strings.Fields(client.Scope)
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: style,
		},
	}
}
