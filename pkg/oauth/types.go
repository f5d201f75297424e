// Package oauth implements the OAuth 2.0 authorization code flow used to
// reach MCP servers that require user authorization: metadata discovery,
// dynamic client registration, PKCE, code exchange, refresh and
// revocation, plus encrypted persistence of the resulting tokens.
package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"golang.org/x/oauth2"
)

// Flow types tracked by the flow manager.
const (
	FlowTypeOAuth     = "mcp_oauth"
	FlowTypeGetTokens = "mcp_get_tokens"
)

// ServerOAuth holds static OAuth settings from a server's configuration.
// When AuthorizationURL, TokenURL and ClientID are all set, discovery and
// dynamic registration are skipped.
type ServerOAuth struct {
	AuthorizationURL string `yaml:"authorization_url" json:"authorization_url,omitempty"`
	TokenURL         string `yaml:"token_url" json:"token_url,omitempty"`
	ClientID         string `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret     string `yaml:"client_secret" json:"client_secret,omitempty"`
	Scope            string `yaml:"scope" json:"scope,omitempty"`
	RedirectURI      string `yaml:"redirect_uri" json:"redirect_uri,omitempty"`

	// GrantType is authorization_code (default) or client_credentials.
	// Client credentials authorize the deployment itself, so the server
	// can be used by app connections.
	GrantType string `yaml:"grant_type" json:"grant_type,omitempty"`

	// TokenEndpointAuthMethod is client_secret_basic (default with a
	// secret), client_secret_post or none.
	TokenEndpointAuthMethod string `yaml:"token_endpoint_auth_method" json:"token_endpoint_auth_method,omitempty"`

	RevocationEndpoint            string   `yaml:"revocation_endpoint" json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethods []string `yaml:"revocation_endpoint_auth_methods" json:"revocation_endpoint_auth_methods,omitempty"`
}

// Static reports whether the settings fully describe the authorization
// server and client.
func (c *ServerOAuth) Static() bool {
	return c != nil && c.AuthorizationURL != "" && c.TokenURL != "" && c.ClientID != ""
}

// ClientCredentials reports whether the server is authorized with the
// client credentials grant.
func (c *ServerOAuth) ClientCredentials() bool {
	return c != nil && c.GrantType == "client_credentials" && c.TokenURL != "" && c.ClientID != ""
}

// AuthServerMetadata is OAuth 2.0 Authorization Server Metadata (RFC 8414).
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethods []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ResourceMetadata is OAuth 2.0 Protected Resource Metadata (RFC 9728).
type ResourceMetadata = oauthex.ProtectedResourceMetadata

// Discovery is the result of DiscoverMetadata.
type Discovery struct {
	AuthServerURL    string
	Metadata         *AuthServerMetadata
	ResourceMetadata *ResourceMetadata
}

// ClientInfo is a registered (or statically configured) OAuth client.
type ClientInfo struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
}

// FlowMetadata is stored with a pending authorization flow so the callback
// can finish the code exchange.
type FlowMetadata struct {
	ServerName       string              `json:"serverName"`
	UserID           string              `json:"userId"`
	ServerURL        string              `json:"serverUrl"`
	State            string              `json:"state"`
	CodeVerifier     string              `json:"codeVerifier"`
	RedirectURI      string              `json:"redirectUri"`
	Resource         string              `json:"resource,omitempty"`
	AuthorizationURL string              `json:"authorizationUrl,omitempty"`
	ClientInfo       *ClientInfo         `json:"clientInfo"`
	Metadata         *AuthServerMetadata `json:"metadata"`
	ResourceMetadata *ResourceMetadata   `json:"resourceMetadata,omitempty"`
}

// FlowStart is returned by InitiateFlow.
type FlowStart struct {
	AuthorizationURL string
	FlowID           string
	Metadata         *FlowMetadata
}

// Tokens are OAuth tokens with absolute timestamps in Unix milliseconds.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ObtainedAt   int64  `json:"obtained_at,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// UnmarshalJSON accepts numeric fields encoded as numbers or strings.
// Values that are neither decode as zero so they are recomputed later.
func (t *Tokens) UnmarshalJSON(data []byte) error {
	var raw struct {
		AccessToken  string          `json:"access_token"`
		TokenType    string          `json:"token_type"`
		RefreshToken string          `json:"refresh_token"`
		Scope        string          `json:"scope"`
		ExpiresIn    json.RawMessage `json:"expires_in"`
		ObtainedAt   json.RawMessage `json:"obtained_at"`
		ExpiresAt    json.RawMessage `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Tokens{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		RefreshToken: raw.RefreshToken,
		Scope:        raw.Scope,
		ExpiresIn:    lenientInt(raw.ExpiresIn),
		ObtainedAt:   lenientInt(raw.ObtainedAt),
		ExpiresAt:    lenientInt(raw.ExpiresAt),
	}
	return nil
}

func lenientInt(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Expiry returns ExpiresAt as a time, or the zero time when unknown.
func (t *Tokens) Expiry() time.Time {
	if t.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiresAt)
}

// NormalizeTokens stamps tokens received at now: ObtainedAt becomes now
// and ExpiresAt is recomputed from ExpiresIn, or ExpiresIn from ExpiresAt
// when only the absolute time is known.
func NormalizeTokens(t *Tokens, now time.Time) *Tokens {
	out := *t
	out.ObtainedAt = now.UnixMilli()
	switch {
	case out.ExpiresIn > 0:
		out.ExpiresAt = out.ObtainedAt + out.ExpiresIn*1000
	case out.ExpiresAt > 0:
		out.ExpiresIn = (out.ExpiresAt - out.ObtainedAt) / 1000
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}
	return &out
}

// fromOAuth2 converts a token returned by golang.org/x/oauth2.
func fromOAuth2(tok *oauth2.Token, now time.Time) *Tokens {
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if t.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		t.ExpiresIn = int64(tok.Expiry.Sub(now) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return NormalizeTokens(t, now)
}

// GenerateFlowID returns the deterministic flow id for a user and server,
// so concurrent authorizations for the same pair share one flow.
func GenerateFlowID(userID, serverName string) string {
	return userID + ":" + serverName
}

// ParseFlowID splits a flow id into user id and server name. Server names
// never contain ':' but user ids may.
func ParseFlowID(flowID string) (userID, serverName string, err error) {
	i := strings.LastIndex(flowID, ":")
	if i <= 0 || i == len(flowID)-1 {
		return "", "", fmt.Errorf("invalid flow id %q", flowID)
	}
	return flowID[:i], flowID[i+1:], nil
}
