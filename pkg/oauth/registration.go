package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient performs dynamic client registration (RFC 7591). It asks
// for the authorization_code grant plus refresh_token when advertised, and
// picks client_secret_basic, then client_secret_post, then none, then the
// first advertised authentication method.
func (h *Handler) RegisterClient(ctx context.Context, d *Discovery, redirectURI, scope string) (*ClientInfo, error) {
	md := d.Metadata
	if md == nil || md.RegistrationEndpoint == "" {
		return nil, ErrNoRegistration
	}
	if err := checkEndpointURL("registration_endpoint", md.RegistrationEndpoint); err != nil {
		return nil, err
	}

	req := registrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              h.clientName,
		GrantTypes:              selectGrantTypes(md.GrantTypesSupported),
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: selectAuthMethod(md.TokenEndpointAuthMethods),
		Scope:                   selectScope(scope, d),
	}

	info, err := h.submitRegistration(ctx, md.RegistrationEndpoint, req)
	if err == nil && info.ClientID == "" {
		err = errors.New("registration response missing client_id")
	}
	if err == nil {
		err = validateRedirectURIs(info.RedirectURIs)
	}
	if err != nil {
		h.record("register", err)
		return nil, err
	}
	if len(info.RedirectURIs) == 0 {
		info.RedirectURIs = req.RedirectURIs
	}
	if info.TokenEndpointAuthMethod == "" {
		info.TokenEndpointAuthMethod = req.TokenEndpointAuthMethod
	}
	if info.Scope == "" {
		info.Scope = req.Scope
	}
	if len(info.GrantTypes) == 0 {
		info.GrantTypes = req.GrantTypes
	}

	h.record("register", nil)
	debug.Log("oauth", "registered client", "endpoint", md.RegistrationEndpoint, "client_id", info.ClientID,
		"auth_method", info.TokenEndpointAuthMethod)
	return info, nil
}

// validateRedirectURIs rejects script-capable schemes in the redirect
// URIs the server registered. Custom schemes of native clients pass.
func validateRedirectURIs(uris []string) error {
	for i, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("redirect_uris[%d]: %w", i, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "javascript", "data", "vbscript":
			return fmt.Errorf("redirect_uris[%d]: %w %q", i, ErrUnsafeURL, u.Scheme)
		}
	}
	return nil
}

func selectGrantTypes(supported []string) []string {
	grants := []string{"authorization_code"}
	if len(supported) == 0 || slices.Contains(supported, "refresh_token") {
		grants = append(grants, "refresh_token")
	}
	return grants
}

func selectAuthMethod(supported []string) string {
	if len(supported) == 0 {
		// RFC 8414 default.
		return "client_secret_basic"
	}
	for _, m := range []string{"client_secret_basic", "client_secret_post", "none"} {
		if slices.Contains(supported, m) {
			return m
		}
	}
	return supported[0]
}

func selectScope(requested string, d *Discovery) string {
	if requested != "" {
		return requested
	}
	if d.ResourceMetadata != nil && len(d.ResourceMetadata.ScopesSupported) > 0 {
		return strings.Join(d.ResourceMetadata.ScopesSupported, " ")
	}
	if d.Metadata != nil && len(d.Metadata.ScopesSupported) > 0 {
		return strings.Join(d.Metadata.ScopesSupported, " ")
	}
	return ""
}
