package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// MCPProtocolVersion is sent on discovery requests.
const MCPProtocolVersion = "2025-06-18"

const maxMetadataSize = 1 << 20

// DiscoverMetadata locates the authorization server for an MCP server.
// Protected resource metadata (RFC 9728) is consulted first and failures
// there are ignored; the server URL itself is the fallback authorization
// server. Authorization server metadata (RFC 8414, then OpenID Connect
// discovery) must resolve or an error is returned.
func (h *Handler) DiscoverMetadata(ctx context.Context, serverURL string) (*Discovery, error) {
	d := &Discovery{AuthServerURL: serverURL}

	prm, err := h.fetchResourceMetadata(ctx, serverURL)
	if err == nil {
		err = validateResourceMetadata(prm)
	}
	if err == nil {
		d.ResourceMetadata = prm
		if len(prm.AuthorizationServers) > 0 {
			d.AuthServerURL = prm.AuthorizationServers[0]
		}
	} else {
		debug.Log("oauth", "protected resource metadata unavailable", "server_url", serverURL, "error", err)
	}

	md, err := h.fetchAuthServerMetadata(ctx, d.AuthServerURL)
	if err == nil {
		err = validateAuthServerMetadata(md)
	}
	if err != nil {
		h.record("discover", err)
		return nil, fmt.Errorf("discovering authorization server metadata for %s: %w", d.AuthServerURL, err)
	}
	d.Metadata = md
	h.record("discover", nil)
	debug.Log("oauth", "discovered authorization server",
		"server_url", serverURL, "issuer", md.Issuer, "token_endpoint", md.TokenEndpoint)
	return d, nil
}

// checkEndpointURL accepts empty values and absolute http(s) URLs. The
// authorization endpoint ends up in a browser, so javascript:, data: and
// similar schemes must never pass.
func checkEndpointURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	}
	return fmt.Errorf("%s: %w %q", field, ErrUnsafeURL, u.Scheme)
}

func validateAuthServerMetadata(md *AuthServerMetadata) error {
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint or token_endpoint")
	}
	for _, f := range []struct{ name, value string }{
		{"authorization_endpoint", md.AuthorizationEndpoint},
		{"token_endpoint", md.TokenEndpoint},
		{"registration_endpoint", md.RegistrationEndpoint},
		{"revocation_endpoint", md.RevocationEndpoint},
	} {
		if err := checkEndpointURL(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func validateResourceMetadata(prm *ResourceMetadata) error {
	for i, as := range prm.AuthorizationServers {
		if err := checkEndpointURL(fmt.Sprintf("authorization_servers[%d]", i), as); err != nil {
			return err
		}
	}
	return nil
}

// origin returns scheme://host of raw, or raw unchanged when unparsable.
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	return u.Scheme + "://" + u.Host
}
