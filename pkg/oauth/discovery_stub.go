//go:build !mcp_go_client_oauth

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// This file fetches metadata and registers clients directly over HTTP.
// Builds with the mcp_go_client_oauth tag use the SDK's oauthex package
// instead.

// fetchResourceMetadata tries the path-aware well-known location first,
// then the root location.
func (h *Handler) fetchResourceMetadata(ctx context.Context, serverURL string) (*ResourceMetadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	return h.fetchResourceMetadataFrom(ctx, wellKnownURLs(u, "oauth-protected-resource", false))
}

// challengeResourceMetadata follows the resource_metadata parameter of a
// Bearer challenge in header.
func (h *Handler) challengeResourceMetadata(ctx context.Context, serverURL string, header http.Header) (*ResourceMetadata, error) {
	target := ParseResourceMetadataURL(header.Values("WWW-Authenticate"))
	if target == "" {
		return nil, errNoChallengeMetadata
	}
	abs, err := resolveRef(serverURL, target)
	if err != nil {
		return nil, err
	}
	return h.fetchResourceMetadataFrom(ctx, []string{abs})
}

func (h *Handler) fetchResourceMetadataFrom(ctx context.Context, candidates []string) (*ResourceMetadata, error) {
	var lastErr error
	for _, candidate := range candidates {
		var prm ResourceMetadata
		if err := h.getJSON(ctx, candidate, &prm); err != nil {
			lastErr = err
			continue
		}
		return &prm, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate URLs")
	}
	return nil, lastErr
}

func (h *Handler) fetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer URL: %w", err)
	}

	candidates := wellKnownURLs(u, "oauth-authorization-server", true)
	candidates = append(candidates, wellKnownURLs(u, "openid-configuration", true)...)

	var lastErr error
	for _, candidate := range candidates {
		var md AuthServerMetadata
		if err := h.getJSON(ctx, candidate, &md); err != nil {
			lastErr = err
			continue
		}
		if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
			lastErr = fmt.Errorf("%s: missing authorization_endpoint or token_endpoint", candidate)
			continue
		}
		return &md, nil
	}
	return nil, lastErr
}

// wellKnownURLs builds discovery URLs for name. For issuers with a path,
// the well-known segment is inserted before the path, and when suffix is
// set also appended after it.
func wellKnownURLs(u *url.URL, name string, suffix bool) []string {
	base := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")

	var out []string
	if path != "" {
		out = append(out, base+"/.well-known/"+name+path)
		if suffix {
			out = append(out, base+path+"/.well-known/"+name)
		}
	}
	return append(out, base+"/.well-known/"+name)
}

func (h *Handler) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("reading %s: %w", target, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing %s: %w", target, err)
	}
	return nil
}

// submitRegistration posts req to endpoint and decodes the registered
// client.
func (h *Handler) submitRegistration(ctx context.Context, endpoint string, req registrationRequest) (*ClientInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registration failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var info ClientInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	return &info, nil
}

func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
