package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// Detection methods reported by DetectRequirement.
const (
	DetectedByResourceMetadata = "protected-resource-metadata"
	DetectedByChallenge        = "401-challenge-metadata"
	DetectedNoMetadata         = "no-metadata-found"
)

// Detection is the result of DetectRequirement.
type Detection struct {
	RequiresOAuth    bool
	Method           string
	ResourceMetadata *ResourceMetadata
}

// detectBody is the JSON-RPC request sent unauthenticated. Servers that
// answer only POST reject it with their 401 before looking at it.
const detectBody = `{"jsonrpc":"2.0","id":0,"method":"ping"}`

var errNoChallengeMetadata = errors.New("no resource_metadata in challenge")

var resourceMetadataParam = regexp.MustCompile(`(?i)resource_metadata\s*=\s*"([^"]+)"`)

// DetectRequirement checks serverURL to find out whether it needs OAuth.
// Protected resource metadata naming an authorization server is
// conclusive. Otherwise an unauthenticated POST is sent and a
// 401/403 challenge carrying resource_metadata is followed. With the auth
// error fallback enabled, a bare 401/403 also counts.
func (h *Handler) DetectRequirement(ctx context.Context, serverURL string) (*Detection, error) {
	if prm, err := h.fetchResourceMetadata(ctx, serverURL); err == nil && usableResourceMetadata(prm) {
		debug.Log("oauth", "OAuth required by resource metadata", "server_url", serverURL)
		return &Detection{RequiresOAuth: true, Method: DetectedByResourceMetadata, ResourceMetadata: prm}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(detectBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		debug.Log("oauth", "OAuth detection request failed", "server_url", serverURL, "error", err)
		return &Detection{Method: DetectedNoMetadata}, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return &Detection{Method: DetectedNoMetadata}, nil
	}

	prm, err := h.challengeResourceMetadata(ctx, serverURL, resp.Header)
	if err == nil && usableResourceMetadata(prm) {
		debug.Log("oauth", "OAuth required by challenge", "server_url", serverURL)
		return &Detection{RequiresOAuth: true, Method: DetectedByChallenge, ResourceMetadata: prm}, nil
	}
	if err != nil && !errors.Is(err, errNoChallengeMetadata) {
		debug.Log("oauth", "following challenge metadata", "server_url", serverURL, "error", err)
	}

	return &Detection{RequiresOAuth: h.authErrFallback, Method: DetectedNoMetadata}, nil
}

// ParseResourceMetadataURL returns the resource_metadata parameter of the
// first Bearer challenge that carries one.
func ParseResourceMetadataURL(challenges []string) string {
	for _, v := range challenges {
		if !strings.Contains(strings.ToLower(v), "bearer") {
			continue
		}
		if m := resourceMetadataParam.FindStringSubmatch(v); m != nil {
			return m[1]
		}
	}
	return ""
}

// usableResourceMetadata reports whether prm names at least one
// authorization server and every named server is safe to contact.
func usableResourceMetadata(prm *ResourceMetadata) bool {
	return len(prm.AuthorizationServers) > 0 && validateResourceMetadata(prm) == nil
}
