//go:build mcp_go_client_oauth

package oauth

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/oauthex"
)

// Builds with the mcp_go_client_oauth tag discover metadata and register
// clients through the SDK. oauthex insists on HTTPS resource metadata and
// a matching issuer, so servers that fail those checks fall back to the
// server URL as authorization server.

func (h *Handler) fetchResourceMetadata(ctx context.Context, serverURL string) (*ResourceMetadata, error) {
	return oauthex.GetProtectedResourceMetadataFromID(ctx, serverURL, h.client)
}

func (h *Handler) challengeResourceMetadata(ctx context.Context, serverURL string, header http.Header) (*ResourceMetadata, error) {
	prm, err := oauthex.GetProtectedResourceMetadataFromHeader(ctx, serverURL, header, h.client)
	if err != nil {
		return nil, err
	}
	if prm == nil {
		return nil, errNoChallengeMetadata
	}
	return prm, nil
}

func (h *Handler) fetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	asm, err := oauthex.GetAuthServerMeta(ctx, issuer, h.client)
	if err != nil {
		return nil, err
	}
	return &AuthServerMetadata{
		Issuer:                        asm.Issuer,
		AuthorizationEndpoint:         asm.AuthorizationEndpoint,
		TokenEndpoint:                 asm.TokenEndpoint,
		RegistrationEndpoint:          asm.RegistrationEndpoint,
		RevocationEndpoint:            asm.RevocationEndpoint,
		RevocationEndpointAuthMethods: asm.RevocationEndpointAuthMethodsSupported,
		ScopesSupported:               asm.ScopesSupported,
		ResponseTypesSupported:        asm.ResponseTypesSupported,
		GrantTypesSupported:           asm.GrantTypesSupported,
		TokenEndpointAuthMethods:      asm.TokenEndpointAuthMethodsSupported,
		CodeChallengeMethodsSupported: asm.CodeChallengeMethodsSupported,
	}, nil
}

func (h *Handler) submitRegistration(ctx context.Context, endpoint string, req registrationRequest) (*ClientInfo, error) {
	resp, err := oauthex.RegisterClient(ctx, endpoint, &oauthex.ClientRegistrationMetadata{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	}, h.client)
	if err != nil {
		return nil, err
	}
	info := &ClientInfo{
		ClientID:                resp.ClientID,
		ClientSecret:            resp.ClientSecret,
		RedirectURIs:            resp.RedirectURIs,
		Scope:                   resp.Scope,
		GrantTypes:              resp.GrantTypes,
		TokenEndpointAuthMethod: resp.TokenEndpointAuthMethod,
	}
	if !resp.ClientIDIssuedAt.IsZero() {
		info.ClientIDIssuedAt = resp.ClientIDIssuedAt.Unix()
	}
	if !resp.ClientSecretExpiresAt.IsZero() {
		info.ClientSecretExpiresAt = resp.ClientSecretExpiresAt.Unix()
	}
	return info, nil
}
