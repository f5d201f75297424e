package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// ClientCredentialsEarlyExpiry is how long before expiry a cached client
// credentials token is replaced.
const ClientCredentialsEarlyExpiry = 30 * time.Second

// ClientCredentialsSource returns a token source for a server authorized
// with the client credentials grant. Tokens are cached and renewed
// shortly before they expire.
func (h *Handler) ClientCredentialsSource(ctx context.Context, serverName string, cfg *ServerOAuth) (oauth2.TokenSource, error) {
	if !cfg.ClientCredentials() {
		return nil, fmt.Errorf("server %s is not configured for client credentials", serverName)
	}
	style := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" && cfg.TokenEndpointAuthMethod != "client_secret_post" {
		style = oauth2.AuthStyleInHeader
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       strings.Fields(cfg.Scope),
		AuthStyle:    style,
	}
	src := &clientCredentialsSource{
		conf:   cc,
		ctx:    h.clientContext(context.WithoutCancel(ctx)),
		server: serverName,
		h:      h,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, ClientCredentialsEarlyExpiry), nil
}

// clientCredentialsSource requests a new token on every call; caching is
// left to the wrapping reuse source.
type clientCredentialsSource struct {
	conf   *clientcredentials.Config
	ctx    context.Context
	server string
	h      *Handler
}

func (s *clientCredentialsSource) Token() (*oauth2.Token, error) {
	tok, err := s.conf.Token(s.ctx)
	s.h.record("client_credentials", err)
	if err != nil {
		return nil, fmt.Errorf("client credentials token for %s: %w", s.server, err)
	}
	debug.Log("oauth", "client credentials token issued", "server", s.server, "expiry", tok.Expiry)
	return tok, nil
}
