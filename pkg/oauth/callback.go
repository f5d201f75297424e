package oauth

import (
	"context"
	"fmt"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/flow"
)

// Callback finishes authorization flows when the user returns from the
// authorization server.
type Callback struct {
	Handler *Handler
	Storage *TokenStorage
	Flows   *flow.Manager[*Tokens]
}

// Complete exchanges code for the flow identified by state, persists the
// tokens together with the client registration and then completes the
// flow, so waiting connections find the tokens already stored.
func (c *Callback) Complete(ctx context.Context, state, code string) (*FlowMetadata, error) {
	meta, err := c.Handler.GetFlowMetadata(ctx, state, c.Flows)
	if err != nil {
		return nil, err
	}

	tokens, err := c.Handler.ExchangeCode(ctx, meta, code)
	if err != nil {
		failFlow(ctx, c.Flows, state, err)
		return meta, err
	}

	if c.Storage != nil {
		err := c.Storage.StoreTokens(ctx, StoreParams{
			UserID:     meta.UserID,
			ServerName: meta.ServerName,
			Tokens:     tokens,
			ClientInfo: meta.ClientInfo,
			Metadata:   meta.Metadata,
		})
		if err != nil {
			err = fmt.Errorf("persisting tokens for %s: %w", meta.ServerName, err)
			failFlow(ctx, c.Flows, state, err)
			return meta, err
		}
	}

	if _, err := c.Flows.CompleteFlow(ctx, state, FlowTypeOAuth, tokens); err != nil {
		return meta, fmt.Errorf("completing flow %s: %w", state, err)
	}
	debug.Log("oauth", "authorization callback completed", "server", meta.ServerName, "user_id", meta.UserID)
	return meta, nil
}
