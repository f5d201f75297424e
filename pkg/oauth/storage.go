package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/storage"
	"github.com/rhuss/mcpconnect/pkg/tokencrypto"
)

// Record types written by TokenStorage.
const (
	RecordAccess  = "mcp_oauth"
	RecordRefresh = "mcp_oauth_refresh"
	RecordClient  = "mcp_oauth_client"
)

// DefaultTokenLifetime applies when a token carries no usable expiry.
const DefaultTokenLifetime = 365 * 24 * time.Hour

// Identifier returns the base record identifier for a server.
func Identifier(serverName string) string {
	return "mcp:" + serverName
}

// RefreshFunc refreshes tokens. Handler.RefreshTokens bound to a server's
// static settings is the usual implementation.
type RefreshFunc func(ctx context.Context, refreshToken string, md RefreshMetadata) (*Tokens, error)

// TokenStorage persists OAuth tokens and client registrations encrypted
// in a storage.TokenStore.
type TokenStorage struct {
	store  storage.TokenStore
	cipher *tokencrypto.Cipher
	now    func() time.Time
}

// NewTokenStorage creates a TokenStorage.
func NewTokenStorage(store storage.TokenStore, cipher *tokencrypto.Cipher) *TokenStorage {
	return &TokenStorage{store: store, cipher: cipher, now: time.Now}
}

// StoreParams describes tokens to persist for one user and server.
type StoreParams struct {
	UserID     string
	ServerName string
	Tokens     *Tokens

	// ClientInfo and Metadata are stored when set so later refreshes can
	// reuse the registered client.
	ClientInfo *ClientInfo
	Metadata   *AuthServerMetadata
}

// StoreTokens encrypts and upserts the access token, the refresh token (if
// any) and the client registration (if any) as independent records. The
// access expiry comes from ExpiresAt, else ExpiresIn, else one year; a
// lifetime that is not positive is replaced by one year.
func (s *TokenStorage) StoreTokens(ctx context.Context, p StoreParams) error {
	if p.Tokens == nil || p.Tokens.AccessToken == "" {
		return errors.New("no access token to store")
	}
	now := s.now()
	id := Identifier(p.ServerName)

	lifetime := accessLifetime(p.Tokens, now)
	access, err := s.cipher.Encrypt(p.Tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	err = s.upsert(ctx, &storage.Token{
		UserID:     p.UserID,
		Type:       RecordAccess,
		Identifier: id,
		Token:      access,
		ExpiresIn:  int64(lifetime / time.Second),
		ExpiresAt:  now.Add(lifetime),
		Metadata: map[string]any{
			"token_type": p.Tokens.TokenType,
			"scope":      p.Tokens.Scope,
		},
	})
	if err != nil {
		return fmt.Errorf("storing access token for %s: %w", p.ServerName, err)
	}

	if p.Tokens.RefreshToken != "" {
		refresh, err := s.cipher.Encrypt(p.Tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		err = s.upsert(ctx, &storage.Token{
			UserID:     p.UserID,
			Type:       RecordRefresh,
			Identifier: id + ":refresh",
			Token:      refresh,
			ExpiresIn:  int64(DefaultTokenLifetime / time.Second),
			ExpiresAt:  now.Add(DefaultTokenLifetime),
		})
		if err != nil {
			return fmt.Errorf("storing refresh token for %s: %w", p.ServerName, err)
		}
	}

	if p.ClientInfo != nil {
		raw, err := json.Marshal(p.ClientInfo)
		if err != nil {
			return fmt.Errorf("encoding client info: %w", err)
		}
		client, err := s.cipher.Encrypt(string(raw))
		if err != nil {
			return fmt.Errorf("encrypting client info: %w", err)
		}
		var meta map[string]any
		if p.Metadata != nil {
			m, err := toMap(p.Metadata)
			if err != nil {
				return fmt.Errorf("encoding OAuth metadata: %w", err)
			}
			meta = map[string]any{"oauth_metadata": m}
		}
		err = s.upsert(ctx, &storage.Token{
			UserID:     p.UserID,
			Type:       RecordClient,
			Identifier: id + ":client",
			Token:      client,
			ExpiresIn:  int64(DefaultTokenLifetime / time.Second),
			ExpiresAt:  now.Add(DefaultTokenLifetime),
			Metadata:   meta,
		})
		if err != nil {
			return fmt.Errorf("storing client info for %s: %w", p.ServerName, err)
		}
	}

	debug.Log("oauth", "stored tokens", "user_id", p.UserID, "server", p.ServerName,
		"expires_in", int64(lifetime/time.Second), "has_refresh", p.Tokens.RefreshToken != "")
	return nil
}

func accessLifetime(t *Tokens, now time.Time) time.Duration {
	var lifetime time.Duration
	switch {
	case t.ExpiresAt > 0:
		lifetime = time.UnixMilli(t.ExpiresAt).Sub(now)
	case t.ExpiresIn > 0:
		lifetime = time.Duration(t.ExpiresIn) * time.Second
	default:
		lifetime = DefaultTokenLifetime
	}
	if lifetime < time.Second {
		return DefaultTokenLifetime
	}
	return lifetime
}

// upsert updates the record with the same key, creating it when absent.
func (s *TokenStorage) upsert(ctx context.Context, rec *storage.Token) error {
	filter := storage.TokenFilter{UserID: rec.UserID, Type: rec.Type, Identifier: rec.Identifier}
	_, err := s.store.FindToken(ctx, filter)
	switch {
	case err == nil:
		return s.store.UpdateToken(ctx, filter, rec)
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	err = s.store.CreateToken(ctx, rec)
	if errors.Is(err, storage.ErrConflict) {
		return s.store.UpdateToken(ctx, filter, rec)
	}
	return err
}

// GetTokens returns the stored tokens for userID on serverName. A missing
// or expired access token is refreshed through refresh when a refresh
// token is stored, and the result persisted. When no usable token can be
// produced GetTokens returns nil without error.
func (s *TokenStorage) GetTokens(ctx context.Context, userID, serverName string, refresh RefreshFunc) (*Tokens, error) {
	id := Identifier(serverName)
	now := s.now()

	rec, err := s.store.FindToken(ctx, storage.TokenFilter{UserID: userID, Type: RecordAccess, Identifier: id})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading access token: %w", err)
	}
	if err == nil && !rec.Expired(now) {
		return s.decodeAccess(ctx, rec, userID, id)
	}

	refreshRec, err := s.store.FindToken(ctx, storage.TokenFilter{UserID: userID, Type: RecordRefresh, Identifier: id + ":refresh"})
	if errors.Is(err, storage.ErrNotFound) {
		debug.Log("oauth", "no usable tokens", "user_id", userID, "server", serverName)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if refresh == nil {
		return nil, nil
	}

	refreshToken, err := s.cipher.Decrypt(refreshRec.Token)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	client, md, err := s.GetClientInfoAndMetadata(ctx, userID, serverName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	tokens, err := refresh(ctx, refreshToken, RefreshMetadata{ServerName: serverName, ClientInfo: client, Metadata: md})
	if err != nil {
		var rerr *TokenRefreshError
		if errors.As(err, &rerr) && rerr.RefreshUnsupported() {
			debug.Log("oauth", "server does not support token refresh for this client",
				"user_id", userID, "server", serverName)
		} else {
			debug.Log("oauth", "token refresh failed", "user_id", userID, "server", serverName, "error", err)
		}
		return nil, nil
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	if err := s.StoreTokens(ctx, StoreParams{UserID: userID, ServerName: serverName, Tokens: tokens}); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *TokenStorage) decodeAccess(ctx context.Context, rec *storage.Token, userID, id string) (*Tokens, error) {
	access, err := s.cipher.Decrypt(rec.Token)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	t := &Tokens{AccessToken: access, TokenType: "Bearer"}
	if v, ok := rec.Metadata["token_type"].(string); ok && v != "" {
		t.TokenType = v
	}
	if v, ok := rec.Metadata["scope"].(string); ok {
		t.Scope = v
	}
	if !rec.ExpiresAt.IsZero() {
		t.ExpiresAt = rec.ExpiresAt.UnixMilli()
		t.ExpiresIn = int64(rec.ExpiresAt.Sub(s.now()) / time.Second)
	}
	if !rec.UpdatedAt.IsZero() {
		t.ObtainedAt = rec.UpdatedAt.UnixMilli()
	}

	refreshRec, err := s.store.FindToken(ctx, storage.TokenFilter{UserID: userID, Type: RecordRefresh, Identifier: id + ":refresh"})
	if err == nil {
		if rt, err := s.cipher.Decrypt(refreshRec.Token); err == nil {
			t.RefreshToken = rt
		} else {
			debug.Log("oauth", "ignoring undecryptable refresh token", "user_id", userID, "identifier", id, "error", err)
		}
	}
	return t, nil
}

// GetClientInfoAndMetadata returns the stored client registration and
// authorization server metadata. Returns storage.ErrNotFound when no
// client is stored.
func (s *TokenStorage) GetClientInfoAndMetadata(ctx context.Context, userID, serverName string) (*ClientInfo, *AuthServerMetadata, error) {
	rec, err := s.store.FindToken(ctx, storage.TokenFilter{
		UserID:     userID,
		Type:       RecordClient,
		Identifier: Identifier(serverName) + ":client",
	})
	if err != nil {
		return nil, nil, err
	}

	raw, err := s.cipher.Decrypt(rec.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting client info: %w", err)
	}
	var info ClientInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, nil, fmt.Errorf("decoding client info: %w", err)
	}

	var md *AuthServerMetadata
	if m, ok := rec.Metadata["oauth_metadata"]; ok && m != nil {
		md = &AuthServerMetadata{}
		if err := fromMap(m, md); err != nil {
			return nil, nil, fmt.Errorf("decoding OAuth metadata: %w", err)
		}
	}
	return &info, md, nil
}

// DeleteUserTokens removes the access, refresh and client records for a
// user and server. Missing records are ignored; other failures are
// collected and returned after all deletions were attempted.
func (s *TokenStorage) DeleteUserTokens(ctx context.Context, userID, serverName string) error {
	id := Identifier(serverName)
	filters := []storage.TokenFilter{
		{UserID: userID, Type: RecordAccess, Identifier: id},
		{UserID: userID, Type: RecordRefresh, Identifier: id + ":refresh"},
		{UserID: userID, Type: RecordClient, Identifier: id + ":client"},
	}

	var errs []error
	for _, f := range filters {
		if err := s.store.DeleteToken(ctx, f); err != nil && !errors.Is(err, storage.ErrNotFound) {
			debug.Log("oauth", "deleting token record", "user_id", userID, "type", f.Type, "error", err)
			errs = append(errs, fmt.Errorf("deleting %s: %w", f.Type, err))
		}
	}
	return errors.Join(errs...)
}

// RevokeAndDelete revokes the stored refresh and access tokens at the
// authorization server, then deletes all records. Revocation failures are
// logged and do not prevent deletion.
func (s *TokenStorage) RevokeAndDelete(ctx context.Context, h *Handler, userID, serverName, serverURL string, cfg *ServerOAuth) error {
	md := RevokeMetadata{ServerURL: serverURL}
	if cfg != nil {
		md.ClientID = cfg.ClientID
		md.ClientSecret = cfg.ClientSecret
		md.RevocationEndpoint = cfg.RevocationEndpoint
		md.AuthMethods = cfg.RevocationEndpointAuthMethods
	}
	if info, asMeta, err := s.GetClientInfoAndMetadata(ctx, userID, serverName); err == nil {
		md.ClientID = info.ClientID
		md.ClientSecret = info.ClientSecret
		if asMeta != nil && asMeta.RevocationEndpoint != "" {
			md.RevocationEndpoint = asMeta.RevocationEndpoint
			md.AuthMethods = asMeta.RevocationEndpointAuthMethods
		}
	}

	id := Identifier(serverName)
	revoke := []struct{ typ, ident, hint string }{
		{RecordRefresh, id + ":refresh", "refresh_token"},
		{RecordAccess, id, "access_token"},
	}
	for _, r := range revoke {
		rec, err := s.store.FindToken(ctx, storage.TokenFilter{UserID: userID, Type: r.typ, Identifier: r.ident})
		if err != nil {
			continue
		}
		tok, err := s.cipher.Decrypt(rec.Token)
		if err != nil {
			debug.Log("oauth", "skipping revocation of undecryptable token", "type", r.hint, "error", err)
			continue
		}
		if err := h.RevokeToken(ctx, serverName, tok, r.hint, md); err != nil {
			debug.Log("oauth", "revocation failed", "server", serverName, "type", r.hint, "error", err)
		}
	}

	return s.DeleteUserTokens(ctx, userID, serverName)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(raw, &m)
	return m, err
}

func fromMap(m any, v any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
