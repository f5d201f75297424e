package oauth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/mcpconnect/pkg/storage"
	"github.com/rhuss/mcpconnect/pkg/storage/memory"
	"github.com/rhuss/mcpconnect/pkg/tokencrypto"
)

func newTestStorage(t *testing.T) (*TokenStorage, *memory.Store) {
	t.Helper()
	c, err := tokencrypto.New(bytes.Repeat([]byte{7}, tokencrypto.KeySize), tokencrypto.V4)
	require.NoError(t, err)
	store := memory.New(0)
	return NewTokenStorage(store, c), store
}

func findRecord(t *testing.T, store storage.TokenStore, typ, ident string) *storage.Token {
	t.Helper()
	rec, err := store.FindToken(context.Background(), storage.TokenFilter{UserID: "u1", Type: typ, Identifier: ident})
	require.NoError(t, err)
	return rec
}

func TestStoreTokens_WritesEncryptedRecords(t *testing.T) {
	ts, store := newTestStorage(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }
	ctx := context.Background()

	err := ts.StoreTokens(ctx, StoreParams{
		UserID:     "u1",
		ServerName: "files",
		Tokens:     &Tokens{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresIn: 600},
		ClientInfo: &ClientInfo{ClientID: "cid", ClientSecret: "cs"},
		Metadata:   &AuthServerMetadata{TokenEndpoint: "https://as/token", RevocationEndpoint: "https://as/revoke"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())

	access := findRecord(t, store, RecordAccess, "mcp:files")
	assert.NotEqual(t, "at", access.Token)
	assert.True(t, len(access.Token) > 3 && access.Token[:3] == "v4:")
	assert.Equal(t, int64(600), access.ExpiresIn)
	assert.Equal(t, now.Add(10*time.Minute), access.ExpiresAt)

	refresh := findRecord(t, store, RecordRefresh, "mcp:files:refresh")
	assert.NotEqual(t, "rt", refresh.Token)

	client := findRecord(t, store, RecordClient, "mcp:files:client")
	assert.Contains(t, client.Metadata, "oauth_metadata")

	info, md, err := ts.GetClientInfoAndMetadata(ctx, "u1", "files")
	require.NoError(t, err)
	assert.Equal(t, "cid", info.ClientID)
	assert.Equal(t, "cs", info.ClientSecret)
	assert.Equal(t, "https://as/token", md.TokenEndpoint)
	assert.Equal(t, "https://as/revoke", md.RevocationEndpoint)
}

func TestStoreTokens_UpdatesInPlace(t *testing.T) {
	ts, store := newTestStorage(t)
	ctx := context.Background()

	for _, at := range []string{"first", "second"} {
		require.NoError(t, ts.StoreTokens(ctx, StoreParams{
			UserID: "u1", ServerName: "files", Tokens: &Tokens{AccessToken: at, ExpiresIn: 60},
		}))
	}
	assert.Equal(t, 1, store.Len())

	got, err := ts.GetTokens(ctx, "u1", "files", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", got.AccessToken)
}

func TestStoreTokens_ExpiryCorrection(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		tokens Tokens
		want   time.Duration
	}{
		{"negative expires_in", Tokens{AccessToken: "a", ExpiresIn: -100}, DefaultTokenLifetime},
		{"missing expiry", Tokens{AccessToken: "a"}, DefaultTokenLifetime},
		{"expires_at in the past", Tokens{AccessToken: "a", ExpiresAt: now.Add(-time.Hour).UnixMilli()}, DefaultTokenLifetime},
		{"expires_at wins over expires_in", Tokens{AccessToken: "a", ExpiresIn: 60, ExpiresAt: now.Add(2 * time.Hour).UnixMilli()}, 2 * time.Hour},
		{"expires_in", Tokens{AccessToken: "a", ExpiresIn: 90}, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, store := newTestStorage(t)
			ts.now = func() time.Time { return now }
			tok := tt.tokens
			require.NoError(t, ts.StoreTokens(context.Background(), StoreParams{UserID: "u1", ServerName: "s", Tokens: &tok}))

			rec := findRecord(t, store, RecordAccess, "mcp:s")
			assert.Positive(t, rec.ExpiresIn)
			assert.Equal(t, int64(tt.want/time.Second), rec.ExpiresIn)
			assert.Equal(t, now.Add(tt.want), rec.ExpiresAt)
		})
	}
}

func TestStoreTokens_NonNumericExpiryFromJSON(t *testing.T) {
	var tok Tokens
	require.NoError(t, tok.UnmarshalJSON([]byte(`{"access_token":"a","expires_in":"soon"}`)))
	assert.Zero(t, tok.ExpiresIn)

	ts, store := newTestStorage(t)
	require.NoError(t, ts.StoreTokens(context.Background(), StoreParams{UserID: "u1", ServerName: "s", Tokens: &tok}))
	rec := findRecord(t, store, RecordAccess, "mcp:s")
	assert.Equal(t, int64(DefaultTokenLifetime/time.Second), rec.ExpiresIn)
}

func TestStoreTokens_RequiresAccessToken(t *testing.T) {
	ts, _ := newTestStorage(t)
	err := ts.StoreTokens(context.Background(), StoreParams{UserID: "u1", ServerName: "s", Tokens: &Tokens{}})
	require.Error(t, err)
}

func TestGetTokens_ValidAccessToken(t *testing.T) {
	ts, _ := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID: "u1", ServerName: "files",
		Tokens: &Tokens{AccessToken: "at", RefreshToken: "rt", TokenType: "DPoP", Scope: "read", ExpiresIn: 3600},
	}))

	refresh := func(context.Context, string, RefreshMetadata) (*Tokens, error) {
		t.Fatal("refresh must not be called for a valid token")
		return nil, nil
	}
	got, err := ts.GetTokens(ctx, "u1", "files", refresh)
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.Equal(t, "DPoP", got.TokenType)
	assert.Equal(t, "read", got.Scope)
	assert.Positive(t, got.ExpiresAt)
}

func TestGetTokens_NothingStored(t *testing.T) {
	ts, _ := newTestStorage(t)
	got, err := ts.GetTokens(context.Background(), "u1", "files", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTokens_RefreshesExpiredToken(t *testing.T) {
	ts, _ := newTestStorage(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	ts.now = func() time.Time { return now }

	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID:     "u1",
		ServerName: "files",
		Tokens:     &Tokens{AccessToken: "old", RefreshToken: "rt", ExpiresIn: 60},
		ClientInfo: &ClientInfo{ClientID: "cid"},
		Metadata:   &AuthServerMetadata{TokenEndpoint: "https://as/token"},
	}))
	now = start.Add(2 * time.Minute)

	var gotRefresh string
	var gotMeta RefreshMetadata
	refresh := func(_ context.Context, rt string, md RefreshMetadata) (*Tokens, error) {
		gotRefresh, gotMeta = rt, md
		return NormalizeTokens(&Tokens{AccessToken: "new", ExpiresIn: 3600}, now), nil
	}

	got, err := ts.GetTokens(ctx, "u1", "files", refresh)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.Equal(t, "rt", gotRefresh)
	assert.Equal(t, "files", gotMeta.ServerName)
	require.NotNil(t, gotMeta.ClientInfo)
	assert.Equal(t, "cid", gotMeta.ClientInfo.ClientID)
	assert.Equal(t, "https://as/token", gotMeta.Metadata.TokenEndpoint)

	again, err := ts.GetTokens(ctx, "u1", "files", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", again.AccessToken)
	assert.Equal(t, "rt", again.RefreshToken)
}

func TestGetTokens_RefreshFailureReturnsNil(t *testing.T) {
	for _, refreshErr := range []error{
		&TokenRefreshError{ServerName: "files", Code: "unauthorized_client", Err: errors.New("nope")},
		errors.New("network down"),
	} {
		ts, _ := newTestStorage(t)
		ctx := context.Background()
		now := time.Now()
		ts.now = func() time.Time { return now }
		require.NoError(t, ts.StoreTokens(ctx, StoreParams{
			UserID: "u1", ServerName: "files", Tokens: &Tokens{AccessToken: "a", RefreshToken: "rt", ExpiresIn: 1},
		}))
		ts.now = func() time.Time { return now.Add(time.Minute) }

		got, err := ts.GetTokens(ctx, "u1", "files", func(context.Context, string, RefreshMetadata) (*Tokens, error) {
			return nil, refreshErr
		})
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestGetTokens_ExpiredWithoutRefreshToken(t *testing.T) {
	ts, _ := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()
	ts.now = func() time.Time { return now }
	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID: "u1", ServerName: "files", Tokens: &Tokens{AccessToken: "a", ExpiresIn: 1},
	}))
	ts.now = func() time.Time { return now.Add(time.Minute) }

	got, err := ts.GetTokens(ctx, "u1", "files", func(context.Context, string, RefreshMetadata) (*Tokens, error) {
		t.Fatal("no refresh token is stored")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTokens_TenantScoped(t *testing.T) {
	ts, _ := newTestStorage(t)
	a := storage.SetTenant(context.Background(), "a")
	b := storage.SetTenant(context.Background(), "b")

	require.NoError(t, ts.StoreTokens(a, StoreParams{UserID: "u1", ServerName: "files", Tokens: &Tokens{AccessToken: "a-token"}}))

	got, err := ts.GetTokens(b, "u1", "files", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUserTokens(t *testing.T) {
	ts, store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID:     "u1",
		ServerName: "files",
		Tokens:     &Tokens{AccessToken: "a", RefreshToken: "r"},
		ClientInfo: &ClientInfo{ClientID: "c"},
	}))
	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID: "u1", ServerName: "other", Tokens: &Tokens{AccessToken: "b"},
	}))

	require.NoError(t, ts.DeleteUserTokens(ctx, "u1", "files"))
	assert.Equal(t, 1, store.Len())

	// Deleting again is a no-op.
	require.NoError(t, ts.DeleteUserTokens(ctx, "u1", "files"))

	_, _, err := ts.GetClientInfoAndMetadata(ctx, "u1", "files")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevokeAndDelete(t *testing.T) {
	as := newFakeAuthServer(t)
	ts, store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, ts.StoreTokens(ctx, StoreParams{
		UserID:     "u1",
		ServerName: "files",
		Tokens:     &Tokens{AccessToken: "at", RefreshToken: "rt"},
		ClientInfo: &ClientInfo{ClientID: "cid", ClientSecret: "cs"},
		Metadata:   &AuthServerMetadata{TokenEndpoint: as.URL + "/token", RevocationEndpoint: as.URL + "/revoke"},
	}))

	err := ts.RevokeAndDelete(ctx, NewHandler("x"), "u1", "files", as.URL+"/mcp", nil)
	require.NoError(t, err)
	assert.Zero(t, store.Len())

	revoked, auth := as.revocations()
	require.Len(t, revoked, 2)
	assert.Equal(t, "rt", revoked[0].Get("token"))
	assert.Equal(t, "refresh_token", revoked[0].Get("token_type_hint"))
	assert.Equal(t, "at", revoked[1].Get("token"))
	assert.Equal(t, basicAuth("cid", "cs"), auth[1])
}

func TestCallbackComplete_PersistsTokens(t *testing.T) {
	as := newFakeAuthServer(t)
	ts, _ := newTestStorage(t)
	h := NewHandler("https://app.example.com")
	flows := newTestFlows(t)
	ctx := context.Background()

	start, err := h.InitiateFlow(ctx, "files", as.URL+"/mcp", "u1", nil)
	require.NoError(t, err)
	waiter := startPendingFlow(t, flows, start)

	cb := &Callback{Handler: h, Storage: ts, Flows: flows}
	meta, err := cb.Complete(ctx, start.FlowID, "code")
	require.NoError(t, err)
	require.NoError(t, <-waiter)
	assert.Equal(t, "files", meta.ServerName)

	got, err := ts.GetTokens(ctx, "u1", "files", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-authorization_code", got.AccessToken)
	assert.Equal(t, "rt-1", got.RefreshToken)

	info, md, err := ts.GetClientInfoAndMetadata(ctx, "u1", "files")
	require.NoError(t, err)
	assert.Equal(t, "client-1", info.ClientID)
	assert.Equal(t, as.URL+"/token", md.TokenEndpoint)
}
