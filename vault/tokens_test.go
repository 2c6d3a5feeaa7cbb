package vault

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/registry"
	regmemory "github.com/mcpmessenger/mcp-gateway/registry/store/memory"
)

func newTokensEnv(t *testing.T, authConfig *registry.AuthConfig) (*Tokens, *regmemory.Store) {
	t.Helper()
	v, err := New("test secret")
	require.NoError(t, err)
	store := regmemory.New()
	require.NoError(t, store.SaveServer(context.Background(), &registry.Server{
		ServerID:   "acme/browser",
		Name:       "Browser Tools",
		AuthConfig: authConfig,
		IsActive:   true,
	}))
	tokens, err := NewTokens(TokensOptions{Vault: v, Store: store, ClientSecret: "shh"})
	require.NoError(t, err)
	return tokens, store
}

func TestTokensSaveAndGet(t *testing.T) {
	tokens, store := newTokensEnv(t, nil)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, tokens.Save(ctx, "acme/browser", &TokenSet{
		AccessToken: "tok",
		ExpiresAt:   &exp,
	}))

	// Tokens are sealed at rest.
	srv, err := store.GetServer(ctx, "acme/browser")
	require.NoError(t, err)
	assert.NotEmpty(t, srv.EncryptedTokens)
	assert.NotContains(t, srv.EncryptedTokens, "tok")

	ts, err := tokens.Get(ctx, "acme/browser")
	require.NoError(t, err)
	assert.Equal(t, "tok", ts.AccessToken)
}

func TestTokensGetWithoutTokens(t *testing.T) {
	tokens, _ := newTokensEnv(t, nil)

	_, err := tokens.Get(context.Background(), "acme/browser")
	assert.Equal(t, mcperr.KindUnauthenticated, mcperr.KindOf(err))
}

func TestTokensGetUnknownServer(t *testing.T) {
	tokens, _ := newTokensEnv(t, nil)

	_, err := tokens.Get(context.Background(), "acme/missing")
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))
}

func TestTokensExpiredWithoutRefresh(t *testing.T) {
	tokens, _ := newTokensEnv(t, nil)
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, tokens.Save(ctx, "acme/browser", &TokenSet{
		AccessToken: "stale",
		ExpiresAt:   &exp,
	}))

	_, err := tokens.Get(ctx, "acme/browser")
	assert.Equal(t, mcperr.KindUnauthenticated, mcperr.KindOf(err))
}

func TestTokensAutoRefresh(t *testing.T) {
	var gotGrant, gotRefresh, gotClient string
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant = r.Form.Get("grant_type")
		gotRefresh = r.Form.Get("refresh_token")
		gotClient = r.Form.Get("client_id")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"next","token_type":"Bearer","expires_in":3600}`)
	}))
	defer oauth.Close()

	tokens, store := newTokensEnv(t, &registry.AuthConfig{
		TokenURL: oauth.URL,
		ClientID: "client-1",
	})
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, tokens.Save(ctx, "acme/browser", &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    &exp,
	}))

	ts, err := tokens.Get(ctx, "acme/browser")
	require.NoError(t, err)
	assert.Equal(t, "fresh", ts.AccessToken)
	assert.Equal(t, "next", ts.RefreshToken)
	require.NotNil(t, ts.ExpiresAt)
	assert.True(t, ts.ExpiresAt.After(time.Now()))

	assert.Equal(t, "refresh_token", gotGrant)
	assert.Equal(t, "refresh-1", gotRefresh)
	assert.Equal(t, "client-1", gotClient)

	// The refreshed tokens were persisted: a second read needs no refresh.
	srv, err := store.GetServer(ctx, "acme/browser")
	require.NoError(t, err)
	require.NotNil(t, srv.TokenExpiresAt)
	assert.True(t, srv.TokenExpiresAt.After(time.Now()))
}

func TestTokensRefreshRejected(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer oauth.Close()

	tokens, _ := newTokensEnv(t, &registry.AuthConfig{TokenURL: oauth.URL, ClientID: "client-1"})
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, tokens.Save(ctx, "acme/browser", &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    &exp,
	}))

	_, err := tokens.Get(ctx, "acme/browser")
	assert.Equal(t, mcperr.KindUnauthenticated, mcperr.KindOf(err))
}

func TestConsentStore(t *testing.T) {
	c := NewConsentStore()

	assert.False(t, c.Check("u1", "client-a", nil), "no grant means no consent")

	c.RegisterClient("client-a", []string{"tools:read", "tools:invoke", "tools:admin"})

	grant, err := c.Grant("u1", "client-a", []string{"tools:read", "tools:invoke"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tools:read", "tools:invoke"}, grant.Scopes)
	assert.True(t, c.Check("u1", "client-a", []string{"tools:read"}))
	assert.True(t, c.Check("u1", "client-a", []string{"tools:read", "tools:invoke"}))
	assert.False(t, c.Check("u1", "client-a", []string{"tools:admin"}), "subset check")
	assert.False(t, c.Check("u2", "client-a", []string{"tools:read"}), "grants are per user")

	// Repeated grants widen the scope set.
	_, err = c.Grant("u1", "client-a", []string{"tools:admin"})
	require.NoError(t, err)
	assert.True(t, c.Check("u1", "client-a", []string{"tools:read", "tools:admin"}))

	got := c.Get("u1", "client-a")
	require.NotNil(t, got)
	assert.Len(t, got.Scopes, 3)

	c.Revoke("u1", "client-a")
	assert.False(t, c.Check("u1", "client-a", []string{"tools:read"}))
	assert.Nil(t, c.Get("u1", "client-a"))

	// Revoking twice is harmless.
	c.Revoke("u1", "client-a")
}

func TestConsentGrantEnforcesRegisteredScopes(t *testing.T) {
	c := NewConsentStore()

	// Unregistered clients cannot receive grants.
	_, err := c.Grant("u1", "client-x", []string{"tools:read"})
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))

	c.RegisterClient("client-a", []string{"tools:read"})

	// A grant asking beyond the registration is refused and records nothing.
	_, err = c.Grant("u1", "client-a", []string{"tools:read", "tools:admin"})
	assert.Equal(t, mcperr.KindPermissionDenied, mcperr.KindOf(err))
	assert.Nil(t, c.Get("u1", "client-a"))

	// Re-registration replaces the scope set.
	c.RegisterClient("client-a", []string{"tools:admin"})
	_, err = c.Grant("u1", "client-a", []string{"tools:read"})
	assert.Equal(t, mcperr.KindPermissionDenied, mcperr.KindOf(err))
	grant, err := c.Grant("u1", "client-a", []string{"tools:admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tools:admin"}, grant.Scopes)
}
