package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/registry"
)

type (
	// TokenSet is the plaintext form of a server's OAuth tokens.
	TokenSet struct {
		AccessToken  string     `json:"accessToken"`
		RefreshToken string     `json:"refreshToken,omitempty"`
		TokenType    string     `json:"tokenType,omitempty"`
		Scopes       []string   `json:"scopes,omitempty"`
		ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	}

	// TokensOptions configures a token manager.
	TokensOptions struct {
		// Vault seals and opens stored tokens. Required.
		Vault *Vault
		// Store persists the sealed tokens on the server descriptor. Required.
		Store registry.Store
		// ClientSecret is sent with refresh requests.
		ClientSecret string
		// HTTPClient performs refresh requests. Defaults to a 10 s client.
		HTTPClient *http.Client
	}

	// Tokens manages per-server OAuth tokens: sealed at rest, refreshed on
	// read when expired.
	Tokens struct {
		vault        *Vault
		store        registry.Store
		clientSecret string
		client       *http.Client
	}

	// tokenEndpointResponse is the OAuth token endpoint's answer.
	tokenEndpointResponse struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
)

// NewTokens constructs a token manager.
func NewTokens(opts TokensOptions) (*Tokens, error) {
	if opts.Vault == nil || opts.Store == nil {
		return nil, errors.New("vault and store are required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Tokens{
		vault:        opts.Vault,
		store:        opts.Store,
		clientSecret: opts.ClientSecret,
		client:       client,
	}, nil
}

// Expired reports whether the token set needs a refresh.
func (ts *TokenSet) Expired() bool {
	return ts.ExpiresAt != nil && !ts.ExpiresAt.After(time.Now())
}

// Save seals the token set onto the server descriptor.
func (t *Tokens) Save(ctx context.Context, serverID string, ts *TokenSet) error {
	srv, err := t.store.GetServer(ctx, serverID)
	if err != nil {
		return wrapStoreErr(err, serverID)
	}
	plaintext, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	sealed, err := t.vault.Seal(plaintext)
	if err != nil {
		return err
	}
	srv.EncryptedTokens = sealed
	srv.TokenExpiresAt = ts.ExpiresAt
	srv.UpdatedAt = time.Now().UTC()
	return t.store.SaveServer(ctx, srv)
}

// Get returns the server's tokens, refreshing them first when they are
// expired and a refresh token plus auth config are available. Expired tokens
// that cannot be refreshed are Unauthenticated.
func (t *Tokens) Get(ctx context.Context, serverID string) (*TokenSet, error) {
	srv, err := t.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, wrapStoreErr(err, serverID)
	}
	if srv.EncryptedTokens == "" {
		return nil, mcperr.Unauthenticated("server %s has no stored tokens", serverID)
	}
	plaintext, err := t.vault.Open(srv.EncryptedTokens)
	if err != nil {
		return nil, err
	}
	var ts TokenSet
	if err := json.Unmarshal(plaintext, &ts); err != nil {
		return nil, mcperr.Unauthenticated("stored tokens are unreadable: %v", err)
	}
	if !ts.Expired() {
		return &ts, nil
	}
	if ts.RefreshToken == "" || srv.AuthConfig == nil || srv.AuthConfig.TokenURL == "" {
		return nil, mcperr.Unauthenticated("tokens for %s expired and cannot be refreshed", serverID)
	}

	refreshed, err := t.refresh(ctx, srv, &ts)
	if err != nil {
		return nil, err
	}
	if err := t.Save(ctx, serverID, refreshed); err != nil {
		// The refresh succeeded; a persistence hiccup should not fail the read.
		log.Printf(ctx, "persist refreshed tokens for %s: %v", serverID, err)
	}
	return refreshed, nil
}

// refresh exchanges the refresh token at the server's token endpoint.
func (t *Tokens) refresh(ctx context.Context, srv *registry.Server, old *TokenSet) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {old.RefreshToken},
		"client_id":     {srv.AuthConfig.ClientID},
	}
	if t.clientSecret != "" {
		form.Set("client_secret", t.clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.AuthConfig.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("token refresh: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, mcperr.Unauthenticated("token refresh for %s returned %d", srv.ServerID, resp.StatusCode)
	}
	var body tokenEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("token refresh response: %w", err))
	}
	if body.AccessToken == "" {
		return nil, mcperr.Unauthenticated("token refresh for %s returned no access token", srv.ServerID)
	}

	ts := &TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Scopes:       old.Scopes,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = old.RefreshToken
	}
	if body.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).UTC()
		ts.ExpiresAt = &exp
	}
	log.Printf(ctx, "refreshed tokens for %s", srv.ServerID)
	return ts, nil
}

func wrapStoreErr(err error, id string) error {
	if errors.Is(err, registry.ErrNotFound) {
		return mcperr.NotFound("server %q not found", id)
	}
	return err
}
