package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"goa.design/clue/log"
)

// identityPath is the well-known location of a server's identity document.
const identityPath = "/.well-known/mcp-server-identity"

const identityFetchTimeout = 10 * time.Second

type (
	// IdentityDocument is the payload served at the well-known identity URL.
	IdentityDocument struct {
		PublicKey string         `json:"publicKey"`
		Signature string         `json:"signature"`
		Manifest  map[string]any `json:"manifest,omitempty"`
	}

	// IdentityVerifier decides whether an identity document proves the
	// server's identity. Real signature cryptography is a pluggable concern;
	// the default verifier accepts any well-formed key/signature pair and
	// must not be treated as a trust anchor.
	IdentityVerifier interface {
		Verify(ctx context.Context, serverID string, doc *IdentityDocument) (bool, error)
	}

	// acceptAllVerifier accepts every well-formed document.
	acceptAllVerifier struct{}
)

func (acceptAllVerifier) Verify(ctx context.Context, serverID string, doc *IdentityDocument) (bool, error) {
	return doc.PublicKey != "" && doc.Signature != "", nil
}

// verifyIdentity fetches and verifies the server's identity document,
// recording the outcome on the descriptor. Every failure is non-fatal: the
// descriptor publishes with IdentityVerified=false.
func (s *Service) verifyIdentity(ctx context.Context, srv *Server) {
	srv.IdentityVerified = false
	srv.IdentityVerifiedAt = nil

	origin, err := identityOrigin(srv.Endpoint)
	if err != nil {
		log.Debugf(ctx, "server %s: no identity origin: %v", srv.ServerID, err)
		return
	}
	doc, err := s.fetchIdentity(ctx, origin)
	if err != nil {
		log.Printf(ctx, "server %s: identity fetch failed: %v", srv.ServerID, err)
		return
	}

	ok, err := s.verifier.Verify(ctx, srv.ServerID, doc)
	if err != nil || !ok {
		log.Printf(ctx, "server %s: identity rejected", srv.ServerID)
		return
	}
	now := time.Now().UTC()
	srv.IdentityVerified = true
	srv.IdentityVerifiedAt = &now
	srv.PublicKey = doc.PublicKey
	srv.Signature = doc.Signature
	srv.OriginURL = origin
}

// fetchIdentity retrieves the identity document from the origin.
func (s *Service) fetchIdentity(ctx context.Context, origin string) (*IdentityDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, identityFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+identityPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var doc IdentityDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse identity document: %w", err)
	}
	return &doc, nil
}

// identityOrigin reduces the endpoint to its scheme and host.
func identityOrigin(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no origin", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
