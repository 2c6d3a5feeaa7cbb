package vault

import (
	"sync"
	"time"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

type (
	// Grant records a user's consent to a client acting against a server on
	// their behalf.
	Grant struct {
		UserID    string    `json:"userId"`
		ClientID  string    `json:"clientId"`
		Scopes    []string  `json:"scopes"`
		GrantedAt time.Time `json:"grantedAt"`
	}

	// ConsentStore is the in-memory consent ledger, keyed by (user, client).
	// Clients register the scopes they may ever request; grants are checked
	// against that registration. Guarded by a mutex; safe for concurrent use.
	ConsentStore struct {
		mu      sync.RWMutex
		clients map[string][]string
		grants  map[consentKey]*Grant
	}

	consentKey struct {
		userID   string
		clientID string
	}
)

// NewConsentStore constructs an empty ledger.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{
		clients: make(map[string][]string),
		grants:  make(map[consentKey]*Grant),
	}
}

// RegisterClient records the full scope set the client may request. Repeated
// registration replaces the previous set.
func (c *ConsentStore) RegisterClient(clientID string, scopes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[clientID] = append([]string(nil), scopes...)
}

// Grant records (or widens) the user's consent for the client. Requested
// scopes must be a subset of the client's registered scopes; the client must
// be registered. Repeated grants merge scopes.
func (c *ConsentStore) Grant(userID, clientID string, scopes []string) (*Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	registered, ok := c.clients[clientID]
	if !ok {
		return nil, mcperr.NotFound("client %s is not registered", clientID)
	}
	for _, s := range scopes {
		if !contains(registered, s) {
			return nil, mcperr.PermissionDenied("scope %s is not registered for client %s", s, clientID)
		}
	}
	key := consentKey{userID, clientID}
	grant, ok := c.grants[key]
	if !ok {
		grant = &Grant{
			UserID:    userID,
			ClientID:  clientID,
			Scopes:    append([]string(nil), scopes...),
			GrantedAt: time.Now().UTC(),
		}
		c.grants[key] = grant
	} else {
		for _, s := range scopes {
			if !contains(grant.Scopes, s) {
				grant.Scopes = append(grant.Scopes, s)
			}
		}
	}
	cp := *grant
	cp.Scopes = append([]string(nil), grant.Scopes...)
	return &cp, nil
}

// Check reports whether every required scope was granted. No grant means no
// consent, and an empty requirement needs at least a grant record.
func (c *ConsentStore) Check(userID, clientID string, required []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	grant, ok := c.grants[consentKey{userID, clientID}]
	if !ok {
		return false
	}
	for _, s := range required {
		if !contains(grant.Scopes, s) {
			return false
		}
	}
	return true
}

// Get returns the grant record, or nil.
func (c *ConsentStore) Get(userID, clientID string) *Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	grant, ok := c.grants[consentKey{userID, clientID}]
	if !ok {
		return nil
	}
	cp := *grant
	cp.Scopes = append([]string(nil), grant.Scopes...)
	return &cp
}

// Revoke removes the user's consent for the client. Revoking an absent grant
// is a no-op.
func (c *ConsentStore) Revoke(userID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, consentKey{userID, clientID})
}

func contains(scopes []string, s string) bool {
	for _, scope := range scopes {
		if scope == s {
			return true
		}
	}
	return false
}
