// Package memory provides an in-memory implementation of the registry store.
//
// It is intended for development and tests. All operations copy descriptors on
// the way in and out so callers cannot mutate stored state through aliases.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mcpmessenger/mcp-gateway/registry"
)

// Store is an in-memory implementation of registry.Store.
type Store struct {
	mu      sync.RWMutex
	servers map[string]*registry.Server
}

// Compile-time check that Store implements registry.Store.
var _ registry.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{servers: make(map[string]*registry.Server)}
}

// SaveServer stores or replaces the descriptor keyed by ServerID.
func (s *Store) SaveServer(ctx context.Context, server *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server.ServerID] = clone(server)
	return nil
}

// GetServer retrieves a server by id regardless of its active flag.
func (s *Store) GetServer(ctx context.Context, id string) (*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return clone(srv), nil
}

// ListServers returns all active servers.
func (s *Store) ListServers(ctx context.Context) ([]*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registry.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		if srv.IsActive {
			out = append(out, clone(srv))
		}
	}
	return out, nil
}

// SetActive flips the soft-delete flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return registry.ErrNotFound
	}
	srv.IsActive = active
	srv.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateWorkflow replaces the server's workflow state.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, wf registry.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return registry.ErrNotFound
	}
	srv.Workflow = wf
	return nil
}

// IncrementWorkflowAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementWorkflowAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return 0, registry.ErrNotFound
	}
	srv.Workflow.Attempts++
	srv.Workflow.UpdatedAt = time.Now().UTC()
	return srv.Workflow.Attempts, nil
}

// clone deep-copies a descriptor so stored state is never aliased.
func clone(in *registry.Server) *registry.Server {
	out := *in
	out.Args = append([]string(nil), in.Args...)
	out.Env = copyMap(in.Env)
	out.Headers = copyMap(in.Headers)
	out.Capabilities = append([]string(nil), in.Capabilities...)
	out.Tools = make([]registry.Tool, len(in.Tools))
	for i, t := range in.Tools {
		out.Tools[i] = registry.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: copyAnyMap(t.InputSchema),
		}
	}
	out.Manifest = copyAnyMap(in.Manifest)
	out.Metadata = copyAnyMap(in.Metadata)
	if in.AuthConfig != nil {
		ac := *in.AuthConfig
		ac.Scopes = append([]string(nil), in.AuthConfig.Scopes...)
		out.AuthConfig = &ac
	}
	if in.IdentityVerifiedAt != nil {
		t := *in.IdentityVerifiedAt
		out.IdentityVerifiedAt = &t
	}
	if in.TokenExpiresAt != nil {
		t := *in.TokenExpiresAt
		out.TokenExpiresAt = &t
	}
	return &out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
