// Package registry is the catalog of MCP tool servers: publish, list, get,
// soft delete, plus the per-server workflow state machine other components
// coordinate through. Publishing validates tool schemas, verifies identity
// best-effort, and discovers the tool catalog of stdio servers by briefly
// spawning them.
package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/broker"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

type (
	// ToolDiscoverer lists the tools a stdio server advertises. Satisfied by
	// *broker.Broker.
	ToolDiscoverer interface {
		DiscoverTools(ctx context.Context, target broker.Target) ([]broker.ToolInfo, error)
	}

	// Options configures the Service.
	Options struct {
		// Store persists descriptors. Required.
		Store Store
		// Discoverer runs stdio tool discovery during publish. Nil skips
		// discovery.
		Discoverer ToolDiscoverer
		// Verifier checks identity documents. Defaults to the accept-all
		// placeholder.
		Verifier IdentityVerifier
		// HTTPClient fetches identity documents. Defaults to a plain client.
		HTTPClient *http.Client
		// DiscoveryTimeout bounds stdio discovery during publish. Defaults to
		// 30 s; on expiry the descriptor publishes with an empty tool list.
		DiscoveryTimeout time.Duration
	}

	// Service implements the registry operations over a Store.
	Service struct {
		store            Store
		discoverer       ToolDiscoverer
		verifier         IdentityVerifier
		httpClient       *http.Client
		discoveryTimeout time.Duration
		schemas          *schemaCache
	}
)

const defaultDiscoveryTimeout = 30 * time.Second

// NewService constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = acceptAllVerifier{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.DiscoveryTimeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	return &Service{
		store:            opts.Store,
		discoverer:       opts.Discoverer,
		verifier:         verifier,
		httpClient:       client,
		discoveryTimeout: timeout,
		schemas:          newSchemaCache(),
	}, nil
}

// ListServers returns active servers, optionally filtered. search matches
// case-insensitively against name, description, and server id; capability
// is a post-query membership test.
func (s *Service) ListServers(ctx context.Context, search, capability string) ([]*Server, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	if search == "" && capability == "" {
		return servers, nil
	}
	needle := strings.ToLower(search)
	out := make([]*Server, 0, len(servers))
	for _, srv := range servers {
		if needle != "" && !matchesSearch(srv, needle) {
			continue
		}
		if capability != "" && !srv.HasCapability(capability) {
			continue
		}
		out = append(out, srv)
	}
	return out, nil
}

func matchesSearch(srv *Server, needle string) bool {
	return strings.Contains(strings.ToLower(srv.Name), needle) ||
		strings.Contains(strings.ToLower(srv.Description), needle) ||
		strings.Contains(strings.ToLower(srv.ServerID), needle)
}

// GetServer returns the descriptor regardless of its active flag.
func (s *Service) GetServer(ctx context.Context, id string) (*Server, error) {
	srv, err := s.store.GetServer(ctx, id)
	return srv, wrapStoreErr(err, id)
}

// PublishServer upserts a descriptor. The pipeline: validate the id and tool
// shapes, compile the schema cache, verify identity (non-fatal), discover
// stdio tools (non-fatal), then persist.
func (s *Service) PublishServer(ctx context.Context, srv *Server) (*Server, error) {
	if !ValidServerID(srv.ServerID) {
		return nil, mcperr.InvalidArgument("invalid server id %q", srv.ServerID)
	}
	if srv.Name == "" {
		return nil, mcperr.InvalidArgument("server name is required")
	}
	if err := validateToolShapes(srv.Tools); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	existing, err := s.store.GetServer(ctx, srv.ServerID)
	switch {
	case err == nil:
		srv.PublishedAt = existing.PublishedAt
		// Workflow state and sealed tokens survive republish.
		srv.Workflow = existing.Workflow
		if srv.EncryptedTokens == "" {
			srv.EncryptedTokens = existing.EncryptedTokens
			srv.TokenExpiresAt = existing.TokenExpiresAt
		}
	case errors.Is(err, ErrNotFound):
		srv.PublishedAt = now
		srv.Workflow = Workflow{State: WorkflowStateIdle, UpdatedAt: now}
	default:
		return nil, err
	}
	srv.UpdatedAt = now
	srv.IsActive = true

	if srv.Endpoint != "" {
		s.verifyIdentity(ctx, srv)
	}
	if srv.Command != "" {
		s.discoverTools(ctx, srv)
	}

	if err := s.schemas.build(srv); err != nil {
		return nil, err
	}
	if err := s.store.SaveServer(ctx, srv); err != nil {
		return nil, err
	}
	log.Printf(ctx, "published server %s (%d tools, verified=%t)",
		srv.ServerID, len(srv.Tools), srv.IdentityVerified)
	return srv, nil
}

// SoftDeleteServer hides the server from listings. The record survives.
func (s *Service) SoftDeleteServer(ctx context.Context, id string) error {
	if err := s.store.SetActive(ctx, id, false); err != nil {
		return wrapStoreErr(err, id)
	}
	s.schemas.drop(id)
	return nil
}

// ValidateToolArgs pre-validates invocation arguments against the tool's
// compiled schema. Unknown tools are rejected; servers without a cached
// schema pass through.
func (s *Service) ValidateToolArgs(ctx context.Context, srv *Server, tool string, args map[string]any) error {
	if len(srv.Tools) > 0 && srv.FindTool(tool) == nil {
		return mcperr.NotFound("server %s has no tool %q", srv.ServerID, tool)
	}
	return s.schemas.validateArgs(srv.ServerID, tool, args)
}

// discoverTools briefly spawns the stdio server and records its advertised
// catalog. Discovery failures and timeouts record an empty tool list rather
// than failing the publish.
func (s *Service) discoverTools(ctx context.Context, srv *Server) {
	if s.discoverer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.discoveryTimeout)
	defer cancel()

	infos, err := s.discoverer.DiscoverTools(ctx, broker.Target{
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
	})
	if err != nil {
		log.Printf(ctx, "server %s: tool discovery failed, publishing without tools: %v", srv.ServerID, err)
		srv.Tools = nil
		return
	}
	tools := make([]Tool, len(infos))
	for i, info := range infos {
		tools[i] = Tool{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
		}
	}
	srv.Tools = tools
}

// validateToolShapes enforces that every tool schema is a JSON Schema object
// definition.
func validateToolShapes(tools []Tool) error {
	for _, tool := range tools {
		if tool.Name == "" {
			return mcperr.InvalidArgument("tool without a name")
		}
		if tool.Description == "" {
			return mcperr.InvalidArgument("tool %s: description is required", tool.Name)
		}
		if tool.InputSchema == nil {
			return mcperr.InvalidArgument("tool %s: inputSchema is required", tool.Name)
		}
		if t, _ := tool.InputSchema["type"].(string); t != "object" {
			return mcperr.InvalidArgument("tool %s: inputSchema.type must be \"object\"", tool.Name)
		}
	}
	return nil
}

// wrapStoreErr maps ErrNotFound onto the service error vocabulary.
func wrapStoreErr(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return mcperr.NotFound("server %q not found", id)
	}
	return err
}
