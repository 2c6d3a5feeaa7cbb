package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a server does not exist.
var ErrNotFound = errors.New("server not found")

// Store persists server descriptors. Implementations must be safe for
// concurrent use, and workflow mutation methods must be atomic per server so
// concurrent callers coordinate through the store's row-level guarantees; the
// service adds no mutex of its own. Implementations live under
// registry/store: memory for development and tests, mongo for production.
type Store interface {
	// SaveServer stores or updates a server descriptor keyed by ServerID.
	SaveServer(ctx context.Context, server *Server) error

	// GetServer retrieves a server by id regardless of its active flag.
	// Returns ErrNotFound if the server does not exist.
	GetServer(ctx context.Context, id string) (*Server, error)

	// ListServers returns all active servers. Soft-deleted servers are
	// excluded. Returns an empty slice when the catalog is empty.
	ListServers(ctx context.Context) ([]*Server, error)

	// SetActive flips the soft-delete flag. Returns ErrNotFound if the server
	// does not exist.
	SetActive(ctx context.Context, id string, active bool) error

	// UpdateWorkflow replaces the server's workflow state atomically.
	// Returns ErrNotFound if the server does not exist.
	UpdateWorkflow(ctx context.Context, id string, wf Workflow) error

	// IncrementWorkflowAttempts atomically bumps the attempt counter and
	// returns the new value. Returns ErrNotFound if the server does not exist.
	IncrementWorkflowAttempts(ctx context.Context, id string) (int, error)
}
