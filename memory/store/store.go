// Package store defines the persistence contract for memory entries and
// durable tasks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcpmessenger/mcp-gateway/memory"
)

// ErrNotFound is returned when the referenced entry or task does not exist.
var ErrNotFound = errors.New("not found")

// Store persists memory entries and durable tasks. Implementations must be
// safe for concurrent use; upserts and access bumps are atomic per entry.
type Store interface {
	// UpsertEntry inserts the entry, or, when (scope, key) already exists,
	// replaces its value, type, importance, and expiry while keeping the
	// stored identity, creation time, and access history. Returns the stored
	// entry.
	UpsertEntry(ctx context.Context, e *memory.Entry) (*memory.Entry, error)
	// RecallEntry returns the entry and records the access (count + time).
	// Expired entries are treated as absent.
	RecallEntry(ctx context.Context, scope memory.Scope, key string) (*memory.Entry, error)
	// ListEntries returns the scope's live entries ordered by importance
	// descending, then most recently updated. Expired entries are skipped.
	ListEntries(ctx context.Context, scope memory.Scope) ([]*memory.Entry, error)
	// DeleteEntry removes the entry.
	DeleteEntry(ctx context.Context, scope memory.Scope, key string) error
	// PurgeExpired removes entries whose expiry passed, returning the count.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// CreateTask persists a new task.
	CreateTask(ctx context.Context, t *memory.Task) error
	// GetTask returns the task by id.
	GetTask(ctx context.Context, id string) (*memory.Task, error)
	// UpdateTask applies progress, status, output, and error. Terminal tasks
	// reject further updates (changed=false). Entering a terminal status
	// stamps CompletedAt.
	UpdateTask(ctx context.Context, id string, status string, progress int, output, errMsg string) (*memory.Task, bool, error)
	// ListTasks returns the server's tasks, newest first.
	ListTasks(ctx context.Context, serverID string) ([]*memory.Task, error)
}
