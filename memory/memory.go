// Package memory holds long-lived conversational state: typed memory entries
// scoped to a conversation or user, and durable task records for server-linked
// long-running operations. Entries are upserted by (scope, key); reads bump
// an access counter so callers can rank entries by usefulness.
package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// Entry types.
const (
	TypePreference  = "preference"
	TypeFact        = "fact"
	TypeContext     = "context"
	TypeInstruction = "instruction"
)

// Task lifecycle states.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type (
	// Scope identifies whose memory an entry belongs to. Exactly one of the
	// two fields is typically set; both together narrow to a user within a
	// conversation.
	Scope struct {
		ConversationID string `json:"conversationId,omitempty"`
		UserID         string `json:"userId,omitempty"`
	}

	// Entry is one remembered item. (Scope, Key) is unique; upserting the
	// same key replaces the value and type while preserving the entry's
	// identity and access history.
	Entry struct {
		ID           string     `json:"id"`
		Scope        Scope      `json:"scope"`
		Key          string     `json:"key"`
		Value        string     `json:"value"`
		Type         string     `json:"type"`
		Importance   int        `json:"importance"`
		AccessCount  int        `json:"accessCount"`
		LastAccessed *time.Time `json:"lastAccessed,omitempty"`
		ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
		CreatedAt    time.Time  `json:"createdAt"`
		UpdatedAt    time.Time  `json:"updatedAt"`
	}

	// Task is a durable record of a long-running server-linked operation,
	// with its own progress and output independent of the job pipeline.
	Task struct {
		ID          string     `json:"id"`
		ServerID    string     `json:"serverId"`
		Name        string     `json:"name"`
		Status      string     `json:"status"`
		Progress    int        `json:"progress"`
		Output      string     `json:"output,omitempty"`
		Error       string     `json:"error,omitempty"`
		CreatedAt   time.Time  `json:"createdAt"`
		UpdatedAt   time.Time  `json:"updatedAt"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
	}
)

// ValidEntryType reports whether t is a known entry type.
func ValidEntryType(t string) bool {
	switch t {
	case TypePreference, TypeFact, TypeContext, TypeInstruction:
		return true
	default:
		return false
	}
}

// NewEntry builds an entry, validating its shape. Importance outside 1-10 is
// rejected rather than clamped so callers learn about bad inputs.
func NewEntry(scope Scope, key, value, entryType string, importance int) (*Entry, error) {
	if scope.ConversationID == "" && scope.UserID == "" {
		return nil, mcperr.InvalidArgument("entry scope requires a conversation or user id")
	}
	if key == "" {
		return nil, mcperr.InvalidArgument("entry key is required")
	}
	if !ValidEntryType(entryType) {
		return nil, mcperr.InvalidArgument("unknown entry type %q", entryType)
	}
	if importance < 1 || importance > 10 {
		return nil, mcperr.InvalidArgument("importance must be between 1 and 10, got %d", importance)
	}
	now := time.Now().UTC()
	return &Entry{
		ID:         uuid.NewString(),
		Scope:      scope,
		Key:        key,
		Value:      value,
		Type:       entryType,
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Expired reports whether the entry's expiry has passed.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// NewTask builds a pending task.
func NewTask(serverID, name string) (*Task, error) {
	if name == "" {
		return nil, mcperr.InvalidArgument("task name is required")
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Name:      name,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Terminal reports whether the task status is final.
func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed
}
