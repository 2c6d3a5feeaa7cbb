// Package memory is the in-memory store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	mem "github.com/mcpmessenger/mcp-gateway/memory"
	"github.com/mcpmessenger/mcp-gateway/memory/store"
)

type entryKey struct {
	conversationID string
	userID         string
	key            string
}

// Store keeps entries and tasks in maps guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	entries map[entryKey]*mem.Entry
	tasks   map[string]*mem.Task
}

var _ store.Store = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{
		entries: make(map[entryKey]*mem.Entry),
		tasks:   make(map[string]*mem.Task),
	}
}

func keyOf(scope mem.Scope, key string) entryKey {
	return entryKey{conversationID: scope.ConversationID, userID: scope.UserID, key: key}
}

func cloneEntry(e *mem.Entry) *mem.Entry {
	cp := *e
	return &cp
}

func cloneTask(t *mem.Task) *mem.Task {
	cp := *t
	return &cp
}

// UpsertEntry implements store.Store.
func (s *Store) UpsertEntry(_ context.Context, e *mem.Entry) (*mem.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	k := keyOf(e.Scope, e.Key)
	if existing, ok := s.entries[k]; ok {
		existing.Value = e.Value
		existing.Type = e.Type
		existing.Importance = e.Importance
		existing.ExpiresAt = e.ExpiresAt
		existing.UpdatedAt = now
		return cloneEntry(existing), nil
	}
	stored := cloneEntry(e)
	stored.UpdatedAt = now
	s.entries[k] = stored
	return cloneEntry(stored), nil
}

// RecallEntry implements store.Store.
func (s *Store) RecallEntry(_ context.Context, scope mem.Scope, key string) (*mem.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	e, ok := s.entries[keyOf(scope, key)]
	if !ok || e.Expired(now) {
		return nil, store.ErrNotFound
	}
	e.AccessCount++
	e.LastAccessed = &now
	return cloneEntry(e), nil
}

// ListEntries implements store.Store.
func (s *Store) ListEntries(_ context.Context, scope mem.Scope) ([]*mem.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []*mem.Entry
	for k, e := range s.entries {
		if k.conversationID != scope.ConversationID || k.userID != scope.UserID {
			continue
		}
		if e.Expired(now) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteEntry implements store.Store.
func (s *Store) DeleteEntry(_ context.Context, scope mem.Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(scope, key)
	if _, ok := s.entries[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.entries, k)
	return nil
}

// PurgeExpired implements store.Store.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// CreateTask implements store.Store.
func (s *Store) CreateTask(_ context.Context, t *mem.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(_ context.Context, id string) (*mem.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

// UpdateTask implements store.Store.
func (s *Store) UpdateTask(_ context.Context, id, status string, progress int, output, errMsg string) (*mem.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if mem.TaskTerminal(t.Status) {
		return cloneTask(t), false, nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.Progress = progress
	if output != "" {
		t.Output = output
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	t.UpdatedAt = now
	if mem.TaskTerminal(status) {
		t.CompletedAt = &now
	}
	return cloneTask(t), true, nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(_ context.Context, serverID string) ([]*mem.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mem.Task
	for _, t := range s.tasks {
		if serverID != "" && t.ServerID != serverID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
