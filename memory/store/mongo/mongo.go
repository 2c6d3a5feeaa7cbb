// Package mongo provides a MongoDB implementation of the memory store.
//
// Entry upserts and access bumps are single-document atomic updates keyed by
// the (scope, key) identity, so concurrent writers never interleave partial
// entries.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	mem "github.com/mcpmessenger/mcp-gateway/memory"
	"github.com/mcpmessenger/mcp-gateway/memory/store"
)

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	entries *mongo.Collection
	tasks   *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type (
	entryDocument struct {
		ID             string     `bson:"_id"`
		ConversationID string     `bson:"conversation_id,omitempty"`
		UserID         string     `bson:"user_id,omitempty"`
		Key            string     `bson:"key"`
		Value          string     `bson:"value"`
		Type           string     `bson:"type"`
		Importance     int        `bson:"importance"`
		AccessCount    int        `bson:"access_count"`
		LastAccessed   *time.Time `bson:"last_accessed,omitempty"`
		ExpiresAt      *time.Time `bson:"expires_at,omitempty"`
		CreatedAt      time.Time  `bson:"created_at"`
		UpdatedAt      time.Time  `bson:"updated_at"`
	}

	taskDocument struct {
		ID          string     `bson:"_id"`
		ServerID    string     `bson:"server_id,omitempty"`
		Name        string     `bson:"name"`
		Status      string     `bson:"status"`
		Progress    int        `bson:"progress"`
		Output      string     `bson:"output,omitempty"`
		Error       string     `bson:"error,omitempty"`
		CreatedAt   time.Time  `bson:"created_at"`
		UpdatedAt   time.Time  `bson:"updated_at"`
		CompletedAt *time.Time `bson:"completed_at,omitempty"`
	}
)

// New creates a MongoDB store using the provided database.
func New(db *mongo.Database) *Store {
	return &Store{
		entries: db.Collection("memory_entries"),
		tasks:   db.Collection("tasks"),
	}
}

func scopeFilter(scope mem.Scope, key string) bson.M {
	f := bson.M{
		"conversation_id": scope.ConversationID,
		"user_id":         scope.UserID,
	}
	if key != "" {
		f["key"] = key
	}
	return f
}

// notExpired restricts a filter to live entries.
func notExpired(f bson.M, now time.Time) bson.M {
	f["$or"] = []bson.M{
		{"expires_at": nil},
		{"expires_at": bson.M{"$gt": now}},
	}
	return f
}

// UpsertEntry implements store.Store.
func (s *Store) UpsertEntry(ctx context.Context, e *mem.Entry) (*mem.Entry, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"value":      e.Value,
			"type":       e.Type,
			"importance": e.Importance,
			"expires_at": e.ExpiresAt,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":          e.ID,
			"access_count": 0,
			"created_at":   e.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc entryDocument
	if err := s.entries.FindOneAndUpdate(ctx, scopeFilter(e.Scope, e.Key), update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("mongodb upsert entry %q: %w", e.Key, err)
	}
	return fromEntryDocument(&doc), nil
}

// RecallEntry implements store.Store.
func (s *Store) RecallEntry(ctx context.Context, scope mem.Scope, key string) (*mem.Entry, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$inc": bson.M{"access_count": 1},
		"$set": bson.M{"last_accessed": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc entryDocument
	err := s.entries.FindOneAndUpdate(ctx, notExpired(scopeFilter(scope, key), now), update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb recall entry %q: %w", key, err)
	}
	return fromEntryDocument(&doc), nil
}

// ListEntries implements store.Store.
func (s *Store) ListEntries(ctx context.Context, scope mem.Scope) ([]*mem.Entry, error) {
	now := time.Now().UTC()
	opts := options.Find().SetSort(bson.D{{Key: "importance", Value: -1}, {Key: "updated_at", Value: -1}})
	cursor, err := s.entries.Find(ctx, notExpired(scopeFilter(scope, ""), now), opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list entries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list entries decode: %w", err)
	}
	result := make([]*mem.Entry, len(docs))
	for i, doc := range docs {
		result[i] = fromEntryDocument(&doc)
	}
	return result, nil
}

// DeleteEntry implements store.Store.
func (s *Store) DeleteEntry(ctx context.Context, scope mem.Scope, key string) error {
	res, err := s.entries.DeleteOne(ctx, scopeFilter(scope, key))
	if err != nil {
		return fmt.Errorf("mongodb delete entry %q: %w", key, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PurgeExpired implements store.Store.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.entries.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$ne": nil, "$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("mongodb purge expired: %w", err)
	}
	return int(res.DeletedCount), nil
}

// CreateTask implements store.Store.
func (s *Store) CreateTask(ctx context.Context, t *mem.Task) error {
	if _, err := s.tasks.InsertOne(ctx, toTaskDocument(t)); err != nil {
		return fmt.Errorf("mongodb create task %q: %w", t.ID, err)
	}
	return nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*mem.Task, error) {
	var doc taskDocument
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get task %q: %w", id, err)
	}
	return fromTaskDocument(&doc), nil
}

// UpdateTask implements store.Store. Terminal tasks reject further updates.
func (s *Store) UpdateTask(ctx context.Context, id, status string, progress int, output, errMsg string) (*mem.Task, bool, error) {
	now := time.Now().UTC()
	set := bson.M{
		"status":     status,
		"progress":   progress,
		"updated_at": now,
	}
	if output != "" {
		set["output"] = output
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if mem.TaskTerminal(status) {
		set["completed_at"] = now
	}
	filter := bson.M{"_id": id, "status": bson.M{"$nin": []string{mem.TaskCompleted, mem.TaskFailed}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if err == nil {
		return fromTaskDocument(&doc), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("mongodb update task %q: %w", id, err)
	}
	current, getErr := s.GetTask(ctx, id)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, false, nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(ctx context.Context, serverID string) ([]*mem.Task, error) {
	filter := bson.M{}
	if serverID != "" {
		filter["server_id"] = serverID
	}
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	cursor, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list tasks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list tasks decode: %w", err)
	}
	result := make([]*mem.Task, len(docs))
	for i, doc := range docs {
		result[i] = fromTaskDocument(&doc)
	}
	return result, nil
}

func fromEntryDocument(doc *entryDocument) *mem.Entry {
	return &mem.Entry{
		ID:           doc.ID,
		Scope:        mem.Scope{ConversationID: doc.ConversationID, UserID: doc.UserID},
		Key:          doc.Key,
		Value:        doc.Value,
		Type:         doc.Type,
		Importance:   doc.Importance,
		AccessCount:  doc.AccessCount,
		LastAccessed: doc.LastAccessed,
		ExpiresAt:    doc.ExpiresAt,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func toTaskDocument(t *mem.Task) *taskDocument {
	return &taskDocument{
		ID:          t.ID,
		ServerID:    t.ServerID,
		Name:        t.Name,
		Status:      t.Status,
		Progress:    t.Progress,
		Output:      t.Output,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func fromTaskDocument(doc *taskDocument) *mem.Task {
	return &mem.Task{
		ID:          doc.ID,
		ServerID:    doc.ServerID,
		Name:        doc.Name,
		Status:      doc.Status,
		Progress:    doc.Progress,
		Output:      doc.Output,
		Error:       doc.Error,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		CompletedAt: doc.CompletedAt,
	}
}
