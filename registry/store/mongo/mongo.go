// Package mongo provides a MongoDB implementation of the registry store.
//
// Descriptors are persisted to a single collection keyed by server id.
// Workflow mutations use single-document update operators so concurrent
// callers are serialized per server by MongoDB's document-level atomicity.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mcpmessenger/mcp-gateway/registry"
)

// Store is a MongoDB implementation of registry.Store.
type Store struct {
	collection *mongo.Collection
}

// Compile-time check that Store implements registry.Store.
var _ registry.Store = (*Store)(nil)

type (
	// serverDocument is the MongoDB document representation of a Server.
	serverDocument struct {
		ServerID           string            `bson:"_id"`
		Name               string            `bson:"name"`
		Description        string            `bson:"description,omitempty"`
		Version            string            `bson:"version,omitempty"`
		Command            string            `bson:"command,omitempty"`
		Args               []string          `bson:"args,omitempty"`
		Env                map[string]string `bson:"env,omitempty"`
		Endpoint           string            `bson:"endpoint,omitempty"`
		Headers            map[string]string `bson:"headers,omitempty"`
		Tools              []toolDocument    `bson:"tools,omitempty"`
		Capabilities       []string          `bson:"capabilities,omitempty"`
		Manifest           bson.M            `bson:"manifest,omitempty"`
		Metadata           bson.M            `bson:"metadata,omitempty"`
		IdentityVerified   bool              `bson:"identity_verified"`
		IdentityVerifiedAt *time.Time        `bson:"identity_verified_at,omitempty"`
		PublicKey          string            `bson:"public_key,omitempty"`
		Signature          string            `bson:"signature,omitempty"`
		OriginURL          string            `bson:"origin_url,omitempty"`
		AuthConfig         *authDocument     `bson:"auth_config,omitempty"`
		EncryptedTokens    string            `bson:"encrypted_tokens,omitempty"`
		TokenExpiresAt     *time.Time        `bson:"token_expires_at,omitempty"`
		Workflow           workflowDocument  `bson:"workflow"`
		IsActive           bool              `bson:"is_active"`
		PublishedAt        time.Time         `bson:"published_at"`
		UpdatedAt          time.Time         `bson:"updated_at"`
	}

	toolDocument struct {
		Name        string `bson:"name"`
		Description string `bson:"description,omitempty"`
		InputSchema bson.M `bson:"input_schema"`
	}

	authDocument struct {
		TokenURL string   `bson:"token_url"`
		ClientID string   `bson:"client_id"`
		Scopes   []string `bson:"scopes,omitempty"`
	}

	workflowDocument struct {
		State     string    `bson:"state,omitempty"`
		LockedBy  string    `bson:"locked_by,omitempty"`
		Attempts  int       `bson:"attempts"`
		ContextID string    `bson:"context_id,omitempty"`
		UpdatedAt time.Time `bson:"updated_at,omitempty"`
	}
)

// New creates a MongoDB store using the provided database.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("servers")}
}

// SaveServer stores or updates a server descriptor in MongoDB.
func (s *Store) SaveServer(ctx context.Context, server *registry.Server) error {
	doc := toDocument(server)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": server.ServerID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save server %q: %w", server.ServerID, err)
	}
	return nil
}

// GetServer retrieves a server by id from MongoDB.
func (s *Store) GetServer(ctx context.Context, id string) (*registry.Server, error) {
	var doc serverDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get server %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// ListServers returns all active servers from MongoDB.
func (s *Store) ListServers(ctx context.Context) ([]*registry.Server, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"is_active": true})
	if err != nil {
		return nil, fmt.Errorf("mongodb list servers: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []serverDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list servers decode: %w", err)
	}
	result := make([]*registry.Server, len(docs))
	for i, doc := range docs {
		result[i] = fromDocument(&doc)
	}
	return result, nil
}

// SetActive flips the soft-delete flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	update := bson.M{"$set": bson.M{"is_active": active, "updated_at": time.Now().UTC()}}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("mongodb set active %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// UpdateWorkflow replaces the server's workflow state in a single update so
// concurrent transitions are serialized by the document lock.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, wf registry.Workflow) error {
	update := bson.M{"$set": bson.M{"workflow": workflowDocument{
		State:     wf.State,
		LockedBy:  wf.LockedBy,
		Attempts:  wf.Attempts,
		ContextID: wf.ContextID,
		UpdatedAt: wf.UpdatedAt,
	}}}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("mongodb update workflow %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// IncrementWorkflowAttempts atomically bumps the attempt counter.
func (s *Store) IncrementWorkflowAttempts(ctx context.Context, id string) (int, error) {
	update := bson.M{
		"$inc": bson.M{"workflow.attempts": 1},
		"$set": bson.M{"workflow.updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc serverDocument
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, registry.ErrNotFound
		}
		return 0, fmt.Errorf("mongodb increment attempts %q: %w", id, err)
	}
	return doc.Workflow.Attempts, nil
}

// toDocument converts a Server to a MongoDB document.
func toDocument(srv *registry.Server) *serverDocument {
	tools := make([]toolDocument, len(srv.Tools))
	for i, t := range srv.Tools {
		tools[i] = toolDocument{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: bson.M(t.InputSchema),
		}
	}
	var auth *authDocument
	if srv.AuthConfig != nil {
		auth = &authDocument{
			TokenURL: srv.AuthConfig.TokenURL,
			ClientID: srv.AuthConfig.ClientID,
			Scopes:   srv.AuthConfig.Scopes,
		}
	}
	return &serverDocument{
		ServerID:           srv.ServerID,
		Name:               srv.Name,
		Description:        srv.Description,
		Version:            srv.Version,
		Command:            srv.Command,
		Args:               srv.Args,
		Env:                srv.Env,
		Endpoint:           srv.Endpoint,
		Headers:            srv.Headers,
		Tools:              tools,
		Capabilities:       srv.Capabilities,
		Manifest:           bson.M(srv.Manifest),
		Metadata:           bson.M(srv.Metadata),
		IdentityVerified:   srv.IdentityVerified,
		IdentityVerifiedAt: srv.IdentityVerifiedAt,
		PublicKey:          srv.PublicKey,
		Signature:          srv.Signature,
		OriginURL:          srv.OriginURL,
		AuthConfig:         auth,
		EncryptedTokens:    srv.EncryptedTokens,
		TokenExpiresAt:     srv.TokenExpiresAt,
		Workflow: workflowDocument{
			State:     srv.Workflow.State,
			LockedBy:  srv.Workflow.LockedBy,
			Attempts:  srv.Workflow.Attempts,
			ContextID: srv.Workflow.ContextID,
			UpdatedAt: srv.Workflow.UpdatedAt,
		},
		IsActive:    srv.IsActive,
		PublishedAt: srv.PublishedAt,
		UpdatedAt:   srv.UpdatedAt,
	}
}

// fromDocument converts a MongoDB document to a Server.
func fromDocument(doc *serverDocument) *registry.Server {
	tools := make([]registry.Tool, len(doc.Tools))
	for i, t := range doc.Tools {
		tools[i] = registry.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any(t.InputSchema),
		}
	}
	var auth *registry.AuthConfig
	if doc.AuthConfig != nil {
		auth = &registry.AuthConfig{
			TokenURL: doc.AuthConfig.TokenURL,
			ClientID: doc.AuthConfig.ClientID,
			Scopes:   doc.AuthConfig.Scopes,
		}
	}
	return &registry.Server{
		ServerID:           doc.ServerID,
		Name:               doc.Name,
		Description:        doc.Description,
		Version:            doc.Version,
		Command:            doc.Command,
		Args:               doc.Args,
		Env:                doc.Env,
		Endpoint:           doc.Endpoint,
		Headers:            doc.Headers,
		Tools:              tools,
		Capabilities:       doc.Capabilities,
		Manifest:           map[string]any(doc.Manifest),
		Metadata:           map[string]any(doc.Metadata),
		IdentityVerified:   doc.IdentityVerified,
		IdentityVerifiedAt: doc.IdentityVerifiedAt,
		PublicKey:          doc.PublicKey,
		Signature:          doc.Signature,
		OriginURL:          doc.OriginURL,
		AuthConfig:         auth,
		EncryptedTokens:    doc.EncryptedTokens,
		TokenExpiresAt:     doc.TokenExpiresAt,
		Workflow: registry.Workflow{
			State:     doc.Workflow.State,
			LockedBy:  doc.Workflow.LockedBy,
			Attempts:  doc.Workflow.Attempts,
			ContextID: doc.Workflow.ContextID,
			UpdatedAt: doc.Workflow.UpdatedAt,
		},
		IsActive:    doc.IsActive,
		PublishedAt: doc.PublishedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
