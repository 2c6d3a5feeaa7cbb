// Package mongo provides a MongoDB implementation of the job store.
//
// Status transitions are single-document conditional updates so concurrent
// workers and the result consumer are serialized per job by MongoDB's
// document-level atomicity; a transition whose condition no longer holds
// reports changed=false instead of overwriting.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mcpmessenger/mcp-gateway/jobs"
	"github.com/mcpmessenger/mcp-gateway/jobs/store"
)

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	jobs   *mongo.Collection
	assets *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type (
	// jobDocument is the MongoDB document representation of a Job.
	jobDocument struct {
		ID              string     `bson:"_id"`
		Status          string     `bson:"status"`
		Progress        int        `bson:"progress"`
		ProgressMessage string     `bson:"progress_message,omitempty"`
		ErrorMessage    string     `bson:"error_message,omitempty"`
		ServerID        string     `bson:"server_id,omitempty"`
		Description     string     `bson:"description,omitempty"`
		RefinementNotes string     `bson:"refinement_notes,omitempty"`
		ParentAssetID   string     `bson:"parent_asset_id,omitempty"`
		CreatedAt       time.Time  `bson:"created_at"`
		UpdatedAt       time.Time  `bson:"updated_at"`
		CompletedAt     *time.Time `bson:"completed_at,omitempty"`
	}

	assetDocument struct {
		ID            string    `bson:"_id"`
		JobID         string    `bson:"job_id"`
		Type          string    `bson:"asset_type,omitempty"`
		Content       string    `bson:"content,omitempty"`
		URL           string    `bson:"url,omitempty"`
		Version       int       `bson:"version"`
		IsLatest      bool      `bson:"is_latest"`
		ParentAssetID string    `bson:"parent_asset_id,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
	}
)

// New creates a MongoDB store using the provided database.
func New(db *mongo.Database) *Store {
	return &Store{
		jobs:   db.Collection("jobs"),
		assets: db.Collection("assets"),
	}
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	if _, err := s.jobs.InsertOne(ctx, toJobDocument(job)); err != nil {
		return fmt.Errorf("mongodb create job %q: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var doc jobDocument
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get job %q: %w", id, err)
	}
	return fromJobDocument(&doc), nil
}

// MarkProcessing transitions PENDING → PROCESSING at progress 10.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*jobs.Job, bool, error) {
	filter := bson.M{"_id": id, "status": string(jobs.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":     string(jobs.StatusProcessing),
		"progress":   10,
		"updated_at": time.Now().UTC(),
	}}
	return s.transition(ctx, id, filter, update)
}

// UpdateProgress raises progress on a processing job.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, message string) (*jobs.Job, bool, error) {
	filter := bson.M{
		"_id":      id,
		"status":   string(jobs.StatusProcessing),
		"progress": bson.M{"$lt": progress},
	}
	update := bson.M{"$set": bson.M{
		"progress":         progress,
		"progress_message": message,
		"updated_at":       time.Now().UTC(),
	}}
	return s.transition(ctx, id, filter, update)
}

// MarkCompleted transitions to COMPLETED at progress 100.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*jobs.Job, bool, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": id, "status": bson.M{"$nin": terminalStatuses()}}
	update := bson.M{"$set": bson.M{
		"status":       string(jobs.StatusCompleted),
		"progress":     100,
		"updated_at":   now,
		"completed_at": now,
	}}
	return s.transition(ctx, id, filter, update)
}

// MarkFailed transitions to FAILED carrying the error message.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) (*jobs.Job, bool, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": id, "status": bson.M{"$nin": terminalStatuses()}}
	update := bson.M{"$set": bson.M{
		"status":        string(jobs.StatusFailed),
		"error_message": errMsg,
		"updated_at":    now,
		"completed_at":  now,
	}}
	return s.transition(ctx, id, filter, update)
}

// transition applies a conditional update. A filter miss on an existing job
// means the transition already happened: the current job is returned with
// changed=false.
func (s *Store) transition(ctx context.Context, id string, filter, update bson.M) (*jobs.Job, bool, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc jobDocument
	err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return fromJobDocument(&doc), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("mongodb transition job %q: %w", id, err)
	}
	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, false, nil
}

// AddAsset persists the asset, assigning version and latest flag. Asset
// creation is owned by a single consumer group, so the read-demote-insert
// sequence is not raced in practice.
func (s *Store) AddAsset(ctx context.Context, asset *jobs.Asset) error {
	version, err := s.maxVersion(ctx, asset.JobID)
	if err != nil {
		return err
	}
	if version == 0 && asset.ParentAssetID != "" {
		parent, err := s.GetAsset(ctx, asset.ParentAssetID)
		if err == nil {
			version = parent.Version
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if _, err := s.assets.UpdateMany(ctx,
		bson.M{"job_id": asset.JobID, "is_latest": true},
		bson.M{"$set": bson.M{"is_latest": false}},
	); err != nil {
		return fmt.Errorf("mongodb demote latest for job %q: %w", asset.JobID, err)
	}

	asset.Version = version + 1
	asset.IsLatest = true
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	if _, err := s.assets.InsertOne(ctx, toAssetDocument(asset)); err != nil {
		return fmt.Errorf("mongodb add asset %q: %w", asset.ID, err)
	}
	return nil
}

// GetAsset retrieves an asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*jobs.Asset, error) {
	var doc assetDocument
	err := s.assets.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get asset %q: %w", id, err)
	}
	return fromAssetDocument(&doc), nil
}

// LatestAsset returns the job's asset carrying the latest flag.
func (s *Store) LatestAsset(ctx context.Context, jobID string) (*jobs.Asset, error) {
	var doc assetDocument
	err := s.assets.FindOne(ctx, bson.M{"job_id": jobID, "is_latest": true}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb latest asset for job %q: %w", jobID, err)
	}
	return fromAssetDocument(&doc), nil
}

// ListAssets returns the job's assets ordered by version.
func (s *Store) ListAssets(ctx context.Context, jobID string) ([]*jobs.Asset, error) {
	opts := options.Find().SetSort(bson.M{"version": 1})
	cursor, err := s.assets.Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list assets for job %q: %w", jobID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []assetDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list assets decode: %w", err)
	}
	result := make([]*jobs.Asset, len(docs))
	for i, doc := range docs {
		result[i] = fromAssetDocument(&doc)
	}
	return result, nil
}

func (s *Store) maxVersion(ctx context.Context, jobID string) (int, error) {
	opts := options.FindOne().SetSort(bson.M{"version": -1})
	var doc assetDocument
	err := s.assets.FindOne(ctx, bson.M{"job_id": jobID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("mongodb max version for job %q: %w", jobID, err)
	}
	return doc.Version, nil
}

func terminalStatuses() []string {
	return []string{string(jobs.StatusCompleted), string(jobs.StatusFailed)}
}

func toJobDocument(j *jobs.Job) *jobDocument {
	return &jobDocument{
		ID:              j.ID,
		Status:          string(j.Status),
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		ErrorMessage:    j.ErrorMessage,
		ServerID:        j.ServerID,
		Description:     j.Description,
		RefinementNotes: j.RefinementNotes,
		ParentAssetID:   j.ParentAssetID,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func fromJobDocument(doc *jobDocument) *jobs.Job {
	return &jobs.Job{
		ID:              doc.ID,
		Status:          jobs.Status(doc.Status),
		Progress:        doc.Progress,
		ProgressMessage: doc.ProgressMessage,
		ErrorMessage:    doc.ErrorMessage,
		ServerID:        doc.ServerID,
		Description:     doc.Description,
		RefinementNotes: doc.RefinementNotes,
		ParentAssetID:   doc.ParentAssetID,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		CompletedAt:     doc.CompletedAt,
	}
}

func toAssetDocument(a *jobs.Asset) *assetDocument {
	return &assetDocument{
		ID:            a.ID,
		JobID:         a.JobID,
		Type:          a.Type,
		Content:       a.Content,
		URL:           a.URL,
		Version:       a.Version,
		IsLatest:      a.IsLatest,
		ParentAssetID: a.ParentAssetID,
		CreatedAt:     a.CreatedAt,
	}
}

func fromAssetDocument(doc *assetDocument) *jobs.Asset {
	return &jobs.Asset{
		ID:            doc.ID,
		JobID:         doc.JobID,
		Type:          doc.Type,
		Content:       doc.Content,
		URL:           doc.URL,
		Version:       doc.Version,
		IsLatest:      doc.IsLatest,
		ParentAssetID: doc.ParentAssetID,
		CreatedAt:     doc.CreatedAt,
	}
}
