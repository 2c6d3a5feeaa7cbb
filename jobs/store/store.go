// Package store defines the persistence contract for jobs and assets.
package store

import (
	"context"
	"errors"

	"github.com/mcpmessenger/mcp-gateway/jobs"
)

// ErrNotFound is returned when the referenced job or asset does not exist.
var ErrNotFound = errors.New("not found")

// Store persists jobs and assets. Mutations are serialized through the
// store so concurrent workers and the result consumer cannot interleave
// partial writes. All transition methods are idempotent: repeating one on a
// job already in the target state reports changed=false and alters nothing.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *jobs.Job) error
	// GetJob returns the job by id.
	GetJob(ctx context.Context, id string) (*jobs.Job, error)

	// MarkProcessing transitions PENDING → PROCESSING at progress 10.
	MarkProcessing(ctx context.Context, id string) (*jobs.Job, bool, error)
	// UpdateProgress raises progress and replaces the message. Lower progress
	// values and terminal jobs are left untouched (changed=false).
	UpdateProgress(ctx context.Context, id string, progress int, message string) (*jobs.Job, bool, error)
	// MarkCompleted transitions to COMPLETED at progress 100 and stamps
	// CompletedAt.
	MarkCompleted(ctx context.Context, id string) (*jobs.Job, bool, error)
	// MarkFailed transitions to FAILED carrying the error message and stamps
	// CompletedAt.
	MarkFailed(ctx context.Context, id string, errMsg string) (*jobs.Job, bool, error)

	// AddAsset persists a new asset, assigning its version and latest flag:
	// version continues the job's sequence (or the parent asset's when the
	// job has none and a parent is linked) and the previous latest is
	// demoted.
	AddAsset(ctx context.Context, asset *jobs.Asset) error
	// GetAsset returns the asset by id.
	GetAsset(ctx context.Context, id string) (*jobs.Asset, error)
	// LatestAsset returns the job's asset carrying IsLatest.
	LatestAsset(ctx context.Context, jobID string) (*jobs.Asset, error)
	// ListAssets returns all assets of the job ordered by version.
	ListAssets(ctx context.Context, jobID string) ([]*jobs.Asset, error)
}
