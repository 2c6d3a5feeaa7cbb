// Package memory provides an in-process job store used by tests and by
// deployments without a document store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcpmessenger/mcp-gateway/jobs"
	"github.com/mcpmessenger/mcp-gateway/jobs/store"
)

// Store keeps jobs and assets in maps guarded by a mutex. Values are cloned
// on the way in and out so callers cannot mutate shared state.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*jobs.Job
	assets map[string]*jobs.Asset
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*jobs.Job),
		assets: make(map[string]*jobs.Asset),
	}
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns the job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

// MarkProcessing transitions PENDING → PROCESSING at progress 10.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if j.Status != jobs.StatusPending {
		return cloneJob(j), false, nil
	}
	j.Status = jobs.StatusProcessing
	j.Progress = 10
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), true, nil
}

// UpdateProgress raises progress on a processing job. Regressions and
// terminal jobs are no-ops.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, message string) (*jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if j.Status.Terminal() || progress <= j.Progress {
		return cloneJob(j), false, nil
	}
	j.Progress = progress
	j.ProgressMessage = message
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), true, nil
}

// MarkCompleted transitions to COMPLETED at progress 100.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if j.Status.Terminal() {
		return cloneJob(j), false, nil
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusCompleted
	j.Progress = 100
	j.UpdatedAt = now
	j.CompletedAt = &now
	return cloneJob(j), true, nil
}

// MarkFailed transitions to FAILED carrying the error message.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) (*jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if j.Status.Terminal() {
		return cloneJob(j), false, nil
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusFailed
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return cloneJob(j), true, nil
}

// AddAsset persists the asset, assigning version and latest flag.
func (s *Store) AddAsset(ctx context.Context, asset *jobs.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 0
	for _, a := range s.assets {
		if a.JobID == asset.JobID {
			if a.Version > version {
				version = a.Version
			}
			a.IsLatest = false
		}
	}
	if version == 0 && asset.ParentAssetID != "" {
		if parent, ok := s.assets[asset.ParentAssetID]; ok {
			version = parent.Version
		}
	}

	stored := cloneAsset(asset)
	stored.Version = version + 1
	stored.IsLatest = true
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.assets[stored.ID] = stored
	*asset = *cloneAsset(stored)
	return nil
}

// GetAsset returns the asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*jobs.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAsset(a), nil
}

// LatestAsset returns the job's latest asset.
func (s *Store) LatestAsset(ctx context.Context, jobID string) (*jobs.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.JobID == jobID && a.IsLatest {
			return cloneAsset(a), nil
		}
	}
	return nil, store.ErrNotFound
}

// ListAssets returns the job's assets ordered by version.
func (s *Store) ListAssets(ctx context.Context, jobID string) ([]*jobs.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Asset
	for _, a := range s.assets {
		if a.JobID == jobID {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func cloneJob(j *jobs.Job) *jobs.Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneAsset(a *jobs.Asset) *jobs.Asset {
	c := *a
	return &c
}
