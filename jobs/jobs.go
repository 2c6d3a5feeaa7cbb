// Package jobs holds the job and asset model shared by the gateway, the
// worker pool, and the result consumer, plus the in-memory tracker that fans
// job updates out to live subscribers.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type (
	// Job tracks one client request from acceptance to terminal state.
	// Progress is monotonically non-decreasing except on failure; CompletedAt
	// is set exactly when the status turns terminal. Workers move jobs to
	// PROCESSING; only the gateway's result consumer marks them terminal.
	Job struct {
		ID              string     `json:"id"`
		Status          Status     `json:"status"`
		Progress        int        `json:"progress"`
		ProgressMessage string     `json:"progressMessage,omitempty"`
		ErrorMessage    string     `json:"errorMessage,omitempty"`
		ServerID        string     `json:"serverId,omitempty"`
		Description     string     `json:"description,omitempty"`
		RefinementNotes string     `json:"refinementNotes,omitempty"`
		ParentAssetID   string     `json:"parentAssetId,omitempty"`
		CreatedAt       time.Time  `json:"createdAt"`
		UpdatedAt       time.Time  `json:"updatedAt"`
		CompletedAt     *time.Time `json:"completedAt,omitempty"`
	}

	// Asset is a produced artifact owned by a job. Versions are contiguous
	// from 1 within a job; exactly one asset per job carries IsLatest. A
	// refinement links to its parent asset and continues the parent's
	// version sequence.
	Asset struct {
		ID            string    `json:"id"`
		JobID         string    `json:"jobId"`
		Type          string    `json:"assetType"`
		Content       string    `json:"content,omitempty"`
		URL           string    `json:"url,omitempty"`
		Version       int       `json:"version"`
		IsLatest      bool      `json:"isLatest"`
		ParentAssetID string    `json:"parentAssetId,omitempty"`
		CreatedAt     time.Time `json:"createdAt"`
	}
)

// NewJob builds a pending job for the given request.
func NewJob(serverID, description string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Progress:    0,
		ServerID:    serverID,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewRefinementJob builds a pending job that refines an existing asset.
func NewRefinementJob(serverID, notes, parentAssetID string) *Job {
	j := NewJob(serverID, "")
	j.RefinementNotes = notes
	j.ParentAssetID = parentAssetID
	return j
}
