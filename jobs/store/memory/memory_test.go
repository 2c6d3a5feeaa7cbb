package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmessenger/mcp-gateway/jobs"
	"github.com/mcpmessenger/mcp-gateway/jobs/store"
)

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := jobs.NewJob("acme/browser", "generate a logo")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)

	// PENDING → PROCESSING at progress 10.
	got, changed, err := s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Equal(t, 10, got.Progress)

	// Redelivery is a no-op.
	_, changed, err = s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	for _, p := range []int{30, 70, 90} {
		got, changed, err = s.UpdateProgress(ctx, job.ID, p, "step")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, p, got.Progress)
	}

	// Progress never regresses.
	got, changed, err = s.UpdateProgress(ctx, job.ID, 50, "stale")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 90, got.Progress)

	got, changed, err = s.MarkCompleted(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	// Replaying completion changes nothing.
	again, changed, err := s.MarkCompleted(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, got.CompletedAt.Unix(), again.CompletedAt.Unix())

	// A terminal job ignores further progress and failure writes.
	_, changed, err = s.UpdateProgress(ctx, job.ID, 99, "late")
	require.NoError(t, err)
	assert.False(t, changed)
	_, changed, err = s.MarkFailed(ctx, job.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := jobs.NewJob("acme/browser", "generate")
	require.NoError(t, s.CreateJob(ctx, job))
	_, _, err := s.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)

	got, changed, err := s.MarkFailed(ctx, job.ID, "ECONNREFUSED")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "ECONNREFUSED", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestUnknownJob(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = s.MarkProcessing(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LatestAsset(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssetVersioning(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &jobs.Asset{ID: "a-1", JobID: "job-1", Type: "svg", Content: "v1"}
	require.NoError(t, s.AddAsset(ctx, first))
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.IsLatest)

	second := &jobs.Asset{ID: "a-2", JobID: "job-1", Type: "svg", Content: "v2"}
	require.NoError(t, s.AddAsset(ctx, second))
	assert.Equal(t, 2, second.Version)

	latest, err := s.LatestAsset(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a-2", latest.ID)

	demoted, err := s.GetAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, demoted.IsLatest)

	all, err := s.ListAssets(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []int{all[0].Version, all[1].Version}, []int{1, 2})
}

func TestRefinementContinuesParentSequence(t *testing.T) {
	ctx := context.Background()
	s := New()

	parent := &jobs.Asset{ID: "a-1", JobID: "job-1", Type: "svg", Content: "v1"}
	require.NoError(t, s.AddAsset(ctx, parent))
	bump := &jobs.Asset{ID: "a-2", JobID: "job-1", Type: "svg", Content: "v2"}
	require.NoError(t, s.AddAsset(ctx, bump))

	// The refinement job starts its own sequence at the parent's version + 1.
	refined := &jobs.Asset{ID: "a-3", JobID: "job-2", Type: "svg", Content: "v3", ParentAssetID: "a-2"}
	require.NoError(t, s.AddAsset(ctx, refined))
	assert.Equal(t, 3, refined.Version)
	assert.True(t, refined.IsLatest)

	// The parent job's latest is untouched.
	latest, err := s.LatestAsset(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a-2", latest.ID)
}

// Versions within a job stay contiguous from 1 and exactly one asset carries
// the latest flag, whatever the insertion count.
func TestAssetInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("contiguous versions, single latest", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			s := New()
			for i := 0; i < n; i++ {
				a := &jobs.Asset{ID: uuid.NewString(), JobID: "job-1", Type: "svg"}
				if err := s.AddAsset(ctx, a); err != nil {
					return false
				}
			}
			all, err := s.ListAssets(ctx, "job-1")
			if err != nil || len(all) != n {
				return false
			}
			latest := 0
			for i, a := range all {
				if a.Version != i+1 {
					return false
				}
				if a.IsLatest {
					latest++
					if a.Version != n {
						return false
					}
				}
			}
			return n == 0 || latest == 1
		},
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
