package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobstore "github.com/mcpmessenger/mcp-gateway/jobs/store"
	"github.com/mcpmessenger/mcp-gateway/model"
)

const defaultInlineTimeout = 120 * time.Second

// inlineRunner executes a job end to end inside the gateway process. It is
// the fallback path used when the event fabric is disabled: same lifecycle
// and tracker fan-out as the worker pool plus result consumer, minus the
// replayable audit trail.
type inlineRunner struct {
	store     jobstore.Store
	generator model.Generator
	tracker   *jobs.Tracker
	timeout   time.Duration
}

func newInlineRunner(store jobstore.Store, generator model.Generator, tracker *jobs.Tracker, timeout time.Duration) *inlineRunner {
	if timeout <= 0 {
		timeout = defaultInlineTimeout
	}
	return &inlineRunner{store: store, generator: generator, tracker: tracker, timeout: timeout}
}

// run drives the job to a terminal state. Failures are recorded on the job;
// run never panics the caller's goroutine.
func (r *inlineRunner) run(ctx context.Context, jobID string) {
	job, _, err := r.store.MarkProcessing(ctx, jobID)
	if err != nil {
		log.Errorf(ctx, err, "inline job %s: mark processing", jobID)
		return
	}
	r.tracker.PublishStatus(ctx, job)

	out, err := r.generate(ctx, job)
	if err != nil {
		r.fail(ctx, job.ID, err)
		return
	}
	job = r.step(ctx, job, 70, "content generated")

	asset := &jobs.Asset{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		Type:          out.AssetType,
		Content:       out.Content,
		ParentAssetID: job.ParentAssetID,
	}
	if err := r.store.AddAsset(ctx, asset); err != nil {
		r.fail(ctx, job.ID, err)
		return
	}
	r.step(ctx, job, 90, "asset stored")

	done, _, err := r.store.MarkCompleted(ctx, job.ID)
	if err != nil {
		log.Errorf(ctx, err, "inline job %s: mark completed", job.ID)
		return
	}
	latest, err := r.store.LatestAsset(ctx, job.ID)
	if err != nil {
		latest = asset
	}
	r.tracker.PublishComplete(ctx, done, latest)
}

func (r *inlineRunner) generate(ctx context.Context, job *jobs.Job) (*model.Output, error) {
	req := model.Request{Prompt: job.Description}
	if job.ParentAssetID != "" {
		parent, err := r.store.GetAsset(ctx, job.ParentAssetID)
		if err != nil {
			return nil, err
		}
		req.BaseContent = parent.Content
		req.AssetType = parent.Type
		req.Notes = job.RefinementNotes
	}
	r.step(ctx, job, 30, "generating")

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.generator.Generate(callCtx, req)
}

func (r *inlineRunner) step(ctx context.Context, job *jobs.Job, progress int, message string) *jobs.Job {
	updated, changed, err := r.store.UpdateProgress(ctx, job.ID, progress, message)
	if err != nil {
		log.Errorf(ctx, err, "inline job %s: update progress", job.ID)
		return job
	}
	if changed {
		r.tracker.PublishProgress(ctx, updated)
	}
	return updated
}

func (r *inlineRunner) fail(ctx context.Context, jobID string, cause error) {
	log.Errorf(ctx, cause, "inline job %s failed", jobID)
	job, _, err := r.store.MarkFailed(ctx, jobID, cause.Error())
	if err != nil {
		log.Errorf(ctx, err, "inline job %s: mark failed", jobID)
		return
	}
	r.tracker.PublishComplete(ctx, job, nil)
}
