// Package worker consumes the request topic and executes jobs: it moves the
// job to PROCESSING, runs the generative call with fixed progress
// checkpoints, persists the produced asset, and publishes the outcome on the
// result topic. A worker never marks a job terminal — the result topic is
// the single source of truth for completion, so workers scale independently
// and the audit trail stays replayable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	"github.com/mcpmessenger/mcp-gateway/jobs/store"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/model"
)

// Progress checkpoints reported while a job runs.
const (
	progressAccepted  = 10
	progressPreparing = 30
	progressGenerated = 70
	progressPersisted = 90
)

const defaultModelTimeout = 120 * time.Second

type (
	// Options configures a worker pool.
	Options struct {
		// Store persists jobs and assets. Required.
		Store store.Store
		// Generator produces asset content. Required.
		Generator model.Generator
		// Producer publishes result events. Required.
		Producer *events.Producer
		// Bus backs the request consumer. Required.
		Bus events.Bus
		// Tracker fans progress out to live subscribers. Optional.
		Tracker *jobs.Tracker
		// ModelTimeout bounds one generative call. Defaults to 120 s.
		ModelTimeout time.Duration
		// Concurrency is the number of concurrent consumers. Defaults to 1.
		Concurrency int
	}

	// Pool runs request consumers until its context is canceled.
	Pool struct {
		store     store.Store
		generator model.Generator
		producer  *events.Producer
		bus       events.Bus
		tracker   *jobs.Tracker
		timeout   time.Duration
		workers   int
	}
)

// New constructs a Pool.
func New(opts Options) (*Pool, error) {
	if opts.Store == nil || opts.Generator == nil || opts.Producer == nil || opts.Bus == nil {
		return nil, errors.New("store, generator, producer, and bus are required")
	}
	timeout := opts.ModelTimeout
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		store:     opts.Store,
		generator: opts.Generator,
		producer:  opts.Producer,
		bus:       opts.Bus,
		tracker:   opts.Tracker,
		timeout:   timeout,
		workers:   workers,
	}, nil
}

// Run consumes the request topic until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		consumer, err := events.NewConsumer(events.ConsumerOptions{
			Bus:     p.bus,
			Topic:   p.producer.Topics().Request,
			Group:   events.GroupWorkers,
			Handler: p.Handle,
			DLQ:     p.producer,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(ctx) })
	}
	return g.Wait()
}

// Handle executes one request event. Store failures surface as errors so the
// consumer dead-letters the message; generation failures publish
// DesignFailed and succeed, because the failure already has an owner.
func (p *Pool) Handle(ctx context.Context, e events.Event, m *events.Message) error {
	if e.Type != events.TypeDesignRequestReceived {
		log.Debugf(ctx, "ignoring %s event on request topic", e.Type)
		return nil
	}
	if e.JobID == "" {
		return mcperr.InvalidArgument("request event without job id")
	}

	job, changed, err := p.store.MarkProcessing(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("mark job %s processing: %w", e.JobID, err)
	}
	if !changed && job.Status != jobs.StatusProcessing {
		// Redelivered event for a job already finished elsewhere.
		log.Printf(ctx, "job %s already %s, skipping", job.ID, job.Status)
		return nil
	}
	p.fanOutStatus(ctx, job)

	out, err := p.generate(ctx, job)
	if err != nil {
		return p.publishFailed(ctx, job, err)
	}

	job = p.step(ctx, job, progressGenerated, "content generated")

	asset := &jobs.Asset{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		Type:          out.AssetType,
		Content:       out.Content,
		ParentAssetID: job.ParentAssetID,
	}
	if err := p.store.AddAsset(ctx, asset); err != nil {
		return fmt.Errorf("persist asset for job %s: %w", job.ID, err)
	}
	job = p.step(ctx, job, progressPersisted, "asset stored")

	ready := events.NewJobEvent(events.TypeDesignReady, job.ID, map[string]any{
		"jobId":     job.ID,
		"assetId":   asset.ID,
		"payload":   asset.Content,
		"assetType": asset.Type,
		"serverId":  job.ServerID,
	})
	if err := p.producer.PublishResult(ctx, ready); err != nil {
		return fmt.Errorf("publish DesignReady for job %s: %w", job.ID, err)
	}
	return nil
}

// generate runs the bounded model call, reporting the preparing checkpoint
// and resolving refinement lineage first.
func (p *Pool) generate(ctx context.Context, job *jobs.Job) (*model.Output, error) {
	req := model.Request{Prompt: job.Description}
	if job.ParentAssetID != "" {
		parent, err := p.store.GetAsset(ctx, job.ParentAssetID)
		if err != nil {
			return nil, fmt.Errorf("load parent asset %s: %w", job.ParentAssetID, err)
		}
		req.BaseContent = parent.Content
		req.AssetType = parent.Type
		req.Notes = job.RefinementNotes
	}
	p.step(ctx, job, progressPreparing, "generating")

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.generator.Generate(callCtx, req)
}

// step raises the job's progress checkpoint and fans it out.
func (p *Pool) step(ctx context.Context, job *jobs.Job, progress int, message string) *jobs.Job {
	updated, changed, err := p.store.UpdateProgress(ctx, job.ID, progress, message)
	if err != nil {
		log.Errorf(ctx, err, "update progress for job %s", job.ID)
		return job
	}
	if changed && p.tracker != nil {
		p.tracker.PublishProgress(ctx, updated)
	}
	return updated
}

func (p *Pool) fanOutStatus(ctx context.Context, job *jobs.Job) {
	if p.tracker != nil {
		p.tracker.PublishStatus(ctx, job)
	}
}

// publishFailed reports the failure on the result topic. The job stays
// PROCESSING until the result consumer marks it FAILED.
func (p *Pool) publishFailed(ctx context.Context, job *jobs.Job, cause error) error {
	log.Errorf(ctx, cause, "job %s failed", job.ID)
	failed := events.NewJobEvent(events.TypeDesignFailed, job.ID, map[string]any{
		"jobId":        job.ID,
		"errorMessage": cause.Error(),
		"retryable":    mcperr.IsRetryable(cause),
		"serverId":     job.ServerID,
	})
	if err := p.producer.PublishResult(ctx, failed); err != nil {
		return fmt.Errorf("publish DesignFailed for job %s: %w", job.ID, err)
	}
	return nil
}
