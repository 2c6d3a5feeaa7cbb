package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobstore "github.com/mcpmessenger/mcp-gateway/jobs/store"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

type (
	// ResultsOptions configures the result consumer.
	ResultsOptions struct {
		// Bus backs the consumer. Required.
		Bus events.Bus
		// Producer provides the topic names and the dead-letter sink. Required.
		Producer *events.Producer
		// Jobs persists jobs and assets. Required.
		Jobs jobstore.Store
		// Tracker fans terminal transitions out to live subscribers. Optional.
		Tracker *jobs.Tracker
	}

	// Results consumes the result topic and owns terminal job transitions:
	// DesignReady completes the job, DesignFailed fails it. Retryable
	// failures are handed to the dead-letter stream instead, where the healer
	// decides whether the job gets another attempt.
	Results struct {
		bus      events.Bus
		producer *events.Producer
		jobs     jobstore.Store
		tracker  *jobs.Tracker
	}
)

// NewResults constructs the result consumer.
func NewResults(opts ResultsOptions) (*Results, error) {
	if opts.Bus == nil || opts.Producer == nil || opts.Jobs == nil {
		return nil, errors.New("bus, producer, and jobs are required")
	}
	return &Results{
		bus:      opts.Bus,
		producer: opts.Producer,
		jobs:     opts.Jobs,
		tracker:  opts.Tracker,
	}, nil
}

// Run consumes the result topic until ctx is canceled.
func (c *Results) Run(ctx context.Context) error {
	consumer, err := events.NewConsumer(events.ConsumerOptions{
		Bus:     c.bus,
		Topic:   c.producer.Topics().Result,
		Group:   events.GroupGateway,
		Handler: c.Handle,
		DLQ:     c.producer,
	})
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

// Handle applies one result event to the job store.
func (c *Results) Handle(ctx context.Context, e events.Event, m *events.Message) error {
	switch e.Type {
	case events.TypeDesignReady:
		return c.handleReady(ctx, e)
	case events.TypeDesignFailed:
		return c.handleFailed(ctx, e, m)
	default:
		log.Debugf(ctx, "ignoring %s event on result topic", e.Type)
		return nil
	}
}

func (c *Results) handleReady(ctx context.Context, e events.Event) error {
	if e.JobID == "" {
		return mcperr.InvalidArgument("DesignReady without job id")
	}
	// Back-fill the asset when the producing worker did not persist one, so
	// results from external workers still land in the store.
	existing, err := c.jobs.ListAssets(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("list assets for job %s: %w", e.JobID, err)
	}
	if len(existing) == 0 {
		if asset := assetFromPayload(e); asset != nil {
			if err := c.jobs.AddAsset(ctx, asset); err != nil {
				return fmt.Errorf("back-fill asset for job %s: %w", e.JobID, err)
			}
		}
	}

	job, changed, err := c.jobs.MarkCompleted(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", e.JobID, err)
	}
	if !changed {
		// Redelivery of a result already applied.
		return nil
	}
	log.Printf(ctx, "job %s completed", job.ID)

	if c.tracker != nil {
		latest, err := c.jobs.LatestAsset(ctx, job.ID)
		if err != nil {
			latest = nil
		}
		c.tracker.PublishComplete(ctx, job, latest)
	}
	return nil
}

// handleFailed fails the job, unless the failure is retryable: those are
// dead-lettered by returning an error, keeping the job in PROCESSING so a
// replayed request can still finish it.
func (c *Results) handleFailed(ctx context.Context, e events.Event, m *events.Message) error {
	if e.JobID == "" {
		return mcperr.InvalidArgument("DesignFailed without job id")
	}
	retryable, _ := e.Payload["retryable"].(bool)
	errMsg, _ := e.Payload["errorMessage"].(string)
	if errMsg == "" {
		errMsg = "generation failed"
	}

	if retryable && events.RetryCountOf(m) < events.MaxHealerRetries {
		if c.tracker != nil {
			c.tracker.Publish(ctx, jobs.Update{
				Kind:    jobs.UpdateStatus,
				JobID:   e.JobID,
				Status:  jobs.StatusProcessing,
				Message: "retrying after failure",
			})
		}
		return mcperr.Upstream("job %s failed retryably: %s", e.JobID, errMsg)
	}

	job, changed, err := c.jobs.MarkFailed(ctx, e.JobID, errMsg)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", e.JobID, err)
	}
	if !changed {
		return nil
	}
	log.Printf(ctx, "job %s failed: %s", job.ID, errMsg)

	if c.tracker != nil {
		c.tracker.PublishComplete(ctx, job, nil)
	}
	return nil
}

// assetFromPayload reconstructs the asset carried by a DesignReady payload.
func assetFromPayload(e events.Event) *jobs.Asset {
	content, _ := e.Payload["payload"].(string)
	if content == "" {
		return nil
	}
	id, _ := e.Payload["assetId"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	assetType, _ := e.Payload["assetType"].(string)
	return &jobs.Asset{
		ID:      id,
		JobID:   e.JobID,
		Type:    assetType,
		Content: content,
	}
}
