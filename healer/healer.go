// Package healer drains the dead-letter stream and gives failed events a
// second life: replay with backoff while the retry budget lasts, then a
// recovery strategy chosen from the failure text once it is exhausted.
// The healer never fails a message twice — every envelope is acknowledged,
// and unrecoverable ones end as a recovery event plus a PlanB workflow
// transition rather than another dead letter.
package healer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/events"
	jobstore "github.com/mcpmessenger/mcp-gateway/jobs/store"
	"github.com/mcpmessenger/mcp-gateway/registry"
)

// defaultRetryDelay is the backoff unit between replays: the n-th retry waits
// n times this long.
const defaultRetryDelay = 5 * time.Second

type (
	// WorkflowRegistry is the slice of the registry the healer drives.
	// Satisfied by *registry.Service.
	WorkflowRegistry interface {
		IncrementWorkflowAttempts(ctx context.Context, id string) (int, error)
		TransitionWorkflow(ctx context.Context, id, state string) error
	}

	// Options configures the Healer.
	Options struct {
		// Bus backs the dead-letter consumer. Required.
		Bus events.Bus
		// Producer re-emits replayed messages and recovery events. Required.
		Producer *events.Producer
		// Registry tracks per-server attempt counts and the PlanB transition.
		// Optional; without it only message-level retry counting applies.
		Registry WorkflowRegistry
		// Jobs marks jobs failed when recovery gives up on them. Optional.
		Jobs jobstore.Store
		// RetryDelay overrides the backoff unit. Defaults to 5 s.
		RetryDelay time.Duration
	}

	// Healer consumes the dead-letter topic.
	Healer struct {
		bus      events.Bus
		producer *events.Producer
		registry WorkflowRegistry
		jobs     jobstore.Store
		delay    time.Duration
	}
)

// New constructs a Healer.
func New(opts Options) (*Healer, error) {
	if opts.Bus == nil || opts.Producer == nil {
		return nil, errors.New("bus and producer are required")
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Healer{
		bus:      opts.Bus,
		producer: opts.Producer,
		registry: opts.Registry,
		jobs:     opts.Jobs,
		delay:    delay,
	}, nil
}

// Run consumes the dead-letter topic until ctx is canceled. Dead-letter
// payloads are envelopes, not plain messages, so the healer reads the stream
// directly instead of going through the regular consumer.
func (h *Healer) Run(ctx context.Context) error {
	topic, err := h.bus.Topic(h.producer.Topics().DLQ)
	if err != nil {
		return err
	}
	sink, err := topic.NewSink(ctx, events.GroupHealer)
	if err != nil {
		return fmt.Errorf("open healer sink: %w", err)
	}
	defer sink.Close(context.WithoutCancel(ctx))

	log.Printf(ctx, "healing %s", h.producer.Topics().DLQ)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, evt.Payload); err != nil {
				log.Errorf(ctx, err, "heal %s", evt.ID)
			}
			if err := sink.Ack(ctx, evt); err != nil {
				log.Errorf(ctx, err, "ack %s", evt.ID)
			}
		}
	}
}

// Handle processes one dead-letter payload. Errors are logged by the caller;
// the message is acknowledged either way so the healer never wedges on a
// poisoned envelope.
func (h *Healer) Handle(ctx context.Context, payload []byte) error {
	env, err := events.DecodeDLQ(payload)
	if err != nil {
		return err
	}
	m := env.Event
	e, err := events.Decode(m)
	if err != nil {
		return fmt.Errorf("decode dead-lettered event: %w", err)
	}

	count := env.RetryCount
	if n := events.RetryCountOf(m); n > count {
		count = n
	}
	// The per-server attempt counter is the durable budget: replays go
	// through fresh messages, so header counts alone would reset each cycle.
	serverID := eventServerID(e)
	if serverID != "" && h.registry != nil {
		attempts, err := h.registry.IncrementWorkflowAttempts(ctx, serverID)
		if err != nil {
			log.Printf(ctx, "healer: count attempt for %s: %v", serverID, err)
		} else if attempts-1 > count {
			count = attempts - 1
		}
	}

	if count < events.MaxHealerRetries {
		return h.retry(ctx, e, m, count)
	}
	return h.recover(ctx, e, serverID, env)
}

// retry replays the failed event after a linear backoff. Failed design
// results replay as a fresh request so the worker re-runs the job; everything
// else replays verbatim to its origin topic.
func (h *Healer) retry(ctx context.Context, e events.Event, m *events.Message, count int) error {
	wait := h.delay * time.Duration(count+1)
	log.Printf(ctx, "healer: retry %d of %s in %s", count+1, e.Type, wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	if e.Type == events.TypeDesignFailed && e.JobID != "" {
		replay := events.NewJobEvent(events.TypeDesignRequestReceived, e.JobID, map[string]any{
			"jobId":    e.JobID,
			"serverId": eventServerID(e),
		})
		rm, err := events.Encode(replay)
		if err != nil {
			return err
		}
		events.StampRetryCount(rm, count+1)
		rm.Headers[events.HeaderStatus] = "retry"
		rm.Headers[events.HeaderTopic] = h.producer.Topics().Request
		return h.producer.PublishMessage(ctx, h.producer.Topics().Request, rm)
	}

	topic := m.Headers[events.HeaderTopic]
	if topic == "" {
		topic = h.producer.Topics().Fanout
	}
	events.StampRetryCount(m, count+1)
	m.Headers[events.HeaderStatus] = "retry"
	return h.producer.PublishMessage(ctx, topic, m)
}

// recover runs once the retry budget is gone: the job fails for good, the
// server's workflow moves to PlanB, and a recovery event describing the
// chosen strategy goes out on the fan-out topic for interested operators.
func (h *Healer) recover(ctx context.Context, e events.Event, serverID string, env *events.DLQEnvelope) error {
	strategy := classify(env.Error.Message)
	log.Printf(ctx, "healer: retries exhausted for %s, strategy %s", e.Type, strategy.Name)

	if e.JobID != "" && h.jobs != nil {
		if _, _, err := h.jobs.MarkFailed(ctx, e.JobID, env.Error.Message); err != nil {
			log.Printf(ctx, "healer: mark job %s failed: %v", e.JobID, err)
		}
	}
	if serverID != "" && h.registry != nil {
		if err := h.registry.TransitionWorkflow(ctx, serverID, registry.WorkflowStatePlanB); err != nil {
			log.Printf(ctx, "healer: move %s to PlanB: %v", serverID, err)
		}
	}

	recovery := events.NewJobEvent(strategy.EventType, e.JobID, map[string]any{
		"jobId":    e.JobID,
		"serverId": serverID,
		"strategy": strategy.Name,
		"cause":    env.Error.Message,
		"waitMs":   strategy.Wait.Milliseconds(),
	})
	recovery.ServerID = serverID
	return h.producer.Publish(ctx, h.producer.Topics().Fanout, recovery)
}

// eventServerID digs the server identity out of either envelope shape.
func eventServerID(e events.Event) string {
	if e.ServerID != "" {
		return e.ServerID
	}
	if id, ok := e.Payload["serverId"].(string); ok {
		return id
	}
	return ""
}
