package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobmemory "github.com/mcpmessenger/mcp-gateway/jobs/store/memory"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// nopBus satisfies events.Bus for tests that drive Handle directly.
type nopBus struct{}

func (nopBus) Topic(string) (events.Topic, error) { return nopTopic{}, nil }
func (nopBus) Close(context.Context) error        { return nil }

type nopTopic struct{}

func (nopTopic) Append(context.Context, string, []byte) (string, error) { return "0-0", nil }
func (nopTopic) NewSink(context.Context, string, ...streamopts.Sink) (events.Sink, error) {
	return nil, nil
}
func (nopTopic) Destroy(context.Context) error { return nil }

type resultsEnv struct {
	results *Results
	jobs    *jobmemory.Store
	tracker *jobs.Tracker
}

func newResultsEnv(t *testing.T) *resultsEnv {
	t.Helper()
	env := &resultsEnv{
		jobs:    jobmemory.New(),
		tracker: jobs.NewTracker(0),
	}
	producer := events.NewProducer(events.ProducerOptions{
		Bus:    nopBus{},
		Topics: events.Topics{Request: "req", Result: "res", Fanout: "fan", DLQ: "dlq"},
	})
	results, err := NewResults(ResultsOptions{
		Bus:      nopBus{},
		Producer: producer,
		Jobs:     env.jobs,
		Tracker:  env.tracker,
	})
	require.NoError(t, err)
	env.results = results
	return env
}

// processingJob creates a job already claimed by a worker.
func (env *resultsEnv) processingJob(t *testing.T) *jobs.Job {
	t.Helper()
	job := jobs.NewJob("acme/browser", "a page")
	require.NoError(t, env.jobs.CreateJob(context.Background(), job))
	job, _, err := env.jobs.MarkProcessing(context.Background(), job.ID)
	require.NoError(t, err)
	return job
}

func encoded(t *testing.T, e events.Event) *events.Message {
	t.Helper()
	m, err := events.Encode(e)
	require.NoError(t, err)
	return m
}

func TestResultsDesignReady(t *testing.T) {
	env := newResultsEnv(t)
	ctx := context.Background()
	job := env.processingJob(t)

	sub := env.tracker.Subscribe(job.ID)
	defer sub.Close()

	e := events.NewJobEvent(events.TypeDesignReady, job.ID, map[string]any{
		"jobId":     job.ID,
		"assetId":   "asset-1",
		"payload":   "<html/>",
		"assetType": "html",
	})
	require.NoError(t, env.results.Handle(ctx, e, encoded(t, e)))

	got, err := env.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	// The asset was back-filled from the event payload.
	latest, err := env.jobs.LatestAsset(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "asset-1", latest.ID)
	assert.Equal(t, "<html/>", latest.Content)

	u := <-sub.Updates()
	assert.Equal(t, jobs.UpdateComplete, u.Kind)
	require.NotNil(t, u.Asset)
	assert.Equal(t, "asset-1", u.Asset.ID)
}

func TestResultsDesignReadyRedelivery(t *testing.T) {
	env := newResultsEnv(t)
	ctx := context.Background()
	job := env.processingJob(t)

	e := events.NewJobEvent(events.TypeDesignReady, job.ID, map[string]any{
		"jobId":   job.ID,
		"payload": "<html/>",
	})
	require.NoError(t, env.results.Handle(ctx, e, encoded(t, e)))
	require.NoError(t, env.results.Handle(ctx, e, encoded(t, e)))

	// The back-fill happens once: the second delivery sees an existing asset.
	assets, err := env.jobs.ListAssets(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

func TestResultsRetryableFailureIsDeadLettered(t *testing.T) {
	env := newResultsEnv(t)
	ctx := context.Background()
	job := env.processingJob(t)

	e := events.NewJobEvent(events.TypeDesignFailed, job.ID, map[string]any{
		"jobId":        job.ID,
		"errorMessage": "upstream hiccup",
		"retryable":    true,
	})
	err := env.results.Handle(ctx, e, encoded(t, e))
	require.Error(t, err, "retryable failures surface so the consumer dead-letters them")
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))

	// The job stays claimable by a replayed request.
	got, err := env.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
}

func TestResultsExhaustedRetriesFailJob(t *testing.T) {
	env := newResultsEnv(t)
	ctx := context.Background()
	job := env.processingJob(t)

	sub := env.tracker.Subscribe(job.ID)
	defer sub.Close()

	e := events.NewJobEvent(events.TypeDesignFailed, job.ID, map[string]any{
		"jobId":        job.ID,
		"errorMessage": "upstream hiccup",
		"retryable":    true,
	})
	m := encoded(t, e)
	events.StampRetryCount(m, events.MaxHealerRetries)
	require.NoError(t, env.results.Handle(ctx, e, m))

	got, err := env.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "upstream hiccup", got.ErrorMessage)

	u := <-sub.Updates()
	assert.Equal(t, jobs.UpdateComplete, u.Kind)
	assert.Equal(t, jobs.StatusFailed, u.Status)
}

func TestResultsNonRetryableFailureFailsJob(t *testing.T) {
	env := newResultsEnv(t)
	ctx := context.Background()
	job := env.processingJob(t)

	e := events.NewJobEvent(events.TypeDesignFailed, job.ID, map[string]any{
		"jobId":        job.ID,
		"errorMessage": "prompt rejected",
		"retryable":    false,
	})
	require.NoError(t, env.results.Handle(ctx, e, encoded(t, e)))

	got, err := env.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "prompt rejected", got.ErrorMessage)
}

func TestResultsIgnoresForeignEvents(t *testing.T) {
	env := newResultsEnv(t)
	e := events.NewJobEvent("SomethingElse", "job-1", nil)
	require.NoError(t, env.results.Handle(context.Background(), e, encoded(t, e)))
}
