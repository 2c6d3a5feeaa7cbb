package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobstore "github.com/mcpmessenger/mcp-gateway/jobs/store"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

type (
	generateRequest struct {
		Description  string `json:"description"`
		Style        string `json:"style,omitempty"`
		ColorPalette string `json:"colorPalette,omitempty"`
		Size         string `json:"size,omitempty"`
		ServerID     string `json:"serverId,omitempty"`
		UserID       string `json:"userId,omitempty"`
		ClientID     string `json:"clientId,omitempty"`
	}

	refineRequest struct {
		JobID        string `json:"jobId"`
		Instructions string `json:"instructions"`
	}

	jobAccepted struct {
		JobID  string      `json:"jobId"`
		Status jobs.Status `json:"status"`
	}
)

// generateAsset handles POST /api/mcp/tools/generate: it persists a pending
// job and hands it to the workers, answering 202 immediately.
func (g *Gateway) generateAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.Description == "" {
		respondError(ctx, w, mcperr.InvalidArgument("description is required"))
		return
	}

	job := jobs.NewJob(req.ServerID, req.prompt())
	if err := g.jobs.CreateJob(ctx, job); err != nil {
		respondError(ctx, w, err)
		return
	}
	if err := g.dispatch(ctx, job, map[string]any{
		"jobId":        job.ID,
		"description":  req.Description,
		"style":        req.Style,
		"colorPalette": req.ColorPalette,
		"size":         req.Size,
		"serverId":     req.ServerID,
		"userId":       req.UserID,
		"clientId":     req.ClientID,
	}); err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusAccepted, jobAccepted{JobID: job.ID, Status: job.Status})
}

// prompt folds the optional style constraints into the generation prompt the
// model sees.
func (r generateRequest) prompt() string {
	parts := []string{r.Description}
	if r.Style != "" {
		parts = append(parts, "Style: "+r.Style)
	}
	if r.ColorPalette != "" {
		parts = append(parts, "Color palette: "+r.ColorPalette)
	}
	if r.Size != "" {
		parts = append(parts, "Size: "+r.Size)
	}
	return strings.Join(parts, "\n")
}

// refineAsset handles POST /api/mcp/tools/refine: a new job refining the
// named job's latest asset, whose produced version continues that sequence.
func (g *Gateway) refineAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req refineRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.JobID == "" || req.Instructions == "" {
		respondError(ctx, w, mcperr.InvalidArgument("jobId and instructions are required"))
		return
	}

	parentJob, err := g.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		respondError(ctx, w, wrapJobErr(err, req.JobID))
		return
	}
	parent, err := g.jobs.LatestAsset(ctx, req.JobID)
	if err != nil {
		respondError(ctx, w, wrapJobErr(err, req.JobID))
		return
	}

	job := jobs.NewRefinementJob(parentJob.ServerID, req.Instructions, parent.ID)
	if err := g.jobs.CreateJob(ctx, job); err != nil {
		respondError(ctx, w, err)
		return
	}
	if err := g.dispatch(ctx, job, map[string]any{
		"jobId":         job.ID,
		"parentJobId":   parentJob.ID,
		"parentAssetId": parent.ID,
		"instructions":  req.Instructions,
		"serverId":      parentJob.ServerID,
	}); err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusAccepted, jobAccepted{JobID: job.ID, Status: job.Status})
}

// getJob handles GET /api/mcp/tools/job/{id}.
func (g *Gateway) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := g.jobs.GetJob(ctx, id)
	if err != nil {
		respondError(ctx, w, wrapJobErr(err, id))
		return
	}
	assets, err := g.jobs.ListAssets(ctx, id)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{
		"job":    job,
		"assets": assets,
	})
}

// dispatch routes the job to the worker pool through the request topic, or to
// the in-process executor when the event fabric is disabled.
func (g *Gateway) dispatch(ctx context.Context, job *jobs.Job, payload map[string]any) error {
	if g.producer.Enabled() {
		e := events.NewJobEvent(events.TypeDesignRequestReceived, job.ID, payload)
		return g.producer.PublishRequest(ctx, e)
	}
	log.Debugf(ctx, "event fabric disabled, running job %s in process", job.ID)
	// Detach from the request: the job outlives the 202 response.
	go g.runner.run(context.WithoutCancel(ctx), job.ID)
	return nil
}

func wrapJobErr(err error, id string) error {
	if errors.Is(err, jobstore.ErrNotFound) {
		return mcperr.NotFound("%q not found", id)
	}
	return err
}
