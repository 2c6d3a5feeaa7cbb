package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpmessenger/mcp-gateway/jobs"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// streamJob handles GET /api/streams/jobs/{id}: a Server-Sent Events stream
// of the job's updates. The stream opens with a snapshot of the current
// state, then relays tracker updates until the job turns terminal or the
// client disconnects.
func (g *Gateway) streamJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(ctx, w, mcperr.Internal("streaming unsupported"))
		return
	}

	// Subscribe before reading the snapshot so no update published in between
	// is lost; duplicates are harmless, gaps are not.
	sub := g.tracker.Subscribe(id)
	defer sub.Close()

	job, err := g.jobs.GetJob(ctx, id)
	if err != nil {
		respondError(ctx, w, wrapJobErr(err, id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := jobs.Update{
		Kind:     jobs.UpdateStatus,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ProgressMessage,
		Error:    job.ErrorMessage,
	}
	if job.Status.Terminal() {
		snapshot.Kind = jobs.UpdateComplete
		if latest, err := g.jobs.LatestAsset(ctx, id); err == nil {
			snapshot.Asset = latest
		}
	}
	writeSSE(w, snapshot)
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			writeSSE(w, u)
			flusher.Flush()
			if u.Kind == jobs.UpdateComplete {
				return
			}
		}
	}
}

// writeSSE frames one update as an SSE event named after the update kind.
func writeSSE(w http.ResponseWriter, u jobs.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Kind, data)
}
