package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
	"github.com/mcpmessenger/mcp-gateway/memory"
	memstore "github.com/mcpmessenger/mcp-gateway/memory/store"
)

type (
	upsertMemoryRequest struct {
		ConversationID string `json:"conversationId,omitempty"`
		UserID         string `json:"userId,omitempty"`
		Key            string `json:"key"`
		Value          string `json:"value"`
		Type           string `json:"type"`
		Importance     int    `json:"importance"`
		TTLSeconds     int    `json:"ttlSeconds,omitempty"`
	}

	createTaskRequest struct {
		ServerID string `json:"serverId,omitempty"`
		Name     string `json:"name"`
	}

	updateTaskRequest struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Output   string `json:"output,omitempty"`
		Error    string `json:"error,omitempty"`
	}
)

func scopeFromQuery(r *http.Request) memory.Scope {
	q := r.URL.Query()
	return memory.Scope{
		ConversationID: q.Get("conversationId"),
		UserID:         q.Get("userId"),
	}
}

// upsertMemory handles POST /api/memory.
func (g *Gateway) upsertMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req upsertMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	scope := memory.Scope{ConversationID: req.ConversationID, UserID: req.UserID}
	entry, err := memory.NewEntry(scope, req.Key, req.Value, req.Type, req.Importance)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second).UTC()
		entry.ExpiresAt = &expires
	}
	stored, err := g.memory.UpsertEntry(ctx, entry)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, stored)
}

// readMemory handles GET /api/memory. With a key it recalls the single entry
// (recording the access), without one it lists the scope ranked by importance.
func (g *Gateway) readMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := scopeFromQuery(r)
	if scope.ConversationID == "" && scope.UserID == "" {
		respondError(ctx, w, mcperr.InvalidArgument("conversationId or userId is required"))
		return
	}
	if key := r.URL.Query().Get("key"); key != "" {
		entry, err := g.memory.RecallEntry(ctx, scope, key)
		if err != nil {
			respondError(ctx, w, wrapMemoryErr(err, key))
			return
		}
		respondJSON(ctx, w, http.StatusOK, entry)
		return
	}
	entries, err := g.memory.ListEntries(ctx, scope)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if entries == nil {
		entries = []*memory.Entry{}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// deleteMemory handles DELETE /api/memory.
func (g *Gateway) deleteMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := scopeFromQuery(r)
	key := r.URL.Query().Get("key")
	if key == "" {
		respondError(ctx, w, mcperr.InvalidArgument("key is required"))
		return
	}
	if err := g.memory.DeleteEntry(ctx, scope, key); err != nil {
		respondError(ctx, w, wrapMemoryErr(err, key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createTask handles POST /api/tasks.
func (g *Gateway) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	task, err := memory.NewTask(req.ServerID, req.Name)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if err := g.memory.CreateTask(ctx, task); err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, task)
}

// getTask handles GET /api/tasks/{id}.
func (g *Gateway) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	task, err := g.memory.GetTask(ctx, id)
	if err != nil {
		respondError(ctx, w, wrapMemoryErr(err, id))
		return
	}
	respondJSON(ctx, w, http.StatusOK, task)
}

// updateTask handles POST /api/tasks/{id}/status. Updating a terminal task
// answers 409 with the task's final state.
func (g *Gateway) updateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	switch req.Status {
	case memory.TaskPending, memory.TaskRunning, memory.TaskCompleted, memory.TaskFailed:
	default:
		respondError(ctx, w, mcperr.InvalidArgument("unknown task status %q", req.Status))
		return
	}
	if req.Progress < 0 || req.Progress > 100 {
		respondError(ctx, w, mcperr.InvalidArgument("progress must be between 0 and 100, got %d", req.Progress))
		return
	}
	task, changed, err := g.memory.UpdateTask(ctx, id, req.Status, req.Progress, req.Output, req.Error)
	if err != nil {
		respondError(ctx, w, wrapMemoryErr(err, id))
		return
	}
	if !changed {
		respondError(ctx, w, mcperr.PreconditionFailed("task %s is already %s", id, task.Status))
		return
	}
	respondJSON(ctx, w, http.StatusOK, task)
}

// listTasks handles GET /api/tasks with an optional serverId filter.
func (g *Gateway) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := g.memory.ListTasks(ctx, r.URL.Query().Get("serverId"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if tasks == nil {
		tasks = []*memory.Task{}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func wrapMemoryErr(err error, id string) error {
	if errors.Is(err, memstore.ErrNotFound) {
		return mcperr.NotFound("%q not found", id)
	}
	return err
}
