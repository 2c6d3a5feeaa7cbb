package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// problem is the error body every endpoint returns.
type problem struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

// respondError maps the error's kind onto an HTTP status and writes the
// problem body.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := mcperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf(ctx, err, "request failed")
	} else {
		log.Debugf(ctx, "request rejected: %v", err)
	}
	respondJSON(ctx, w, status, problem{Error: err.Error()})
}

// decodeBody parses the JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return mcperr.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
