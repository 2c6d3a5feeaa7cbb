package gateway

import (
	"net/http"

	"github.com/mcpmessenger/mcp-gateway/broker"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// invokeRequest is the POST /invoke body.
type invokeRequest struct {
	ServerID  string            `json:"serverId"`
	Tool      string            `json:"tool"`
	Arguments map[string]any    `json:"arguments"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// invokeTool resolves the descriptor, pre-validates the arguments against the
// tool's schema, and dispatches to the right transport.
func (g *Gateway) invokeTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.ServerID == "" || req.Tool == "" {
		respondError(ctx, w, mcperr.InvalidArgument("serverId and tool are required"))
		return
	}

	srv, err := g.registry.GetServer(ctx, req.ServerID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if !srv.IsActive {
		respondError(ctx, w, mcperr.PreconditionFailed("server %s is deactivated", srv.ServerID))
		return
	}
	if err := g.registry.ValidateToolArgs(ctx, srv, req.Tool, req.Arguments); err != nil {
		respondError(ctx, w, err)
		return
	}

	// Per-request headers override the descriptor's.
	headers := make(map[string]string, len(srv.Headers)+len(req.Headers))
	for k, v := range srv.Headers {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}

	// Servers with sealed OAuth tokens get a bearer credential unless the
	// caller supplied one.
	if g.tokens != nil && srv.EncryptedTokens != "" && headers["Authorization"] == "" {
		tokens, err := g.tokens.Get(ctx, srv.ServerID)
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		tokenType := tokens.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		headers["Authorization"] = tokenType + " " + tokens.AccessToken
	}

	result, err := g.invoker.Invoke(ctx, broker.Target{
		Command:  srv.Command,
		Args:     srv.Args,
		Env:      srv.Env,
		Endpoint: srv.Endpoint,
		Headers:  headers,
	}, req.Tool, req.Arguments)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"result": result})
}
