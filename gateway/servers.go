package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpmessenger/mcp-gateway/registry"
)

// serverID reassembles the two-segment server identity from the route.
func serverID(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

// listServers handles GET /v0/servers?search=&capability=.
func (g *Gateway) listServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	servers, err := g.registry.ListServers(ctx, r.URL.Query().Get("search"), r.URL.Query().Get("capability"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if servers == nil {
		servers = []*registry.Server{}
	}
	respondJSON(ctx, w, http.StatusOK, servers)
}

// getServer handles GET /v0/servers/{owner}/{name}. Soft-deleted servers are
// still returned; callers observe IsActive.
func (g *Gateway) getServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	srv, err := g.registry.GetServer(ctx, serverID(r))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, srv)
}

// deleteServer handles DELETE /v0/servers/{owner}/{name} as a soft delete.
func (g *Gateway) deleteServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := g.registry.SoftDeleteServer(ctx, serverID(r)); err != nil {
		respondError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishServer handles POST /v0/publish.
func (g *Gateway) publishServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var srv registry.Server
	if err := decodeBody(r, &srv); err != nil {
		respondError(ctx, w, err)
		return
	}
	published, err := g.registry.PublishServer(ctx, &srv)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, published)
}
