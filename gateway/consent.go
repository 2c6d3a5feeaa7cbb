package gateway

import (
	"net/http"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// consentRequest is the POST /api/consent body. The server's registered OAuth
// client determines which scopes may be granted.
type consentRequest struct {
	UserID   string   `json:"userId"`
	ServerID string   `json:"serverId"`
	Scopes   []string `json:"scopes"`
}

// grantConsent handles POST /api/consent: the user consents to the server's
// OAuth client acting on their behalf with the requested scopes. Scopes
// outside the client's registration are refused.
func (g *Gateway) grantConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req consentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(ctx, w, err)
		return
	}
	if req.UserID == "" || req.ServerID == "" {
		respondError(ctx, w, mcperr.InvalidArgument("userId and serverId are required"))
		return
	}

	srv, err := g.registry.GetServer(ctx, req.ServerID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if srv.AuthConfig == nil || srv.AuthConfig.ClientID == "" {
		respondError(ctx, w, mcperr.PreconditionFailed("server %s has no OAuth client configured", srv.ServerID))
		return
	}

	g.consents.RegisterClient(srv.AuthConfig.ClientID, srv.AuthConfig.Scopes)
	grant, err := g.consents.Grant(req.UserID, srv.AuthConfig.ClientID, req.Scopes)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, grant)
}

// getConsent handles GET /api/consent?userId=&clientId=.
func (g *Gateway) getConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, clientID := r.URL.Query().Get("userId"), r.URL.Query().Get("clientId")
	if userID == "" || clientID == "" {
		respondError(ctx, w, mcperr.InvalidArgument("userId and clientId are required"))
		return
	}
	grant := g.consents.Get(userID, clientID)
	if grant == nil {
		respondError(ctx, w, mcperr.NotFound("no consent for user %s and client %s", userID, clientID))
		return
	}
	respondJSON(ctx, w, http.StatusOK, grant)
}

// revokeConsent handles DELETE /api/consent?userId=&clientId=.
func (g *Gateway) revokeConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, clientID := r.URL.Query().Get("userId"), r.URL.Query().Get("clientId")
	if userID == "" || clientID == "" {
		respondError(ctx, w, mcperr.InvalidArgument("userId and clientId are required"))
		return
	}
	g.consents.Revoke(userID, clientID)
	w.WriteHeader(http.StatusNoContent)
}
