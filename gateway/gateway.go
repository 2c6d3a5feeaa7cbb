// Package gateway is the HTTP surface of the system: the registry REST API,
// synchronous tool invocation, asynchronous generation jobs, and the live
// progress adapters (SSE and WebSocket). It also hosts the result consumer
// that marks jobs terminal.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/broker"
	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobstore "github.com/mcpmessenger/mcp-gateway/jobs/store"
	memstore "github.com/mcpmessenger/mcp-gateway/memory/store"
	"github.com/mcpmessenger/mcp-gateway/model"
	"github.com/mcpmessenger/mcp-gateway/registry"
	"github.com/mcpmessenger/mcp-gateway/vault"
)

type (
	// Invoker dispatches a tool call to a transport target. Satisfied by
	// *broker.Broker.
	Invoker interface {
		Invoke(ctx context.Context, target broker.Target, tool string, args map[string]any) (*broker.Result, error)
	}

	// TokenSource yields the bearer token for a server with stored OAuth
	// credentials, refreshing it when expired. Satisfied by *vault.Tokens.
	TokenSource interface {
		Get(ctx context.Context, serverID string) (*vault.TokenSet, error)
	}

	// Options configures the Gateway.
	Options struct {
		// Registry serves the server catalog. Required.
		Registry *registry.Service
		// Invoker executes tool calls. Required.
		Invoker Invoker
		// Jobs persists generation jobs and assets. Required.
		Jobs jobstore.Store
		// Tracker fans live job updates out to SSE and WebSocket subscribers.
		// Required.
		Tracker *jobs.Tracker
		// Memory persists memory entries and durable tasks. Required.
		Memory memstore.Store
		// Tokens injects bearer credentials into invocations of servers with
		// stored OAuth tokens. Optional.
		Tokens TokenSource
		// Consents ledgers per-(client, user) consent grants. Defaults to a
		// fresh in-memory store.
		Consents *vault.ConsentStore
		// Producer publishes request events. A disabled producer switches the
		// generation endpoints to the in-process fallback executor.
		Producer *events.Producer
		// Generator backs the in-process fallback executor. Required when the
		// producer is disabled.
		Generator model.Generator
		// ModelTimeout bounds one fallback generation call. Defaults to 120 s.
		ModelTimeout time.Duration
		// AllowedOrigins configures CORS. Empty allows every origin.
		AllowedOrigins []string
	}

	// Gateway holds the handler dependencies. Construct with New and mount
	// with Router.
	Gateway struct {
		registry *registry.Service
		invoker  Invoker
		jobs     jobstore.Store
		memory   memstore.Store
		tokens   TokenSource
		consents *vault.ConsentStore
		tracker  *jobs.Tracker
		producer *events.Producer
		runner   *inlineRunner
		origins  []string
	}
)

// New constructs a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil || opts.Invoker == nil || opts.Jobs == nil || opts.Memory == nil || opts.Tracker == nil {
		return nil, errors.New("registry, invoker, jobs, memory, and tracker are required")
	}
	if !opts.Producer.Enabled() && opts.Generator == nil {
		return nil, errors.New("generator is required when the event producer is disabled")
	}
	consents := opts.Consents
	if consents == nil {
		consents = vault.NewConsentStore()
	}
	g := &Gateway{
		registry: opts.Registry,
		invoker:  opts.Invoker,
		jobs:     opts.Jobs,
		memory:   opts.Memory,
		tokens:   opts.Tokens,
		consents: consents,
		tracker:  opts.Tracker,
		producer: opts.Producer,
		origins:  opts.AllowedOrigins,
	}
	if opts.Generator != nil {
		g.runner = newInlineRunner(opts.Jobs, opts.Generator, opts.Tracker, opts.ModelTimeout)
	}
	return g, nil
}

// Router mounts the full HTTP surface. logCtx carries the logger the request
// middleware attaches to every request context.
func (g *Gateway) Router(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(logCtx))
	origins := g.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(context.Background(), w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v0", func(r chi.Router) {
		r.Get("/servers", g.listServers)
		r.Get("/servers/{owner}/{name}", g.getServer)
		r.Delete("/servers/{owner}/{name}", g.deleteServer)
		r.Post("/publish", g.publishServer)
	})

	r.Post("/invoke", g.invokeTool)

	r.Route("/api", func(r chi.Router) {
		r.Post("/mcp/tools/generate", g.generateAsset)
		r.Post("/mcp/tools/refine", g.refineAsset)
		r.Get("/mcp/tools/job/{id}", g.getJob)
		r.Get("/streams/jobs/{id}", g.streamJob)

		r.Post("/consent", g.grantConsent)
		r.Get("/consent", g.getConsent)
		r.Delete("/consent", g.revokeConsent)

		r.Post("/memory", g.upsertMemory)
		r.Get("/memory", g.readMemory)
		r.Delete("/memory", g.deleteMemory)

		r.Post("/tasks", g.createTask)
		r.Get("/tasks", g.listTasks)
		r.Get("/tasks/{id}", g.getTask)
		r.Post("/tasks/{id}/status", g.updateTask)
	})

	r.Get("/ws", g.serveWS)

	return r
}
