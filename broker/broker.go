// Package broker invokes tools on remote MCP servers over two transports:
// long-lived child processes speaking line-delimited JSON-RPC on stdio, and
// HTTP endpoints speaking either JSON-RPC or the custom invoke dialect.
//
// The broker is transport only: it knows nothing about the catalog or jobs.
// Callers resolve a descriptor to a Target and receive typed content parts.
package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

const (
	// protocolVersion is the MCP protocol revision sent in initialize.
	protocolVersion = "2024-11-05"

	// initTimeout bounds the stdio initialize exchange.
	initTimeout = 10 * time.Second
	// toolCallTimeout bounds the stdio tools/call exchange.
	toolCallTimeout = 120 * time.Second
	// sessionIdleTimeout expires cached HTTP sessions.
	sessionIdleTimeout = 30 * time.Minute
	// browserCloseTimeout bounds the opportunistic browser_close probe.
	browserCloseTimeout = 5 * time.Second
	// browserCloseSettle is the pause after the probe before navigating.
	browserCloseSettle = time.Second
)

type (
	// Target is the transport-level view of a server descriptor. A target with
	// a Command is invoked over stdio; one with only an Endpoint over HTTP.
	Target struct {
		// Command, Args, and Env spawn the stdio child. Env entries override
		// the inherited process environment.
		Command string
		Args    []string
		Env     map[string]string

		// Endpoint is the HTTP URL. Endpoints containing "/mcp/invoke" use the
		// custom invoke dialect instead of JSON-RPC.
		Endpoint string
		// Headers are merged over the broker defaults. Authorization values are
		// normalized (bare Google keys and bare tokens are wrapped).
		Headers map[string]string
	}

	// Content is one typed part of a tool result.
	Content struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Data     string `json:"data,omitempty"`
		URL      string `json:"url,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	}

	// Result is the outcome of a tool invocation.
	Result struct {
		Content []Content `json:"content"`
		IsError bool      `json:"isError"`
	}

	// ToolInfo is one entry of a server's advertised tool catalog, as returned
	// by tools/list during discovery.
	ToolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	// Options configures the broker.
	Options struct {
		// HTTPClient overrides the default client used for HTTP transports.
		HTTPClient *http.Client
		// ClientName and ClientVersion identify this gateway in the MCP
		// initialize handshake.
		ClientName    string
		ClientVersion string
	}

	// Broker dispatches invocations to the right transport and owns the HTTP
	// session cache. Safe for concurrent use.
	Broker struct {
		client        *http.Client
		sessions      *sessionCache
		clientName    string
		clientVersion string
	}
)

// New constructs a Broker.
func New(opts Options) *Broker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: toolCallTimeout}
	}
	name := opts.ClientName
	if name == "" {
		name = "mcp-gateway"
	}
	version := opts.ClientVersion
	if version == "" {
		version = "0.0.0"
	}
	return &Broker{
		client:        client,
		sessions:      newSessionCache(sessionIdleTimeout),
		clientName:    name,
		clientVersion: version,
	}
}

// Invoke calls the named tool on the target and returns its content parts.
// Dispatch: a target with an endpoint and no command uses HTTP; one with a
// command uses stdio; a target with neither cannot be invoked.
func (b *Broker) Invoke(ctx context.Context, target Target, tool string, args map[string]any) (*Result, error) {
	switch {
	case target.Command != "":
		return b.invokeStdio(ctx, target, tool, args)
	case target.Endpoint != "":
		return b.invokeHTTP(ctx, target, tool, args)
	default:
		return nil, mcperr.PreconditionFailed("target has neither endpoint nor command")
	}
}

// DiscoverTools briefly spawns the target's stdio server, runs the initialize
// handshake followed by tools/list, and returns the advertised catalog. The
// caller bounds the total duration through ctx.
func (b *Broker) DiscoverTools(ctx context.Context, target Target) ([]ToolInfo, error) {
	if target.Command == "" {
		return nil, mcperr.PreconditionFailed("tool discovery requires a stdio command")
	}
	return b.discoverStdio(ctx, target)
}
