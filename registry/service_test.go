package registry_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmessenger/mcp-gateway/broker"
	"github.com/mcpmessenger/mcp-gateway/mcperr"
	. "github.com/mcpmessenger/mcp-gateway/registry"
	"github.com/mcpmessenger/mcp-gateway/registry/store/memory"
)

type fakeDiscoverer struct {
	tools []broker.ToolInfo
	err   error
	calls int
}

func (f *fakeDiscoverer) DiscoverTools(ctx context.Context, target broker.Target) ([]broker.ToolInfo, error) {
	f.calls++
	return f.tools, f.err
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return svc
}

func descriptor(id string) *Server {
	return &Server{
		ServerID:    id,
		Name:        "Browser Tools",
		Description: "Headless browser automation",
		Endpoint:    "",
		Tools: []Tool{
			{
				Name:        "browser_navigate",
				Description: "Navigate to a URL",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{"type": "string"},
					},
					"required": []any{"url"},
				},
			},
		},
		Capabilities: []string{"browser"},
	}
}

func TestPublishServer(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	srv, err := svc.PublishServer(ctx, descriptor("acme/browser"))
	require.NoError(t, err)
	assert.True(t, srv.IsActive)
	assert.False(t, srv.PublishedAt.IsZero())
	assert.Equal(t, WorkflowStateIdle, srv.Workflow.State)
	assert.False(t, srv.IdentityVerified)

	got, err := svc.GetServer(ctx, "acme/browser")
	require.NoError(t, err)
	assert.Equal(t, "Browser Tools", got.Name)
}

func TestPublishServerRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.PublishServer(ctx, descriptor("no-slash"))
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	anon := descriptor("acme/browser")
	anon.Name = ""
	_, err = svc.PublishServer(ctx, anon)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	badTool := descriptor("acme/browser")
	badTool.Tools[0].InputSchema["type"] = "array"
	_, err = svc.PublishServer(ctx, badTool)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	noName := descriptor("acme/browser")
	noName.Tools[0].Name = ""
	_, err = svc.PublishServer(ctx, noName)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	noDescription := descriptor("acme/browser")
	noDescription.Tools[0].Description = ""
	_, err = svc.PublishServer(ctx, noDescription)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	noSchema := descriptor("acme/browser")
	noSchema.Tools[0].InputSchema = nil
	_, err = svc.PublishServer(ctx, noSchema)
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))
}

func TestPublishServerRepublishPreservesState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	first, err := svc.PublishServer(ctx, descriptor("acme/browser"))
	require.NoError(t, err)
	require.NoError(t, svc.TransitionWorkflow(ctx, "acme/browser", "DiscoveryStarted"))

	again := descriptor("acme/browser")
	again.Description = "updated"
	second, err := svc.PublishServer(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, first.PublishedAt.Unix(), second.PublishedAt.Unix())
	assert.Equal(t, "DiscoveryStarted", second.Workflow.State)
	assert.Equal(t, "updated", second.Description)
}

func TestPublishServerIdentityVerification(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TestIdentityPath {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"publicKey":"pk","signature":"sig"}`)
	}))
	defer identity.Close()

	svc := newTestService(t, Options{HTTPClient: identity.Client()})

	desc := descriptor("acme/browser")
	desc.Endpoint = identity.URL + "/mcp"
	srv, err := svc.PublishServer(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, srv.IdentityVerified)
	require.NotNil(t, srv.IdentityVerifiedAt)
	assert.Equal(t, "pk", srv.PublicKey)
	assert.Equal(t, identity.URL, srv.OriginURL)
}

func TestPublishServerIdentityFailureNonFatal(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer identity.Close()

	svc := newTestService(t, Options{HTTPClient: identity.Client()})

	desc := descriptor("acme/browser")
	desc.Endpoint = identity.URL + "/mcp"
	srv, err := svc.PublishServer(context.Background(), desc)
	require.NoError(t, err)
	assert.False(t, srv.IdentityVerified)
	assert.Nil(t, srv.IdentityVerifiedAt)

	got, err := svc.GetServer(context.Background(), "acme/browser")
	require.NoError(t, err)
	assert.Equal(t, "acme/browser", got.ServerID)
}

func TestPublishServerDiscovery(t *testing.T) {
	disc := &fakeDiscoverer{tools: []broker.ToolInfo{
		{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}},
	}}
	svc := newTestService(t, Options{Discoverer: disc})

	desc := descriptor("acme/files")
	desc.Command = "npx"
	desc.Args = []string{"-y", "server-files"}
	desc.Tools = nil
	srv, err := svc.PublishServer(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 1, disc.calls)
	require.Len(t, srv.Tools, 1)
	assert.Equal(t, "read_file", srv.Tools[0].Name)
}

func TestPublishServerDiscoveryFailureYieldsEmptyTools(t *testing.T) {
	disc := &fakeDiscoverer{err: mcperr.Timeout("discovery timed out")}
	svc := newTestService(t, Options{Discoverer: disc})

	desc := descriptor("acme/files")
	desc.Command = "npx"
	srv, err := svc.PublishServer(context.Background(), desc)
	require.NoError(t, err)
	assert.Empty(t, srv.Tools)
}

func TestListServers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	a := descriptor("acme/browser")
	_, err := svc.PublishServer(ctx, a)
	require.NoError(t, err)

	b := descriptor("acme/files")
	b.Name = "File Tools"
	b.Description = "Filesystem access"
	b.Capabilities = []string{"files"}
	_, err = svc.PublishServer(ctx, b)
	require.NoError(t, err)

	all, err := svc.ListServers(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Case-insensitive substring over name, description, id.
	found, err := svc.ListServers(ctx, "BROWSER", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "acme/browser", found[0].ServerID)

	found, err = svc.ListServers(ctx, "filesystem", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "acme/files", found[0].ServerID)

	found, err = svc.ListServers(ctx, "", "files")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "acme/files", found[0].ServerID)

	found, err = svc.ListServers(ctx, "acme", "browser")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "acme/browser", found[0].ServerID)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.PublishServer(ctx, descriptor("acme/browser"))
	require.NoError(t, err)
	require.NoError(t, svc.SoftDeleteServer(ctx, "acme/browser"))

	all, err := svc.ListServers(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, all)

	// The record survives and stays fetchable by id.
	got, err := svc.GetServer(ctx, "acme/browser")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	err = svc.SoftDeleteServer(ctx, "missing/server")
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))
}

func TestValidateToolArgs(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	srv, err := svc.PublishServer(ctx, descriptor("acme/browser"))
	require.NoError(t, err)

	// Valid arguments pass.
	err = svc.ValidateToolArgs(ctx, srv, "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	// Missing required property fails before any transport work.
	err = svc.ValidateToolArgs(ctx, srv, "browser_navigate", map[string]any{})
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	// Wrong type fails.
	err = svc.ValidateToolArgs(ctx, srv, "browser_navigate", map[string]any{"url": 42})
	assert.Equal(t, mcperr.KindInvalidArgument, mcperr.KindOf(err))

	// Unknown tool on a server with a catalog is rejected.
	err = svc.ValidateToolArgs(ctx, srv, "no_such_tool", nil)
	assert.Equal(t, mcperr.KindNotFound, mcperr.KindOf(err))

	// A server without a catalog passes everything through.
	bare := &Server{ServerID: "acme/bare"}
	require.NoError(t, svc.ValidateToolArgs(ctx, bare, "anything", map[string]any{"x": 1}))
}
