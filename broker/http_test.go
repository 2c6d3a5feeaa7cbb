package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// rpcEcho is a minimal JSON-RPC MCP server for tests. It answers initialize
// and tools/call and records the methods it saw.
type rpcEcho struct {
	mu      sync.Mutex
	methods []string
	// rejectJoined makes the server demand repeated Accept headers, answering
	// 406 to comma-joined variants.
	rejectJoined bool
	requests     int
}

func (e *rpcEcho) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.requests++
		e.mu.Unlock()
		if e.rejectJoined && len(r.Header.Values("Accept")) < 2 {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.methods = append(e.methods, req.Method)
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05"}}`, req.ID)
		case "tools/call":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"called"}],"isError":false}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
		}
	}
}

func (e *rpcEcho) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.methods...)
}

func TestInvokeHTTPJSONRPC(t *testing.T) {
	echo := &rpcEcho{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "list_files", map[string]any{"path": "/"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "called", res.Content[0].Text)
	assert.False(t, res.IsError)

	// initialize runs once, then the call.
	assert.Equal(t, []string{"initialize", "tools/call"}, echo.seen())

	// Second call reuses the session: no second initialize.
	_, err = b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "list_files", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize", "tools/call", "tools/call"}, echo.seen())
}

func TestInvokeHTTPConcurrentSharedSession(t *testing.T) {
	echo := &rpcEcho{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	// All goroutines share one cached session; the negotiated state must not
	// race between them.
	b := New(Options{HTTPClient: srv.Client()})
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "list_files", nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestInvokeHTTPReinitializesLostSession(t *testing.T) {
	var (
		mu          sync.Mutex
		initializes int
		lost        bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "initialize" {
			initializes++
			lost = false
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
			return
		}
		if lost {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"called"}]}}`, req.ID)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	_, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.NoError(t, err)

	// The server drops the session between invocations.
	mu.Lock()
	lost = true
	mu.Unlock()

	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.NoError(t, err)
	assert.Equal(t, "called", res.Content[0].Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, initializes, "the lost session re-initializes exactly once")
}

func TestInvokeHTTPAcceptNegotiation(t *testing.T) {
	echo := &rpcEcho{rejectJoined: true}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.NoError(t, err)
	assert.Equal(t, "called", res.Content[0].Text)

	// initialize walked two 406 rejections before the repeated-header variant
	// succeeded; the memoized variant makes tools/call a single request.
	assert.Equal(t, 4, echo.requests)
}

func TestInvokeHTTPAllVariantsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	_, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))
}

func TestInvokeHTTPCustomDialect(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&decoded))
		bodies = append(bodies, decoded)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"custom"}]}`)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL + "/mcp/invoke"}, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "custom", res.Content[0].Text)

	// No initialize; a single flat {tool, arguments} body.
	require.Len(t, bodies, 1)
	assert.Equal(t, "echo", bodies[0]["tool"])
	assert.Equal(t, map[string]any{"msg": "hi"}, bodies[0]["arguments"])
}

func TestInvokeHTTPToleratesInitializeRejection(t *testing.T) {
	echo := &rpcEcho{}
	inner := echo.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		if req.Method == "initialize" {
			http.Error(w, "initialization not supported", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		inner(w, r)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.NoError(t, err)
	assert.Equal(t, "called", res.Content[0].Text)
}

func TestInvokeHTTPSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "text/event-stream")
		if req.Method == "initialize" {
			fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{}}\n\n", req.ID)
			return
		}
		// The payload is split across two data lines of one event.
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", req.ID)
		fmt.Fprint(w, "data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n")
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	res, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "fetch", nil)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "streamed", res.Content[0].Text)
}

func TestInvokeHTTPRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "initialize" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown tool"}}`, req.ID)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	_, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "nope", nil)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestInvokeHTTPUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	_, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL + "/mcp/invoke"}, "echo", nil)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindUpstream, mcperr.KindOf(err))
}

func TestInvokeHTTPBrowserCloseProbe(t *testing.T) {
	echo := &rpcEcho{}
	srv := httptest.NewServer(echo.handler())
	defer srv.Close()

	b := New(Options{HTTPClient: srv.Client()})
	_, err := b.Invoke(context.Background(), Target{Endpoint: srv.URL}, "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	seen := echo.seen()
	require.Len(t, seen, 3)
	assert.Equal(t, "initialize", seen[0])
	assert.Equal(t, "tools/call", seen[1]) // browser_close probe
	assert.Equal(t, "tools/call", seen[2])
}

func TestParsePayloadTextDegradation(t *testing.T) {
	res, err := parsePayload("text/plain", []byte("plain words"))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Equal(t, "plain words", res.Content[0].Text)
}

func TestParsePayloadInvalidJSON(t *testing.T) {
	_, err := parsePayload("application/json", []byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, mcperr.KindProtocol, mcperr.KindOf(err))
}

func TestFirstSSEData(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"single line", "data: {\"a\":1}\n\n", `{"a":1}`},
		{"multi line", "data: {\"a\":\ndata: 1}\n\n", "{\"a\":\n1}"},
		{"with event and comment", ": keepalive\nevent: message\ndata: {}\n\n", "{}"},
		{"no trailing blank", "data: {}", "{}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := firstSSEData([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}

	_, err := firstSSEData([]byte("event: message\n\n"))
	require.Error(t, err)
}
