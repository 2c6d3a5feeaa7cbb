package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// customDialectMarker identifies endpoints speaking the custom invoke dialect:
// plain POST with body {tool, arguments} and no JSON-RPC envelope.
const customDialectMarker = "/mcp/invoke"

// rpcID numbers outgoing JSON-RPC requests across all HTTP sessions.
var rpcID uint64

func nextRPCID() int {
	return int(atomic.AddUint64(&rpcID, 1))
}

// invokeHTTP performs a tool call against an HTTP endpoint, handling session
// initialization, Accept negotiation, and the three response framings.
func (b *Broker) invokeHTTP(ctx context.Context, target Target, tool string, args map[string]any) (*Result, error) {
	key := sessionKey(target.Endpoint, target.Headers)
	sess := b.sessions.get(key)
	custom := strings.Contains(target.Endpoint, customDialectMarker)

	resumed := false
	if !custom {
		resumed = sess.isInitialized()
		if !resumed {
			if err := b.initializeSession(ctx, target, sess); err != nil {
				return nil, err
			}
		}
		// Some browser servers reject concurrent navigation; close any open
		// page first. Failures of the probe are swallowed.
		if tool == "browser_navigate" {
			b.probeBrowserClose(ctx, target, sess)
		}
	}

	var body []byte
	var err error
	if custom {
		body, err = json.Marshal(map[string]any{"tool": tool, "arguments": args})
	} else {
		body, err = json.Marshal(rpcRequest{
			JSONRPC: "2.0",
			ID:      nextRPCID(),
			Method:  "tools/call",
			Params:  map[string]any{"name": tool, "arguments": args},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, contentType, data, err := b.doWithAccept(ctx, target, sess, body)
	if err != nil {
		return nil, err
	}
	// A 404 on a resumed session means the server forgot it (restart or
	// server-side expiry): re-initialize and retry the call once.
	if status == http.StatusNotFound && resumed {
		log.Debugf(ctx, "endpoint %s lost the session, re-initializing", target.Endpoint)
		sess.setInitialized(false)
		if err := b.initializeSession(ctx, target, sess); err != nil {
			return nil, err
		}
		status, contentType, data, err = b.doWithAccept(ctx, target, sess, body)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, mcperr.Upstream("server returned status %d: %s", status, truncate(data, 512))
	}
	b.sessions.touch(key)
	return parsePayload(contentType, data)
}

// initializeSession performs the one-shot JSON-RPC initialize for a session.
// Servers that do not require initialization commonly answer 4xx; the session
// is marked initialized anyway and the call proceeds.
func (b *Broker) initializeSession(ctx context.Context, target Target, sess *session) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      nextRPCID(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    b.clientName,
				"version": b.clientVersion,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal initialize: %w", err)
	}
	status, _, data, err := b.doWithAccept(ctx, target, sess, body)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		sess.setInitialized(true)
	case status >= 400 && status < 500:
		log.Debugf(ctx, "endpoint %s answered %d to initialize, proceeding", target.Endpoint, status)
		sess.setInitialized(true)
	default:
		return mcperr.Upstream("initialize returned status %d: %s", status, truncate(data, 512))
	}
	return nil
}

// probeBrowserClose opportunistically calls browser_close before navigation.
// The probe has its own 5 s ceiling and a 1 s settle pause; all failures are
// swallowed.
func (b *Broker) probeBrowserClose(ctx context.Context, target Target, sess *session) {
	probeCtx, cancel := context.WithTimeout(ctx, browserCloseTimeout)
	defer cancel()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      nextRPCID(),
		Method:  "tools/call",
		Params:  map[string]any{"name": "browser_close", "arguments": map[string]any{}},
	})
	if err == nil {
		if _, _, _, err := b.doWithAccept(probeCtx, target, sess, body); err != nil {
			log.Debugf(ctx, "browser_close probe failed: %v", err)
		}
	}
	select {
	case <-time.After(browserCloseSettle):
	case <-ctx.Done():
	}
}

// doWithAccept posts the body, negotiating the Accept header. The session's
// remembered variant is tried first; a 406 triggers a walk through the
// remaining permutations, and the first 2xx wins and is memoized.
func (b *Broker) doWithAccept(ctx context.Context, target Target, sess *session, body []byte) (int, string, []byte, error) {
	order := make([]int, 0, len(acceptVariants))
	if v := sess.variant(); v >= 0 && v < len(acceptVariants) {
		order = append(order, v)
	}
	for i := range acceptVariants {
		if len(order) > 0 && i == order[0] {
			continue
		}
		order = append(order, i)
	}

	var tried []string
	var lastStatus int
	var lastData []byte
	for _, idx := range order {
		status, contentType, data, err := b.post(ctx, target, body, acceptVariants[idx])
		if err != nil {
			return 0, "", nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("post %s: %w", target.Endpoint, err))
		}
		if status == http.StatusNotAcceptable {
			tried = append(tried, strings.Join(acceptVariants[idx], " + "))
			lastStatus, lastData = status, data
			continue
		}
		if status >= 200 && status < 300 {
			sess.setVariant(idx)
		}
		return status, contentType, data, nil
	}
	return 0, "", nil, mcperr.Upstream(
		"server rejected all Accept variants (%s): status %d: %s",
		strings.Join(tried, "; "), lastStatus, truncate(lastData, 256))
}

// post performs one HTTP POST with the given Accept header occurrences.
func (b *Broker) post(ctx context.Context, target Target, body []byte, accept []string) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, err
	}
	applyHeaders(req.Header, target.Headers)
	for i, v := range accept {
		if i == 0 {
			req.Header.Set("Accept", v)
		} else {
			req.Header.Add("Accept", v)
		}
	}
	injectTraceHeaders(ctx, req.Header)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), data, nil
}

// parsePayload accepts the three wire shapes: SSE framing, a JSON-RPC
// envelope, and plain JSON with result/error. Non-JSON payloads degrade to a
// single text content part unless the declared Content-Type claims JSON.
func parsePayload(contentType string, data []byte) (*Result, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "text/event-stream") {
		payload, err := firstSSEData(data)
		if err != nil {
			return nil, err
		}
		data = payload
	}

	if !json.Valid(data) {
		if strings.HasPrefix(ct, "application/json") {
			return nil, mcperr.Protocol("unparseable JSON payload: %s", truncate(data, 256))
		}
		return &Result{Content: []Content{{Type: "text", Text: string(data)}}}, nil
	}

	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err == nil {
		if env.Error != nil {
			return nil, mcperr.Wrap(mcperr.KindUpstream, env.Error)
		}
		if env.Result != nil {
			return decodeCallResult(env.Result)
		}
	}
	return decodeCallResult(data)
}

// firstSSEData accumulates successive "data:" lines of the first SSE event
// (until a blank line) and returns the concatenation for JSON parsing.
func firstSSEData(raw []byte) ([]byte, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	var data []byte
	seen := false
	for {
		line, err := reader.ReadString('\n')
		done := err == io.EOF
		if err != nil && !done {
			return nil, mcperr.Protocol("read sse frame: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if seen {
				return data, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment line
		default:
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				chunk := strings.TrimPrefix(after, " ")
				if seen {
					data = append(data, '\n')
				}
				data = append(data, chunk...)
				seen = true
			}
		}
		if done {
			if seen {
				return data, nil
			}
			return nil, mcperr.Protocol("sse stream ended without data")
		}
	}
}

// truncate bounds payload excerpts embedded in error messages.
func truncate(data []byte, n int) string {
	s := string(data)
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
