package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// stdioProc owns one spawned child for the lifetime of a single invocation.
// The guard guarantees the child is killed and its pipes closed on every exit
// path; the initialize and tool-call timers live inside request so they cannot
// outlive the guard.
type stdioProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan rpcResponse
	done      chan struct{}
	waitErr   error
	killOnce  sync.Once
}

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id,omitempty"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int             `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
	}

	rpcError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

// Error converts the rpcError into a human-readable string.
func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// invokeStdio runs the strict initialize → initialized → tools/call sequence
// against a freshly spawned child. The initialized notification must follow
// the initialize response; sending it earlier causes some servers to drop the
// connection.
func (b *Broker) invokeStdio(ctx context.Context, target Target, tool string, args map[string]any) (*Result, error) {
	proc, err := b.spawn(ctx, target)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("spawn %q: %w", target.Command, err))
	}
	defer proc.kill()

	if err := b.handshake(ctx, proc); err != nil {
		return nil, err
	}

	raw, err := proc.request(ctx, 2, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	}, toolCallTimeout)
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw)
}

// discoverStdio runs initialize followed by tools/list and returns the
// advertised catalog.
func (b *Broker) discoverStdio(ctx context.Context, target Target) ([]ToolInfo, error) {
	proc, err := b.spawn(ctx, target)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("spawn %q: %w", target.Command, err))
	}
	defer proc.kill()

	if err := b.handshake(ctx, proc); err != nil {
		return nil, err
	}

	raw, err := proc.request(ctx, 2, "tools/list", map[string]any{}, toolCallTimeout)
	if err != nil {
		return nil, err
	}
	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, mcperr.Protocol("decode tools/list result: %v", err)
	}
	return listed.Tools, nil
}

// handshake performs initialize and emits the initialized notification.
func (b *Broker) handshake(ctx context.Context, proc *stdioProc) error {
	if _, err := proc.request(ctx, 1, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    b.clientName,
			"version": b.clientVersion,
		},
	}, initTimeout); err != nil {
		return err
	}
	return proc.notify("notifications/initialized")
}

// spawn starts the child with pipes on stdio. The environment is the process
// environment with the target env appended last so descriptor keys shadow
// host values.
func (b *Broker) spawn(ctx context.Context, target Target) (*stdioProc, error) {
	cmd := exec.Command(target.Command, target.Args...)
	env := os.Environ()
	for k, v := range target.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	proc := &stdioProc{
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan rpcResponse, 8),
		done:      make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		proc.readResponses(stdout)
	}()
	go func() {
		defer readers.Done()
		scrapeStderr(ctx, stderr)
	}()
	go func() {
		readers.Wait()
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

// readResponses consumes stdout line by line. Each line must parse as a
// JSON-RPC message or it is ignored; server-initiated requests and
// notifications (no id) are skipped.
func (p *stdioProc) readResponses(stdout io.Reader) {
	defer close(p.responses)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		p.responses <- resp
	}
}

// scrapeStderr logs child diagnostics, suppressing npm fetch noise.
func scrapeStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Downloading") ||
			strings.Contains(line, "Installing") ||
			strings.Contains(line, "npm") {
			continue
		}
		if strings.TrimSpace(line) != "" {
			log.Debugf(ctx, "mcp stderr: %s", line)
		}
	}
}

// request sends one JSON-RPC request and waits for its response, bounded by
// timeout. On timer expiry or premature child exit the invocation fails and
// the deferred guard kills the child.
func (p *stdioProc) request(ctx context.Context, id int, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := p.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("write %s: %w", method, err))
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, mcperr.Wrap(mcperr.KindTimeout, ctx.Err())
		case <-timer.C:
			return nil, mcperr.Timeout("%s timed out after %v", method, timeout)
		case <-p.done:
			// The child may exit immediately after answering; the response
			// channel is closed by then so drain it before failing.
			for resp := range p.responses {
				if resp.ID != id {
					continue
				}
				if resp.Error != nil {
					return nil, mcperr.Wrap(mcperr.KindUpstream, resp.Error)
				}
				return resp.Result, nil
			}
			return nil, mcperr.Upstream("server exited before responding to %s: %v", method, p.waitErr)
		case resp, ok := <-p.responses:
			if !ok {
				return nil, mcperr.Upstream("server closed stdout before responding to %s", method)
			}
			if resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, mcperr.Wrap(mcperr.KindUpstream, resp.Error)
			}
			return resp.Result, nil
		}
	}
}

// notify sends a JSON-RPC notification (no id, no response expected).
func (p *stdioProc) notify(method string) error {
	if err := p.send(rpcRequest{JSONRPC: "2.0", Method: method}); err != nil {
		return mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("write %s: %w", method, err))
	}
	return nil
}

// send writes one line-delimited JSON-RPC message to the child's stdin.
func (p *stdioProc) send(req rpcRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = p.stdin.Write(payload)
	return err
}

// kill terminates the child and closes stdin. Idempotent.
func (p *stdioProc) kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// decodeCallResult converts a tools/call result into typed content parts.
// Payloads that do not carry a content array degrade to a single text part.
func decodeCallResult(raw json.RawMessage) (*Result, error) {
	var decoded struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Data     string `json:"data"`
			MimeType string `json:"mimeType"`
			Resource *struct {
				URI      string `json:"uri"`
				Text     string `json:"text"`
				MimeType string `json:"mimeType"`
			} `json:"resource"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Content == nil {
		return &Result{Content: []Content{{Type: "text", Text: string(raw)}}}, nil
	}
	parts := make([]Content, 0, len(decoded.Content))
	for _, c := range decoded.Content {
		part := Content{
			Type:     c.Type,
			Text:     c.Text,
			Data:     c.Data,
			MimeType: c.MimeType,
		}
		if c.Resource != nil {
			part.Type = "resource"
			part.URL = c.Resource.URI
			if part.Text == "" {
				part.Text = c.Resource.Text
			}
			if part.MimeType == "" {
				part.MimeType = c.Resource.MimeType
			}
		}
		parts = append(parts, part)
	}
	return &Result{Content: parts, IsError: decoded.IsError}, nil
}
