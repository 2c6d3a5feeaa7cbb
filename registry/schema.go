package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// schemaCache holds compiled tool input schemas keyed by server and tool,
// built at publish time so invocation arguments are validated before any
// transport work happens. Shared across requests and guarded by a mutex.
type schemaCache struct {
	mu      sync.RWMutex
	servers map[string]map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{servers: make(map[string]map[string]*jsonschema.Schema)}
}

// build compiles every tool schema of the server, replacing the server's
// cache entry. A tool whose schema does not compile fails the publish.
func (c *schemaCache) build(srv *Server) error {
	compiled := make(map[string]*jsonschema.Schema, len(srv.Tools))
	for _, tool := range srv.Tools {
		if tool.InputSchema == nil {
			continue
		}
		sch, err := compileToolSchema(srv.ServerID, tool)
		if err != nil {
			return err
		}
		compiled[tool.Name] = sch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[srv.ServerID] = compiled
	return nil
}

// lookup returns the compiled schema for the tool, or nil when the server
// has not been published in this process or the tool carries no schema.
func (c *schemaCache) lookup(serverID, tool string) *jsonschema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servers[serverID][tool]
}

// drop removes a server's schemas, used on soft delete.
func (c *schemaCache) drop(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, serverID)
}

func compileToolSchema(serverID string, tool Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for tool %s: %w", tool.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, mcperr.InvalidArgument("tool %s: invalid input schema: %v", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s/%s.json", serverID, tool.Name)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, mcperr.InvalidArgument("tool %s: invalid input schema: %v", tool.Name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, mcperr.InvalidArgument("tool %s: schema does not compile: %v", tool.Name, err)
	}
	return sch, nil
}

// validateArgs checks invocation arguments against the tool's compiled
// schema. Servers published by another process instance have no cache entry;
// their arguments pass through and the remote server validates.
func (c *schemaCache) validateArgs(serverID, tool string, args map[string]any) error {
	sch := c.lookup(serverID, tool)
	if sch == nil {
		return nil
	}
	// Round-trip through JSON so nested values carry the types the validator
	// expects (e.g. json.Number-free float64 maps).
	raw, err := json.Marshal(args)
	if err != nil {
		return mcperr.InvalidArgument("arguments are not serializable: %v", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return mcperr.InvalidArgument("arguments are not valid JSON: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return mcperr.Wrap(mcperr.KindInvalidArgument, fmt.Errorf("arguments rejected by %s schema: %w", tool, err))
	}
	return nil
}
