package registry

import (
	"regexp"
	"time"
)

type (
	// Server is a catalog entry describing a remote MCP tool server. The
	// identity is "org.name/server-name" and is unique across the catalog.
	Server struct {
		// ServerID is the unique identity, e.g. "io.github.acme/mcp-server".
		ServerID string `json:"serverId"`
		// Name is the human-readable name.
		Name string `json:"name"`
		// Description summarizes what the server does.
		Description string `json:"description,omitempty"`
		// Version is the server-reported version string.
		Version string `json:"version,omitempty"`

		// Command, Args, and Env describe the stdio transport. A server with a
		// Command is invoked by spawning a child process.
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`

		// Endpoint and Headers describe the HTTP transport. Endpoints whose URL
		// contains "/mcp/invoke" speak the custom invoke dialect.
		Endpoint string            `json:"endpoint,omitempty"`
		Headers  map[string]string `json:"headers,omitempty"`

		// Tools is the advertised tool catalog.
		Tools []Tool `json:"tools,omitempty"`
		// Capabilities lists coarse-grained capability tags used for filtering.
		Capabilities []string `json:"capabilities,omitempty"`

		// Manifest and Metadata are open extension points carried verbatim.
		Manifest map[string]any `json:"manifest,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`

		// Identity verification fields populated from the server's well-known
		// identity document. IdentityVerified must never be treated as a trust
		// anchor until real signature verification lands.
		IdentityVerified   bool       `json:"identityVerified"`
		IdentityVerifiedAt *time.Time `json:"identityVerifiedAt,omitempty"`
		PublicKey          string     `json:"publicKey,omitempty"`
		Signature          string     `json:"signature,omitempty"`
		OriginURL          string     `json:"originUrl,omitempty"`

		// AuthConfig and EncryptedTokens hold per-server OAuth state. Tokens are
		// sealed by the vault and never leave the process as JSON.
		AuthConfig      *AuthConfig `json:"authConfig,omitempty"`
		EncryptedTokens string      `json:"-"`
		TokenExpiresAt  *time.Time  `json:"-"`

		// Workflow is the per-server orchestration state.
		Workflow Workflow `json:"workflow"`

		// IsActive is false for soft-deleted servers, which are hidden from
		// listings but never physically removed.
		IsActive bool `json:"isActive"`

		PublishedAt time.Time `json:"publishedAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	// Tool is one named operation exposed by a server. InputSchema is a JSON
	// Schema object; its "type" must be "object".
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// AuthConfig describes how to refresh the server's OAuth tokens.
	AuthConfig struct {
		TokenURL string   `json:"tokenUrl"`
		ClientID string   `json:"clientId"`
		Scopes   []string `json:"scopes,omitempty"`
	}

	// Workflow is the string-typed per-server orchestration state with a lock
	// owner and attempt counter. The store column stays a string for forward
	// compatibility; state names are validated at the registry boundary.
	Workflow struct {
		State     string    `json:"state"`
		LockedBy  string    `json:"lockedBy,omitempty"`
		Attempts  int       `json:"attempts"`
		ContextID string    `json:"contextId,omitempty"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
)

// serverIDPattern constrains server identities to "org.name/server-name".
var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// ValidServerID reports whether id is a well-formed server identity.
func ValidServerID(id string) bool {
	return serverIDPattern.MatchString(id)
}

// FindTool returns the named tool or nil.
func (s *Server) FindTool(name string) *Tool {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i]
		}
	}
	return nil
}

// HasCapability reports whether the server advertises the capability.
func (s *Server) HasCapability(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
