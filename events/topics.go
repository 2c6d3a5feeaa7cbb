package events

import "strings"

const serverTopicPrefix = "mcp.events."

// Topics names the logical streams. Values come from configuration; roles
// are fixed.
type Topics struct {
	Request string
	Result  string
	Fanout  string
	DLQ     string
}

// Consumer group names. Each consumer class uses its own group so every
// class receives every message in its subscribed topics.
const (
	GroupWorkers  = "mcp_workers"
	GroupGateway  = "mcp_gateway"
	GroupHandover = "mcp_handover_bus"
	GroupHealer   = "mcp_healer"
)

// ServerTopic derives the per-server handover topic name. Server IDs are
// slash-separated ("org/name"); topic segments are dot-separated.
func ServerTopic(serverID string) string {
	return serverTopicPrefix + strings.ReplaceAll(serverID, "/", ".")
}
