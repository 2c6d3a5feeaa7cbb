package healer

import (
	"strings"
	"time"

	"github.com/mcpmessenger/mcp-gateway/events"
)

// Strategy is the recovery decision derived from a failure message.
type Strategy struct {
	// Name identifies the strategy in the recovery event payload.
	Name string
	// EventType is the recovery event emitted on the fan-out topic.
	EventType string
	// Wait is the pause the strategy suggests before any further attempt.
	Wait time.Duration
}

// classify picks a recovery strategy from the failure text. Matching is
// substring-based over the lowercased message, mirroring the error strings
// tool servers actually produce. Every strategy except alternative_tool
// surfaces as a plain recover event carrying the strategy name.
func classify(errMsg string) Strategy {
	msg := strings.ToLower(errMsg)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		// The tool is gone: suggest switching to an equivalent one.
		return Strategy{Name: "alternative_tool", EventType: events.TypeHealerAlternativeTool}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "etimedout") ||
		strings.Contains(msg, "deadline exceeded"):
		// Slow upstream: a follow-up attempt should run with a 60 s budget.
		return Strategy{Name: "extended_timeout", EventType: events.TypeHealerRecover, Wait: 60 * time.Second}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return Strategy{Name: "rate_limit_wait", EventType: events.TypeHealerRecover, Wait: 60 * time.Second}
	case strings.Contains(msg, "econnrefused") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network"):
		return Strategy{Name: "network_retry", EventType: events.TypeHealerRecover, Wait: 10 * time.Second}
	default:
		return Strategy{Name: "no_strategy", EventType: events.TypeHealerRecover}
	}
}
