// Package events is the fabric the gateway, workers, and healer communicate
// through: Pulse streams over Redis carrying job-lifecycle and handover
// events, with a dead-letter stream for poisoned messages.
//
// Two envelope shapes coexist on the wire. Handlers never branch on shape:
// both decode into the canonical Event and encode back at the bus edge.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// Job-lifecycle event types.
const (
	TypeDesignRequestReceived = "DesignRequestReceived"
	TypeDesignReady           = "DesignReady"
	TypeDesignFailed          = "DesignFailed"
)

// Healer recovery event types. Missing-tool failures get their own type;
// every other strategy rides the generic recover event.
const (
	TypeHealerAlternativeTool = "tool.healer.alternative_tool"
	TypeHealerRecover         = "tool.healer.recover"
)

// Format discriminates the two wire envelope shapes.
type Format string

const (
	FormatLegacy   Format = "legacy"
	FormatHandover Format = "handover"
)

// Message header names carried alongside every published event.
const (
	HeaderEventType   = "event-type"
	HeaderEventID     = "event-id"
	HeaderEventFormat = "event-format"
	HeaderRetryCount  = "retry-count"
	HeaderTopic       = "topic"
	HeaderStatus      = "status"
)

type (
	// Event is the canonical in-process form. Legacy events populate the job
	// fields; handover events populate the server/context fields. Format
	// records which wire shape the event arrived in (or should leave in).
	Event struct {
		ID        string
		Type      string
		Timestamp time.Time
		Format    Format

		// Legacy envelope fields.
		JobID    string
		Payload  map[string]any
		Metadata map[string]any

		// Handover envelope fields.
		ServerID          string
		ContextID         string
		Intent            string
		LastToolOutput    string
		MemorySnapshotURL string
		TokenBudget       int
		Status            string
		CorrelationID     string
	}

	// Message is the unit written to a stream: the envelope body plus the
	// headers and partition key the producer attaches. Redis streams have no
	// native header slot, so the wrapper is the wire representation.
	Message struct {
		Key     string            `json:"key"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}

	legacyWire struct {
		EventID   string         `json:"eventId"`
		EventType string         `json:"eventType"`
		Timestamp time.Time      `json:"timestamp"`
		JobID     string         `json:"jobId"`
		Payload   map[string]any `json:"payload"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}

	handoverWire struct {
		Event         string          `json:"event"`
		ServerID      string          `json:"serverId"`
		Payload       handoverPayload `json:"payload"`
		Timestamp     time.Time       `json:"timestamp"`
		CorrelationID string          `json:"correlationId,omitempty"`
	}

	handoverPayload struct {
		ContextID         string         `json:"contextId"`
		Intent            string         `json:"intent"`
		LastToolOutput    string         `json:"lastToolOutput,omitempty"`
		MemorySnapshotURL string         `json:"memorySnapshotUrl,omitempty"`
		TokenBudget       int            `json:"tokenBudget,omitempty"`
		Status            string         `json:"status"`
		Metadata          map[string]any `json:"metadata,omitempty"`
	}
)

// NewJobEvent builds a legacy-format job-lifecycle event.
func NewJobEvent(eventType, jobID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Format:    FormatLegacy,
		JobID:     jobID,
		Payload:   payload,
	}
}

// NewHandoverEvent builds a handover-format cross-server event.
func NewHandoverEvent(eventType, serverID, contextID, intent, status string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Format:    FormatHandover,
		ServerID:  serverID,
		ContextID: contextID,
		Intent:    intent,
		Status:    status,
	}
}

// Key is the partition key: jobId for job-lifecycle events, the event name
// for bus events. Events for one job share a key and therefore an ordering.
func (e Event) Key() string {
	if e.JobID != "" {
		return e.JobID
	}
	return e.Type
}

// Encode wraps the event in its wire envelope and the message wrapper.
func Encode(e Event) (*Message, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var (
		body []byte
		err  error
	)
	switch e.Format {
	case FormatHandover:
		body, err = json.Marshal(handoverWire{
			Event:    e.Type,
			ServerID: e.ServerID,
			Payload: handoverPayload{
				ContextID:         e.ContextID,
				Intent:            e.Intent,
				LastToolOutput:    e.LastToolOutput,
				MemorySnapshotURL: e.MemorySnapshotURL,
				TokenBudget:       e.TokenBudget,
				Status:            e.Status,
				Metadata:          e.Metadata,
			},
			Timestamp:     e.Timestamp,
			CorrelationID: e.CorrelationID,
		})
	case FormatLegacy, "":
		body, err = json.Marshal(legacyWire{
			EventID:   e.ID,
			EventType: e.Type,
			Timestamp: e.Timestamp,
			JobID:     e.JobID,
			Payload:   e.Payload,
			Metadata:  e.Metadata,
		})
	default:
		return nil, mcperr.InvalidArgument("unknown event format %q", e.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	format := e.Format
	if format == "" {
		format = FormatLegacy
	}
	return &Message{
		Key: e.Key(),
		Headers: map[string]string{
			HeaderEventType:   e.Type,
			HeaderEventID:     e.ID,
			HeaderEventFormat: string(format),
		},
		Body: body,
	}, nil
}

// Decode converts a wire message back into the canonical event, dispatching
// on the event-format header. Messages without the header decode as legacy.
func Decode(m *Message) (Event, error) {
	format := Format(m.Headers[HeaderEventFormat])
	switch format {
	case FormatHandover:
		var w handoverWire
		if err := json.Unmarshal(m.Body, &w); err != nil {
			return Event{}, mcperr.Protocol("decode handover event: %v", err)
		}
		return Event{
			ID:                m.Headers[HeaderEventID],
			Type:              w.Event,
			Timestamp:         w.Timestamp,
			Format:            FormatHandover,
			ServerID:          w.ServerID,
			ContextID:         w.Payload.ContextID,
			Intent:            w.Payload.Intent,
			LastToolOutput:    w.Payload.LastToolOutput,
			MemorySnapshotURL: w.Payload.MemorySnapshotURL,
			TokenBudget:       w.Payload.TokenBudget,
			Status:            w.Payload.Status,
			Metadata:          w.Payload.Metadata,
			CorrelationID:     w.CorrelationID,
		}, nil
	case FormatLegacy, "":
		var w legacyWire
		if err := json.Unmarshal(m.Body, &w); err != nil {
			return Event{}, mcperr.Protocol("decode legacy event: %v", err)
		}
		return Event{
			ID:        w.EventID,
			Type:      w.EventType,
			Timestamp: w.Timestamp,
			Format:    FormatLegacy,
			JobID:     w.JobID,
			Payload:   w.Payload,
			Metadata:  w.Metadata,
		}, nil
	default:
		return Event{}, mcperr.Protocol("unknown event format %q", format)
	}
}
