package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// MaxHealerRetries is the replay budget per message. Once a message has been
// replayed this many times the healer switches from retry to recovery.
const MaxHealerRetries = 3

type (
	// DLQError describes why a message was dead-lettered.
	DLQError struct {
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
		Code    string `json:"code,omitempty"`
	}

	// DLQEnvelope wraps the original message with failure bookkeeping. The
	// healer reads RetryCount to decide between replay and recovery.
	DLQEnvelope struct {
		Event      *Message  `json:"event"`
		Error      DLQError  `json:"error"`
		RetryCount int       `json:"retryCount"`
		FailedAt   time.Time `json:"failedAt"`
	}
)

// DecodeDLQ parses a dead-letter payload.
func DecodeDLQ(payload []byte) (*DLQEnvelope, error) {
	var env DLQEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, mcperr.Protocol("decode dlq envelope: %v", err)
	}
	if env.Event == nil {
		return nil, mcperr.Protocol("dlq envelope missing original event")
	}
	return &env, nil
}

// RetryCountOf reads the retry-count header a healer replay stamps on the
// message. Missing or malformed values count as zero.
func RetryCountOf(m *Message) int {
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m.Headers[HeaderRetryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// StampRetryCount records the retry count on the message headers before a
// replay.
func StampRetryCount(m *Message, n int) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[HeaderRetryCount] = strconv.Itoa(n)
}
