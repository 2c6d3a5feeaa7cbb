package broker

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// session tracks per-endpoint HTTP state: whether the JSON-RPC initialize
// handshake ran and which Accept-header variant the server accepted. Sessions
// expire after the idle timeout; an expired session re-initializes silently on
// next use. Concurrent invocations share a session, so the negotiated state
// has its own lock; lastUsed is guarded by the cache lock instead.
type session struct {
	mu            sync.Mutex
	initialized   bool
	acceptVariant int // index into acceptVariants, -1 when not yet negotiated

	lastUsed time.Time
}

func (s *session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *session) setInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = v
}

func (s *session) variant() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptVariant
}

func (s *session) setVariant(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptVariant = idx
}

// sessionCache is shared across invocations and guarded by a mutex.
type sessionCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

// get returns the live session for the key, creating a fresh one when none
// exists or the cached one idled out.
func (c *sessionCache) get(key string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if s, ok := c.sessions[key]; ok && now.Sub(s.lastUsed) < c.ttl {
		s.lastUsed = now
		return s
	}
	s := &session{acceptVariant: -1, lastUsed: now}
	c.sessions[key] = s
	return s
}

// touch refreshes the idle clock for the key.
func (c *sessionCache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok {
		s.lastUsed = time.Now()
	}
}

// sessionKey derives the cache key from the endpoint and normalized headers
// so two targets with equivalent headers share a session.
func sessionKey(endpoint string, headers map[string]string) string {
	if len(headers) == 0 {
		return endpoint
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(headerValue(headers, k))
	}
	return b.String()
}

func headerValue(headers map[string]string, lowerKey string) string {
	for k, v := range headers {
		if strings.ToLower(k) == lowerKey {
			return v
		}
	}
	return ""
}

// normalizeAuthHeaders rewrites recognized authentication shorthand: a bare
// Google API key ("AIza…") moves to x-goog-api-key, and a bare token gains
// the Bearer prefix. Values already carrying a scheme pass through.
func normalizeAuthHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if !strings.EqualFold(k, "Authorization") {
			out[k] = v
			continue
		}
		switch {
		case strings.HasPrefix(v, "AIza"):
			out["x-goog-api-key"] = v
		case strings.HasPrefix(v, "Bearer "):
			out[k] = v
		default:
			out[k] = "Bearer " + v
		}
	}
	return out
}

// applyHeaders sets the broker defaults and merges the target's normalized
// headers over them.
func applyHeaders(h http.Header, headers map[string]string) {
	h.Set("Content-Type", "application/json")
	for k, v := range normalizeAuthHeaders(headers) {
		h.Set(k, v)
	}
}
