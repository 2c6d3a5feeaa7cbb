package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

const (
	// publishTimeout bounds one publish transaction including retries.
	publishTimeout = 30 * time.Second
	// maxPublishRetries is the retry budget after the initial attempt.
	maxPublishRetries = 8
	// publishBackoffBase is the first retry delay; it doubles per attempt.
	publishBackoffBase = 100 * time.Millisecond
)

type (
	// ProducerOptions configures a Producer.
	ProducerOptions struct {
		// Bus backs the streams. A nil Bus disables the producer: every publish
		// becomes a no-op and Enabled reports false.
		Bus Bus
		// Topics names the logical streams. Required when Bus is set.
		Topics Topics
		// PublishRate caps outgoing publishes per second. Zero means no cap.
		PublishRate rate.Limit
	}

	// Producer publishes canonical events to their topics. Publishes are
	// serialized (one in-flight request) and retried with exponential backoff
	// inside a bounded transaction window, so a delivered event was appended
	// exactly once per Publish call.
	Producer struct {
		bus     Bus
		topics  Topics
		limiter *rate.Limiter

		mu     sync.Mutex
		opened map[string]Topic
	}
)

// NewProducer constructs a Producer. A nil Bus yields a disabled producer on
// which every publish succeeds without doing anything.
func NewProducer(opts ProducerOptions) *Producer {
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(opts.PublishRate, 1)
	}
	return &Producer{
		bus:     opts.Bus,
		topics:  opts.Topics,
		limiter: limiter,
		opened:  make(map[string]Topic),
	}
}

// Enabled reports whether publishes reach a real bus.
func (p *Producer) Enabled() bool {
	return p != nil && p.bus != nil
}

// Topics returns the configured topic names.
func (p *Producer) Topics() Topics {
	return p.topics
}

// PublishRequest emits a job-lifecycle event on the request topic.
func (p *Producer) PublishRequest(ctx context.Context, e Event) error {
	return p.Publish(ctx, p.topics.Request, e)
}

// PublishResult emits a job-lifecycle event on the result topic.
func (p *Producer) PublishResult(ctx context.Context, e Event) error {
	return p.Publish(ctx, p.topics.Result, e)
}

// PublishHandover emits a handover event on the global fan-out topic. The
// handover bus consumer mirrors it onto the server's own topic.
func (p *Producer) PublishHandover(ctx context.Context, e Event) error {
	if e.ServerID == "" {
		return mcperr.InvalidArgument("handover event requires a server id")
	}
	e.Format = FormatHandover
	return p.Publish(ctx, p.topics.Fanout, e)
}

// Publish encodes the event and appends it to the named topic.
func (p *Producer) Publish(ctx context.Context, topic string, e Event) error {
	if !p.Enabled() {
		return nil
	}
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	// The origin topic rides along so the healer can replay the message.
	msg.Headers[HeaderTopic] = topic
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.append(ctx, topic, e.Type, payload)
}

// PublishMessage re-emits an already-encoded message, used by the healer to
// replay dead-lettered events with adjusted headers.
func (p *Producer) PublishMessage(ctx context.Context, topic string, m *Message) error {
	if !p.Enabled() {
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	name := m.Headers[HeaderEventType]
	if name == "" {
		name = "event"
	}
	return p.append(ctx, topic, name, payload)
}

// PublishDLQ wraps a failed message in the dead-letter envelope and appends
// it to the DLQ topic.
func (p *Producer) PublishDLQ(ctx context.Context, m *Message, cause error, retryCount int) error {
	if !p.Enabled() {
		return nil
	}
	env := DLQEnvelope{
		Event:      m,
		Error:      DLQError{Message: cause.Error()},
		RetryCount: retryCount,
		FailedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dlq envelope: %w", err)
	}
	name := m.Headers[HeaderEventType]
	if name == "" {
		name = "event"
	}
	return p.append(ctx, p.topics.DLQ, name, payload)
}

// append performs the serialized, rate-limited, retried write.
func (p *Producer) append(ctx context.Context, topic, name string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return mcperr.Wrap(mcperr.KindTimeout, err)
		}
	}

	t, err := p.topic(topic)
	if err != nil {
		return err
	}

	backoff := publishBackoffBase
	var last error
	for attempt := 0; attempt <= maxPublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return mcperr.Wrap(mcperr.KindTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			log.Debugf(ctx, "retrying publish of %s to %s (attempt %d)", name, topic, attempt)
		}
		if _, last = t.Append(ctx, name, payload); last == nil {
			return nil
		}
	}
	return mcperr.Wrap(mcperr.KindUpstream, fmt.Errorf("publish %s to %s: %w", name, topic, last))
}

// topic returns a cached handle, opening the stream on first use. Callers
// hold p.mu.
func (p *Producer) topic(name string) (Topic, error) {
	if t, ok := p.opened[name]; ok {
		return t, nil
	}
	t, err := p.bus.Topic(name)
	if err != nil {
		return nil, err
	}
	p.opened[name] = t
	return t, nil
}
