package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// fakeBus is an in-memory Bus. Appended payloads flow to any sink opened on
// the same topic.
type fakeBus struct {
	mu     sync.Mutex
	topics map[string]*fakeTopic
}

func newFakeBus() *fakeBus {
	return &fakeBus{topics: make(map[string]*fakeTopic)}
}

func (b *fakeBus) Topic(name string) (Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t := &fakeTopic{name: name}
	b.topics[name] = t
	return t, nil
}

func (b *fakeBus) Close(context.Context) error { return nil }

func (b *fakeBus) topic(name string) *fakeTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[name]
}

type fakeEntry struct {
	name    string
	payload []byte
}

type fakeTopic struct {
	mu       sync.Mutex
	name     string
	entries  []fakeEntry
	failures int
	sinks    []*fakeSink
	seq      int
}

func (t *fakeTopic) Append(ctx context.Context, event string, payload []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return "", errors.New("transient append failure")
	}
	t.entries = append(t.entries, fakeEntry{name: event, payload: payload})
	t.seq++
	id := fmt.Sprintf("%d-0", t.seq)
	for _, s := range t.sinks {
		s.events <- &streaming.Event{ID: id, Payload: payload}
	}
	return id, nil
}

func (t *fakeTopic) NewSink(ctx context.Context, group string, opts ...streamopts.Sink) (Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &fakeSink{events: make(chan *streaming.Event, 16)}
	t.sinks = append(t.sinks, s)
	return s, nil
}

func (t *fakeTopic) Destroy(context.Context) error { return nil }

func (t *fakeTopic) all() []fakeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fakeEntry(nil), t.entries...)
}

type fakeSink struct {
	mu     sync.Mutex
	events chan *streaming.Event
	acked  []string
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func (s *fakeSink) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

func testTopics() Topics {
	return Topics{
		Request: "design.requests",
		Result:  "design.results",
		Fanout:  "mcp.events.all",
		DLQ:     "mcp.events.dlq",
	}
}

func TestEncodeDecodeLegacy(t *testing.T) {
	e := NewJobEvent(TypeDesignReady, "job-1", map[string]any{"assetId": "a-1"})

	m, err := Encode(e)
	require.NoError(t, err)
	assert.Equal(t, "job-1", m.Key)
	assert.Equal(t, TypeDesignReady, m.Headers[HeaderEventType])
	assert.Equal(t, e.ID, m.Headers[HeaderEventID])
	assert.Equal(t, string(FormatLegacy), m.Headers[HeaderEventFormat])

	back, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, e.Type, back.Type)
	assert.Equal(t, e.JobID, back.JobID)
	assert.Equal(t, "a-1", back.Payload["assetId"])
}

func TestEncodeDecodeHandover(t *testing.T) {
	e := NewHandoverEvent("context.handover", "acme/browser", "ctx-9", "summarize", "pending")
	e.LastToolOutput = "page text"
	e.TokenBudget = 4000
	e.CorrelationID = "corr-1"

	m, err := Encode(e)
	require.NoError(t, err)
	// Bus events partition by event name, not job.
	assert.Equal(t, "context.handover", m.Key)
	assert.Equal(t, string(FormatHandover), m.Headers[HeaderEventFormat])

	back, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, "acme/browser", back.ServerID)
	assert.Equal(t, "ctx-9", back.ContextID)
	assert.Equal(t, "page text", back.LastToolOutput)
	assert.Equal(t, 4000, back.TokenBudget)
	assert.Equal(t, "corr-1", back.CorrelationID)
}

func TestDecodeUnknownFormat(t *testing.T) {
	_, err := Decode(&Message{
		Headers: map[string]string{HeaderEventFormat: "carrier-pigeon"},
		Body:    json.RawMessage(`{}`),
	})
	require.Error(t, err)
}

func TestServerTopic(t *testing.T) {
	assert.Equal(t, "mcp.events.acme.browser", ServerTopic("acme/browser"))
	assert.Equal(t, "mcp.events.solo", ServerTopic("solo"))
}

func TestProducerDisabled(t *testing.T) {
	p := NewProducer(ProducerOptions{})
	assert.False(t, p.Enabled())
	require.NoError(t, p.PublishRequest(context.Background(), NewJobEvent(TypeDesignRequestReceived, "j", nil)))
}

func TestProducerPublish(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	e := NewJobEvent(TypeDesignRequestReceived, "job-7", map[string]any{"prompt": "logo"})
	require.NoError(t, p.PublishRequest(context.Background(), e))

	entries := bus.topic("design.requests").all()
	require.Len(t, entries, 1)
	assert.Equal(t, TypeDesignRequestReceived, entries[0].name)

	var m Message
	require.NoError(t, json.Unmarshal(entries[0].payload, &m))
	assert.Equal(t, "job-7", m.Key)
}

func TestProducerRetriesTransientFailures(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	// Open the topic up front so the failure budget applies to Append.
	topic, err := bus.Topic("design.results")
	require.NoError(t, err)
	topic.(*fakeTopic).failures = 2

	start := time.Now()
	require.NoError(t, p.PublishResult(context.Background(), NewJobEvent(TypeDesignReady, "job-1", nil)))

	// Two retries: 100 ms + 200 ms of backoff.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Len(t, bus.topic("design.results").all(), 1)
}

func TestProducerExhaustsRetries(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	topic, err := bus.Topic("design.results")
	require.NoError(t, err)
	topic.(*fakeTopic).failures = maxPublishRetries + 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.PublishResult(ctx, NewJobEvent(TypeDesignReady, "job-1", nil))
	require.Error(t, err)
}

func TestProducerHandoverFanout(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	e := NewHandoverEvent("context.handover", "acme/browser", "ctx-1", "fetch", "pending")
	require.NoError(t, p.PublishHandover(context.Background(), e))

	// Publishers address only the fan-out topic; per-server mirroring is the
	// handover bus consumer's job.
	assert.Len(t, bus.topic("mcp.events.all").all(), 1)
	assert.Nil(t, bus.topic("mcp.events.acme.browser"))

	err := p.PublishHandover(context.Background(), NewHandoverEvent("context.handover", "", "", "", ""))
	require.Error(t, err)
}

func TestHandoverBusMirrorsToServerTopic(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	hb, err := NewHandoverBus(HandoverBusOptions{Bus: bus, Producer: p})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hb.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	e := NewHandoverEvent("context.handover", "acme/browser", "ctx-1", "fetch", "pending")
	e.LastToolOutput = "page text"
	require.NoError(t, p.PublishHandover(ctx, e))

	require.Eventually(t, func() bool {
		topic := bus.topic("mcp.events.acme.browser")
		return topic != nil && len(topic.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var m Message
	require.NoError(t, json.Unmarshal(bus.topic("mcp.events.acme.browser").all()[0].payload, &m))
	mirrored, err := Decode(&m)
	require.NoError(t, err)
	assert.Equal(t, "acme/browser", mirrored.ServerID)
	assert.Equal(t, "ctx-1", mirrored.ContextID)
	assert.Equal(t, "page text", mirrored.LastToolOutput)

	// Job-lifecycle events on the fan-out topic are not mirrored.
	require.NoError(t, p.Publish(ctx, testTopics().Fanout, NewJobEvent(TypeHealerRecover, "job-1", nil)))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, bus.topic("mcp.events.acme.browser").all(), 1)
}

func TestProducerDLQEnvelope(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	m, err := Encode(NewJobEvent(TypeDesignFailed, "job-3", nil))
	require.NoError(t, err)
	require.NoError(t, p.PublishDLQ(context.Background(), m, errors.New("ECONNREFUSED"), 1))

	entries := bus.topic("mcp.events.dlq").all()
	require.Len(t, entries, 1)

	env, err := DecodeDLQ(entries[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "ECONNREFUSED", env.Error.Message)
	assert.Equal(t, 1, env.RetryCount)
	assert.False(t, env.FailedAt.IsZero())
	assert.Equal(t, "job-3", env.Event.Key)
}

func TestConsumerDispatchAndAck(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	got := make(chan Event, 1)
	c, err := NewConsumer(ConsumerOptions{
		Bus:   bus,
		Topic: "design.requests",
		Group: GroupWorkers,
		Handler: func(ctx context.Context, e Event, m *Message) error {
			got <- e
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the consumer a beat to open its sink before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.PublishRequest(ctx, NewJobEvent(TypeDesignRequestReceived, "job-1", nil)))

	select {
	case e := <-got:
		assert.Equal(t, "job-1", e.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		topic := bus.topic("design.requests")
		topic.mu.Lock()
		defer topic.mu.Unlock()
		return len(topic.sinks) == 1 && topic.sinks[0].ackCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumerDeadLettersFailures(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	c, err := NewConsumer(ConsumerOptions{
		Bus:   bus,
		Topic: "design.requests",
		Group: GroupWorkers,
		DLQ:   p,
		Handler: func(ctx context.Context, e Event, m *Message) error {
			return errors.New("tool exploded")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.PublishRequest(ctx, NewJobEvent(TypeDesignRequestReceived, "job-9", nil)))

	require.Eventually(t, func() bool {
		dlq := bus.topic("mcp.events.dlq")
		return dlq != nil && len(dlq.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env, err := DecodeDLQ(bus.topic("mcp.events.dlq").all()[0].payload)
	require.NoError(t, err)
	assert.Contains(t, env.Error.Message, "tool exploded")
	assert.Equal(t, 0, env.RetryCount)
}

func TestConsumerDeadLettersPanics(t *testing.T) {
	bus := newFakeBus()
	p := NewProducer(ProducerOptions{Bus: bus, Topics: testTopics()})

	c, err := NewConsumer(ConsumerOptions{
		Bus:   bus,
		Topic: "design.requests",
		Group: GroupWorkers,
		DLQ:   p,
		Handler: func(ctx context.Context, e Event, m *Message) error {
			panic("boom")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.PublishRequest(ctx, NewJobEvent(TypeDesignRequestReceived, "job-9", nil)))

	require.Eventually(t, func() bool {
		dlq := bus.topic("mcp.events.dlq")
		return dlq != nil && len(dlq.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryCountStamping(t *testing.T) {
	m := &Message{}
	assert.Equal(t, 0, RetryCountOf(m))
	StampRetryCount(m, 2)
	assert.Equal(t, 2, RetryCountOf(m))
	assert.Equal(t, 0, RetryCountOf(nil))
}
