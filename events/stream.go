package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Bus exposes the subset of Pulse stream operations the fabric needs.
	// Callers build a Redis client, pass it to NewBus, and get typed access
	// to topics. A nil Bus on the producer/consumer side means the fabric is
	// disabled.
	Bus interface {
		// Topic returns a handle to the named stream, creating it if needed.
		Topic(name string) (Topic, error)
		// Close releases resources owned by the bus. The caller typically owns
		// the Redis connection itself.
		Close(ctx context.Context) error
	}

	// Topic is one Pulse stream: publishers append, consumer groups read.
	Topic interface {
		// Append publishes a named payload and returns the Redis entry ID.
		Append(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on this topic.
		NewSink(ctx context.Context, group string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group handle.
	Sink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an event processed, removing it from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}

	// BusOptions configures NewBus.
	BusOptions struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Append operations. Zero means none.
		OperationTimeout time.Duration
	}

	redisBus struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	topicHandle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// NewBus constructs a Redis-backed bus.
func NewBus(opts BusOptions) (Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &redisBus{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (b *redisBus) Topic(name string) (Topic, error) {
	if name == "" {
		return nil, errors.New("topic name is required")
	}
	var streamOptions []streamopts.Stream
	if b.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream(name, b.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	return &topicHandle{stream: str, timeout: b.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection lifecycle.
func (b *redisBus) Close(ctx context.Context) error {
	return nil
}

func (t *topicHandle) Append(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	id, err := t.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("stream add: %w", err)
	}
	return id, nil
}

func (t *topicHandle) NewSink(ctx context.Context, group string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := t.stream.NewSink(ctx, group, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (t *topicHandle) Destroy(ctx context.Context) error {
	return t.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
