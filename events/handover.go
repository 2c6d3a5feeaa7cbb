package events

import (
	"context"
	"errors"
)

type (
	// HandoverBusOptions configures a HandoverBus.
	HandoverBusOptions struct {
		// Bus backs the streams. Required.
		Bus Bus
		// Producer re-emits relayed events and receives dead letters.
		// Required.
		Producer *Producer
	}

	// HandoverBus mirrors handover events from the global fan-out topic onto
	// each server's own topic, so server-scoped subscribers see only their
	// traffic without every publisher addressing two streams. Non-handover
	// events on the fan-out topic pass through untouched.
	HandoverBus struct {
		consumer *Consumer
		producer *Producer
	}
)

// NewHandoverBus constructs a HandoverBus.
func NewHandoverBus(opts HandoverBusOptions) (*HandoverBus, error) {
	if opts.Producer == nil {
		return nil, errors.New("producer is required")
	}
	h := &HandoverBus{producer: opts.Producer}
	c, err := NewConsumer(ConsumerOptions{
		Bus:     opts.Bus,
		Topic:   opts.Producer.Topics().Fanout,
		Group:   GroupHandover,
		Handler: h.handle,
		DLQ:     opts.Producer,
	})
	if err != nil {
		return nil, err
	}
	h.consumer = c
	return h, nil
}

// Run consumes the fan-out topic until ctx is canceled.
func (h *HandoverBus) Run(ctx context.Context) error {
	return h.consumer.Run(ctx)
}

func (h *HandoverBus) handle(ctx context.Context, e Event, _ *Message) error {
	if e.Format != FormatHandover || e.ServerID == "" {
		return nil
	}
	return h.producer.Publish(ctx, ServerTopic(e.ServerID), e)
}
