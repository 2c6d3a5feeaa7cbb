package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"
)

type (
	// Handler processes one decoded event. The original wire message is
	// passed alongside so handlers that replay or dead-letter can keep the
	// exact bytes. Delivery is at-least-once: handlers must be idempotent.
	Handler func(ctx context.Context, e Event, m *Message) error

	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Bus backs the streams. Required.
		Bus Bus
		// Topic is the stream to consume.
		Topic string
		// Group is the consumer group name. Distinct consumer classes use
		// distinct groups so each class sees every message.
		Group string
		// Handler processes each event.
		Handler Handler
		// DLQ receives messages whose handler failed or panicked. A nil
		// producer (or a disabled one) drops them with a log line instead.
		DLQ *Producer
	}

	// Consumer reads one topic within one group and dispatches to a handler.
	// Messages are acknowledged after handling: a crash before the ack means
	// redelivery, never loss.
	Consumer struct {
		bus     Bus
		topic   string
		group   string
		handler Handler
		dlq     *Producer
	}
)

// NewConsumer constructs a Consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Topic == "" || opts.Group == "" {
		return nil, errors.New("topic and group are required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	return &Consumer{
		bus:     opts.Bus,
		topic:   opts.Topic,
		group:   opts.Group,
		handler: opts.Handler,
		dlq:     opts.DLQ,
	}, nil
}

// Run consumes until ctx is canceled. It returns ctx.Err() on cancellation
// and nil when the sink channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	topic, err := c.bus.Topic(c.topic)
	if err != nil {
		return err
	}
	sink, err := topic.NewSink(ctx, c.group)
	if err != nil {
		return fmt.Errorf("open sink %s on %s: %w", c.group, c.topic, err)
	}
	defer sink.Close(context.WithoutCancel(ctx))

	log.Printf(ctx, "consuming %s as %s", c.topic, c.group)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			c.dispatch(ctx, sink, evt)
		}
	}
}

// dispatch handles one delivery and acknowledges it. Failures dead-letter
// the message; the ack still happens so the poisoned message does not wedge
// the group.
func (c *Consumer) dispatch(ctx context.Context, sink Sink, evt *streaming.Event) {
	defer func() {
		if err := sink.Ack(ctx, evt); err != nil {
			log.Errorf(ctx, err, "ack %s on %s", evt.ID, c.topic)
		}
	}()

	var m Message
	if err := json.Unmarshal(evt.Payload, &m); err != nil {
		log.Errorf(ctx, err, "undecodable message %s on %s", evt.ID, c.topic)
		c.deadLetter(ctx, &Message{Body: evt.Payload}, err)
		return
	}
	e, err := Decode(&m)
	if err != nil {
		log.Errorf(ctx, err, "unparseable event %s on %s", evt.ID, c.topic)
		c.deadLetter(ctx, &m, err)
		return
	}
	if err := c.safeHandle(ctx, e, &m); err != nil {
		log.Errorf(ctx, err, "handle %s event %s on %s", e.Type, e.ID, c.topic)
		c.deadLetter(ctx, &m, err)
	}
}

// safeHandle converts handler panics into errors so one poisoned message
// cannot take the consumer down.
func (c *Consumer) safeHandle(ctx context.Context, e Event, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, e, m)
}

func (c *Consumer) deadLetter(ctx context.Context, m *Message, cause error) {
	if !c.dlq.Enabled() {
		log.Printf(ctx, "dropping failed message on %s: %v", c.topic, cause)
		return
	}
	if err := c.dlq.PublishDLQ(ctx, m, cause, RetryCountOf(m)); err != nil {
		log.Errorf(ctx, err, "dead-letter message on %s", c.topic)
	}
}
