package queuebus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivery handed to a stage handler. The handler runs on
// its own goroutine; Ack, Drop and RequeueTail marshal back onto the
// consume loop so the broker channel is only touched from one goroutine.
type Message struct {
	Body    []byte
	Headers amqp.Table
	Queue   string

	bus *Bus
	tag uint64
	ops chan<- func(ch *amqp.Channel) error
}

// Ack confirms the delivery.
func (m *Message) Ack() {
	m.ops <- func(ch *amqp.Channel) error {
		return ch.Ack(m.tag, false)
	}
}

// Drop rejects the delivery without requeue. Poison messages end here.
func (m *Message) Drop() {
	m.ops <- func(ch *amqp.Channel) error {
		return ch.Nack(m.tag, false, false)
	}
}

// RequeueTail republishes the message to the end of its own queue with the
// retry header incremented, then acks the original. This is deliberately
// not a broker-native redeliver: the copy carries mutated headers and
// lands behind every message already queued.
func (m *Message) RequeueTail(ctx context.Context) error {
	headers := WithRetry(m.Headers, RetryCount(m.Headers)+1)
	if err := m.bus.Publish(ctx, m.Queue, m.Body, WithHeaders(headers)); err != nil {
		return fmt.Errorf("failed to requeue to %s: %w", m.Queue, err)
	}
	m.Ack()
	return nil
}

// Consume delivers messages from a queue to fn until the context is done
// or the broker channel dies; in the latter case it returns an error so
// the supervisor restarts the worker. fn is called on a fresh goroutine
// per message and must finish by calling exactly one of Ack, Drop or
// RequeueTail.
func (b *Bus) Consume(ctx context.Context, queue string, prefetch int, fn func(context.Context, *Message)) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if prefetch <= 0 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	ops := make(chan func(ch *amqp.Channel) error, prefetch*2)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-ops:
			if err := op(ch); err != nil {
				return fmt.Errorf("broker ack failed on %s: %w", queue, err)
			}
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", queue)
			}
			msg := &Message{
				Body:    d.Body,
				Headers: d.Headers,
				Queue:   queue,
				bus:     b,
				tag:     d.DeliveryTag,
				ops:     ops,
			}
			go fn(ctx, msg)
		}
	}
}
