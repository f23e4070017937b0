// Package queuebus is the durable AMQP layer between pipeline stages:
// declare, publish with priority and headers, consume with prefetch, and
// requeue-to-tail retry semantics.
package queuebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/retry"
	"github.com/b3yond/bugbuster/pkg/telemetry"
)

// Bus holds a fixed pool of broker connections. Channels are cheap and
// opened per operation; connections are shared round-robin and redialed
// by a monitor goroutine when the broker drops them.
type Bus struct {
	url    string
	logger zerolog.Logger

	mu     sync.Mutex
	conns  []*amqp.Connection
	next   int
	closed bool
}

// New dials the connection pool. poolSize <= 0 falls back to 10.
func New(url string, poolSize int, logger zerolog.Logger) (*Bus, error) {
	if poolSize <= 0 {
		poolSize = 10
	}
	b := &Bus{
		url:    url,
		logger: logger,
		conns:  make([]*amqp.Connection, poolSize),
	}
	for i := range b.conns {
		if err := b.connect(i); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
	}
	return b, nil
}

// connect dials slot i and installs a close monitor that redials with the
// shared backoff policy until the bus is closed.
func (b *Bus) connect(i int) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conns[i] = conn
	b.mu.Unlock()

	go b.monitor(i, conn)
	return nil
}

func (b *Bus) monitor(i int, conn *amqp.Connection) {
	errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr := <-errCh
	if amqpErr == nil {
		// clean shutdown
		return
	}

	b.logger.Warn().Int("slot", i).Str("reason", amqpErr.Error()).Msg("broker connection lost, redialing")

	policy := retry.Policy()
	for {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.connect(i); err == nil {
			b.logger.Info().Int("slot", i).Msg("broker connection restored")
			return
		}
		d := policy.NextBackOff()
		if d == backoff.Stop {
			d = policy.MaxInterval
		}
		time.Sleep(d)
	}
}

// channel opens a fresh channel on the next pooled connection.
func (b *Bus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("queue bus is closed")
	}
	for range b.conns {
		conn := b.conns[b.next]
		b.next = (b.next + 1) % len(b.conns)
		if conn == nil || conn.IsClosed() {
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			continue
		}
		return ch, nil
	}
	return nil, fmt.Errorf("no live broker connection in pool")
}

// Declare creates a durable queue. priorityMax > 0 adds x-max-priority.
func (b *Bus) Declare(name string, priorityMax uint8) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	var args amqp.Table
	if priorityMax > 0 {
		args = amqp.Table{"x-max-priority": int32(priorityMax)}
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// PublishOption mutates an outgoing message.
type PublishOption func(*amqp.Publishing)

// WithPriority tags the message with a delivery priority.
func WithPriority(p uint8) PublishOption {
	return func(pub *amqp.Publishing) { pub.Priority = p }
}

// WithHeaders sets the message headers.
func WithHeaders(h amqp.Table) PublishOption {
	return func(pub *amqp.Publishing) { pub.Headers = h }
}

// newPublishing assembles an outgoing message and stamps the caller's
// span context onto its headers, so trace context survives every hop.
func newPublishing(ctx context.Context, body []byte, opts ...PublishOption) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	for _, opt := range opts {
		opt(&pub)
	}
	pub.Headers = telemetry.Inject(ctx, pub.Headers)
	return pub
}

// Publish sends a persistent message to a queue via the default exchange.
// Connection and channel faults are retried with the shared policy.
func (b *Bus) Publish(ctx context.Context, queue string, body []byte, opts ...PublishOption) error {
	pub := newPublishing(ctx, body, opts...)

	err := retry.Do(ctx, func() error {
		ch, err := b.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return ch.PublishWithContext(ctx, "", queue, false, false, pub)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Close tears down the pool. In-flight consumers observe channel closure
// and return.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.mu.Unlock()

	for _, conn := range conns {
		if conn != nil && !conn.IsClosed() {
			_ = conn.Close()
		}
	}
}
