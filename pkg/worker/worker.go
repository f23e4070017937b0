// Package worker is the uniform stage-worker skeleton: consume with
// prefetch, decode, gate on retry count and task status, run the stage,
// classify the outcome into ack / drop / requeue-to-tail.
package worker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/telemetry"
)

// Stage is one pipeline stage's message handler.
type Stage interface {
	Queue() string
	Handle(ctx context.Context, body []byte, headers amqp.Table) error
}

// Publisher is the outgoing queue surface stages publish on.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts ...queuebus.PublishOption) error
}

// Worker drives one stage against its queue.
type Worker struct {
	bus        *queuebus.Bus
	stage      Stage
	prefetch   int
	retryLimit int
	logger     zerolog.Logger
}

// New wires a worker for a stage.
func New(bus *queuebus.Bus, stage Stage, prefetch, retryLimit int, logger zerolog.Logger) *Worker {
	if retryLimit < 1 {
		retryLimit = 3
	}
	return &Worker{
		bus:        bus,
		stage:      stage,
		prefetch:   prefetch,
		retryLimit: retryLimit,
		logger:     logger.With().Str("queue", stage.Queue()).Logger(),
	}
}

// Run consumes until the context is done, re-entering the consume loop
// after broker channel failures.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.bus.Consume(ctx, w.stage.Queue(), w.prefetch, w.process)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn().Err(err).Msg("consume loop ended, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// delivery is the consume-side surface handle settles a message on;
// *queuebus.Message implements it.
type delivery interface {
	Ack()
	Drop()
	RequeueTail(ctx context.Context) error
}

// process handles one delivery on its own goroutine.
func (w *Worker) process(ctx context.Context, m *queuebus.Message) {
	w.handle(ctx, m.Queue, m.Body, m.Headers, m)
}

func (w *Worker) handle(ctx context.Context, queue string, body []byte, headers amqp.Table, d delivery) {
	ctx = telemetry.Extract(ctx, headers)
	ctx, span := telemetry.Tracer().Start(ctx, "consume "+queue)
	defer span.End()

	retries := queuebus.RetryCount(headers)
	if retries >= w.retryLimit {
		w.logger.Warn().Int("retries", retries).Msg("retry limit hit, dropping message")
		observe(queue, "retry_exhausted", 0)
		d.Drop()
		return
	}

	start := time.Now()
	err := w.stage.Handle(ctx, body, headers)
	elapsed := time.Since(start)

	switch Classify(err) {
	case OutcomeAck:
		if err != nil {
			w.logger.Debug().Err(err).Msg("message skipped")
		}
		observe(queue, "ack", elapsed)
		d.Ack()
	case OutcomeDrop:
		w.logger.Error().Err(err).Msg("poison message dropped")
		observe(queue, "poison", elapsed)
		d.Drop()
	case OutcomeRequeue:
		w.logger.Warn().Err(err).Int("retry", retries+1).Msg("requeueing message")
		observe(queue, "requeue", elapsed)
		if rqErr := d.RequeueTail(ctx); rqErr != nil {
			w.logger.Error().Err(rqErr).Msg("requeue failed, dropping")
			d.Drop()
		}
	}
}

// TaskActive reports whether a task's coordination-store status still
// admits new work. Missing status counts as inactive.
func TaskActive(ctx context.Context, cs *coordstore.Store, taskID string) (bool, error) {
	status, err := cs.Get(ctx, coordstore.TaskStatusKey(taskID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == coordstore.TaskStatusProcessing || status == coordstore.TaskStatusWaiting, nil
}
