package worker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/triage"
)

// TriageStage adapts the triage engine to the stage skeleton. The same
// stage serves triage_queue and timeout_queue; consuming the timeout
// queue disables sender-side forwarding so messages cannot loop.
type TriageStage struct {
	engine *triage.Engine
	queue  string
}

// NewTriageStage wires the engine to triage_queue.
func NewTriageStage(engine *triage.Engine) *TriageStage {
	return &TriageStage{engine: engine, queue: queuebus.QueueTriage}
}

// NewTimeoutStage wires the engine to the timeout/OOM processor queue.
func NewTimeoutStage(engine *triage.Engine) *TriageStage {
	return &TriageStage{engine: engine, queue: queuebus.QueueTimeout}
}

// Queue implements Stage.
func (s *TriageStage) Queue() string { return s.queue }

// Handle implements Stage.
func (s *TriageStage) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var msg messages.TriageMessage
	if err := messages.Decode(body, &msg); err != nil {
		return err
	}
	return s.engine.Handle(ctx, &msg, s.queue == queuebus.QueueTimeout)
}
