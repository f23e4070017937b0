// Package control is the task lifecycle authority: it admits new tasks,
// dispatches pending ones into the pipeline, and broadcasts cancellation
// through the coordination store for workers to observe.
package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/messages"
	"github.com/b3yond/bugbuster/pkg/queuebus"
	"github.com/b3yond/bugbuster/pkg/store"
)

// maxDispatchFailures caps workflow-level retries before a task is marked
// errored.
const maxDispatchFailures = 3

// Publisher is the broker surface the control plane needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts ...queuebus.PublishOption) error
}

// Plane admits and dispatches tasks.
type Plane struct {
	cs     *coordstore.Store
	rs     *store.Store
	bus    Publisher
	period time.Duration
	logger zerolog.Logger
}

// NewPlane wires the control plane.
func NewPlane(cs *coordstore.Store, rs *store.Store, bus Publisher, logger zerolog.Logger) *Plane {
	return &Plane{cs: cs, rs: rs, bus: bus, period: 10 * time.Second, logger: logger}
}

// CreateTask admits a new task: persists it with its sources and marks it
// pending in both stores. Dispatch happens on the next poll tick.
func (p *Plane) CreateTask(ctx context.Context, task *store.Task, sources []store.Source) error {
	task.Status = store.TaskStatusPending
	if err := p.rs.CreateTask(ctx, task, sources); err != nil {
		return err
	}
	if err := p.cs.Set(ctx, coordstore.TaskStatusKey(task.ID), coordstore.TaskStatusPending, 0); err != nil {
		return err
	}
	if task.Metadata != "" {
		if err := p.cs.Set(ctx, coordstore.TaskMetadataKey(task.ID), task.Metadata, 0); err != nil {
			return err
		}
	}
	p.logger.Info().Str("task_id", task.ID).Str("project", task.ProjectName).Msg("task admitted")
	return nil
}

// CancelTask broadcasts cancellation. Workers observe the status flip and
// stop at their next safe point; the reaper sweeps containers and keys.
func (p *Plane) CancelTask(ctx context.Context, taskID string) error {
	if err := p.rs.UpdateTaskStatus(ctx, taskID, store.TaskStatusCanceled); err != nil {
		return err
	}
	if err := p.cs.Set(ctx, coordstore.TaskStatusKey(taskID), coordstore.TaskStatusCanceled, 0); err != nil {
		return err
	}
	p.logger.Info().Str("task_id", taskID).Msg("task canceled")
	return nil
}

// Run dispatches pending tasks until the context is done.
func (p *Plane) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.DispatchPending(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("dispatch pass failed")
		}
	}
}

// DispatchPending pushes every pending task into the pipeline. A task
// that repeatedly fails to dispatch is marked errored once the workflow
// retry counter is exhausted.
func (p *Plane) DispatchPending(ctx context.Context) error {
	tasks, err := p.rs.TasksByStatus(ctx, store.TaskStatusPending)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := p.dispatch(ctx, &task); err != nil {
			p.logger.Warn().Str("task_id", task.ID).Err(err).Msg("failed to dispatch task")
			if ferr := p.recordFailure(ctx, task.ID); ferr != nil {
				p.logger.Error().Str("task_id", task.ID).Err(ferr).Msg("failed to record dispatch failure")
			}
		}
	}
	return nil
}

func (p *Plane) dispatch(ctx context.Context, task *store.Task) error {
	msg, err := p.taskMessage(ctx, task)
	if err != nil {
		return err
	}
	body, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	// The CS status flips before the publish: a worker picking the
	// message up immediately must already see the task active. The RS
	// status flips last so a failed publish leaves the task pending and
	// it is retried on the next tick.
	if err := p.cs.Set(ctx, coordstore.TaskStatusKey(task.ID), coordstore.TaskStatusProcessing, 0); err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, queuebus.QueueCorpus, body); err != nil {
		if rerr := p.cs.Set(ctx, coordstore.TaskStatusKey(task.ID), coordstore.TaskStatusPending, 0); rerr != nil {
			p.logger.Warn().Str("task_id", task.ID).Err(rerr).Msg("failed to roll back task status")
		}
		return err
	}
	if err := p.rs.UpdateTaskStatus(ctx, task.ID, store.TaskStatusProcessing); err != nil {
		return err
	}
	p.logger.Info().Str("task_id", task.ID).Str("project", task.ProjectName).Msg("task dispatched")
	return nil
}

func (p *Plane) taskMessage(ctx context.Context, task *store.Task) (*messages.TaskMessage, error) {
	repos, err := p.rs.SourcesForTask(ctx, task.ID, store.SourceRepo)
	if err != nil {
		return nil, err
	}
	tooling, err := p.rs.SourcesForTask(ctx, task.ID, store.SourceFuzzTooling)
	if err != nil {
		return nil, err
	}
	diffs, err := p.rs.SourcesForTask(ctx, task.ID, store.SourceDiff)
	if err != nil {
		return nil, err
	}

	msg := &messages.TaskMessage{
		TaskID:      task.ID,
		TaskType:    task.TaskType,
		ProjectName: task.ProjectName,
		Focus:       task.Focus,
	}
	for _, src := range repos {
		msg.Repo = append(msg.Repo, src.Path)
	}
	if len(tooling) > 0 {
		msg.FuzzingTooling = tooling[0].Path
	}
	if len(diffs) > 0 {
		msg.Diff = diffs[0].Path
	}
	return msg, msg.Validate()
}

// recordFailure bumps the workflow retry counter and errors the task once
// the cap is reached.
func (p *Plane) recordFailure(ctx context.Context, taskID string) error {
	count, err := p.cs.Incr(ctx, coordstore.RetryCountKey(taskID))
	if err != nil {
		return err
	}
	if count < maxDispatchFailures {
		return nil
	}
	p.logger.Error().Str("task_id", taskID).Int64("failures", count).Msg("task errored after repeated dispatch failures")
	if err := p.rs.UpdateTaskStatus(ctx, taskID, store.TaskStatusErrored); err != nil {
		return err
	}
	return p.cs.Set(ctx, coordstore.TaskStatusKey(taskID), coordstore.TaskStatusErrored, 0)
}
