package control

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/build"
	"github.com/b3yond/bugbuster/pkg/coordstore"
	"github.com/b3yond/bugbuster/pkg/store"
)

// HostPool lists the docker hosts a sweep must visit.
type HostPool interface {
	AllHosts(ctx context.Context) []*build.DockerClient
}

var _ HostPool = (*build.Fleet)(nil)

// Reaper enforces deadlines and cleans up after canceled tasks: containers
// are stopped on every known docker host and residual control keys are
// deleted so the namespace does not grow without bound.
type Reaper struct {
	cs     *coordstore.Store
	rs     *store.Store
	hosts  HostPool
	period time.Duration
	logger zerolog.Logger
}

// NewReaper wires the cancellation routine. period is the monitor
// interval workers are also bound by.
func NewReaper(cs *coordstore.Store, rs *store.Store, hosts HostPool, period time.Duration, logger zerolog.Logger) *Reaper {
	if period <= 0 {
		period = time.Minute
	}
	return &Reaper{cs: cs, rs: rs, hosts: hosts, period: period, logger: logger}
}

// Run enforces deadlines and sweeps canceled tasks until the context is
// done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.Tick(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("reaper pass failed")
		}
	}
}

// Tick runs one deadline pass and one sweep pass.
func (r *Reaper) Tick(ctx context.Context) error {
	if err := r.expireDeadlines(ctx); err != nil {
		return err
	}
	return r.sweepFinished(ctx)
}

// expireDeadlines retires tasks whose wall budget ran out. A task that
// survives to its deadline has done all the work it ever will, so it
// finishes as succeeded; the CS status flips to canceled to stop workers.
func (r *Reaper) expireDeadlines(ctx context.Context) error {
	tasks, err := r.rs.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, task := range tasks {
		if task.Deadline > now {
			continue
		}
		r.logger.Info().Str("task_id", task.ID).Msg("task deadline passed")
		if err := r.rs.UpdateTaskStatus(ctx, task.ID, store.TaskStatusSucceeded); err != nil {
			r.logger.Warn().Str("task_id", task.ID).Err(err).Msg("failed to retire task")
			continue
		}
		if err := r.cs.Set(ctx, coordstore.TaskStatusKey(task.ID), coordstore.TaskStatusCanceled, 0); err != nil {
			r.logger.Warn().Str("task_id", task.ID).Err(err).Msg("failed to broadcast cancellation")
		}
	}
	return nil
}

// sweepFinished cleans up tasks that are terminal in the relational store
// but still have a live CS status. The CS key is deleted last: while it
// exists, workers keep observing the canceled status and stay away.
func (r *Reaper) sweepFinished(ctx context.Context) error {
	tasks, err := r.rs.TasksByStatus(ctx,
		store.TaskStatusCanceled, store.TaskStatusErrored,
		store.TaskStatusSucceeded, store.TaskStatusFailed)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		_, err := r.cs.Get(ctx, coordstore.TaskStatusKey(task.ID))
		if errors.Is(err, coordstore.ErrNotFound) {
			continue // already swept
		}
		if err != nil {
			return err
		}
		r.SweepTask(ctx, task.ID)
	}
	return nil
}

// SweepTask stops every container owned by a task across the docker fleet
// and deletes its residual control keys.
func (r *Reaper) SweepTask(ctx context.Context, taskID string) {
	for _, host := range r.hosts.AllHosts(ctx) {
		names, err := host.ContainersMatching(ctx, taskID)
		if err != nil {
			r.logger.Warn().Str("host", host.Host()).Err(err).Msg("failed to list containers")
			continue
		}
		for _, name := range names {
			if err := host.StopAndRemove(ctx, name); err != nil {
				r.logger.Warn().Str("container", name).Str("host", host.Host()).Err(err).Msg("failed to stop container")
			}
		}
	}

	err := r.cs.Del(ctx,
		coordstore.TaskStatusKey(taskID),
		coordstore.RetryCountKey(taskID),
	)
	if err != nil {
		r.logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to delete residual keys")
		return
	}
	r.logger.Info().Str("task_id", taskID).Msg("task swept")
}
