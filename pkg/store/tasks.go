package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// validTaskStatus is the closed set of task statuses.
var validTaskStatus = map[string]bool{
	TaskStatusPending: true, TaskStatusWaiting: true, TaskStatusProcessing: true,
	TaskStatusCanceled: true, TaskStatusErrored: true, TaskStatusSucceeded: true,
	TaskStatusFailed: true,
}

// CreateTask inserts a task together with its sources in one transaction.
func (s *Store) CreateTask(ctx context.Context, task *Task, sources []Source) error {
	if !validTaskStatus[task.Status] {
		return fmt.Errorf("unknown task status %q", task.Status)
	}
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("failed to create task %s: %w", task.ID, err)
		}
		for i := range sources {
			sources[i].TaskID = task.ID
			if err := tx.Create(&sources[i]).Error; err != nil {
				return fmt.Errorf("failed to create source for task %s: %w", task.ID, err)
			}
		}
		return nil
	})
}

// TaskByID fetches one task.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.DB(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task %s: %w", id, err)
	}
	return &task, nil
}

// TasksByStatus lists tasks in any of the given statuses.
func (s *Store) TasksByStatus(ctx context.Context, statuses ...string) ([]Task, error) {
	var tasks []Task
	if err := s.DB(ctx).Where("status IN ?", statuses).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ActiveTasks lists tasks the pipeline is still working on.
func (s *Store) ActiveTasks(ctx context.Context) ([]Task, error) {
	return s.TasksByStatus(ctx, TaskStatusProcessing, TaskStatusWaiting)
}

// UpdateTaskStatus moves a task to a new status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	if !validTaskStatus[status] {
		return fmt.Errorf("unknown task status %q", status)
	}
	res := s.DB(ctx).Model(&Task{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update task %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SourcesForTask lists the input archives of a task, optionally filtered
// by type.
func (s *Store) SourcesForTask(ctx context.Context, taskID, sourceType string) ([]Source, error) {
	q := s.DB(ctx).Where("task_id = ?", taskID)
	if sourceType != "" {
		q = q.Where("type = ?", sourceType)
	}
	var sources []Source
	if err := q.Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("failed to list sources for task %s: %w", taskID, err)
	}
	return sources, nil
}

// CreateSeed records a seed tarball.
func (s *Store) CreateSeed(ctx context.Context, seed *Seed) error {
	if err := s.DB(ctx).Create(seed).Error; err != nil {
		return fmt.Errorf("failed to create seed for task %s: %w", seed.TaskID, err)
	}
	return nil
}
