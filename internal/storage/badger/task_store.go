// -----------------------------------------------------------------------
// Task record operations and the atomic stage-completion primitive
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// GetTask returns the full task record, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: task %s", interfaces.ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ListTasksForJob returns the job's tasks ordered by creation, optionally
// narrowed by stage and status.
func (s *Store) ListTasksForJob(ctx context.Context, jobID string, filter *interfaces.TaskFilter) ([]*models.Task, error) {
	query := badgerhold.Where("ParentJobID").Eq(jobID)
	if filter != nil {
		if filter.Stage > 0 {
			query = query.And("Stage").Eq(filter.Stage)
		}
		if filter.Status != "" {
			query = query.And("Status").Eq(filter.Status)
		}
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

// CreateTaskBatch inserts all tasks in one transaction, or none. Each task
// must carry the parent job prefix in its ID and belong to the parent job.
func (s *Store) CreateTaskBatch(ctx context.Context, jobID string, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: task batch cannot be empty", interfaces.ErrContractViolation)
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("%w: %s", interfaces.ErrContractViolation, err)
		}
		if task.ParentJobID != jobID {
			return fmt.Errorf("%w: task %s belongs to job %s, not %s",
				interfaces.ErrContractViolation, task.TaskID, task.ParentJobID, jobID)
		}
		if !strings.HasPrefix(task.TaskID, jobID[:8]) {
			return fmt.Errorf("%w: task %s does not carry parent prefix %s",
				interfaces.ErrContractViolation, task.TaskID, jobID[:8])
		}
		if seen[task.TaskID] {
			return fmt.Errorf("%w: duplicate task ID %s in batch", interfaces.ErrContractViolation, task.TaskID)
		}
		seen[task.TaskID] = true
	}

	// Single Badger transaction makes the batch all-or-nothing.
	tx := s.db.Store().Badger().NewTransaction(true)
	defer tx.Discard()
	for _, task := range tasks {
		if err := s.db.Store().TxInsert(tx, task.TaskID, task); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return fmt.Errorf("%w: task %s already exists", interfaces.ErrContractViolation, task.TaskID)
			}
			return fmt.Errorf("failed to insert task %s: %w", task.TaskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task batch: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Int("task_count", len(tasks)).Msg("Task batch created")
	return nil
}

// UpdateTaskStatus applies a validated status transition with an optional
// patch. Runs under the task's (job_id, stage) lock so status flips cannot
// race the stage-completion count.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, patch *interfaces.TaskPatch) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := s.locks.acquire(stageLockKey(task.ParentJobID, task.Stage))
	defer unlock()

	// Re-read under the lock; the first read was only to learn the lock key.
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := models.ValidateTaskTransition(task.Status, status); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidTransition, err)
	}

	task.Status = status
	if patch != nil {
		if patch.ResultData != nil {
			task.ResultData = patch.ResultData
		}
		if patch.ErrorDetails != nil {
			task.ErrorDetails = patch.ErrorDetails
		}
		if patch.RetryCount != nil {
			task.RetryCount = *patch.RetryCount
		}
		if patch.StampHeartbeat {
			task.StampHeartbeat()
		}
	}

	task.Touch()
	if err := s.db.Store().Upsert(task.TaskID, task); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	s.logger.Debug().Str("task_id", taskID).Str("status", string(status)).Msg("Task status updated")
	return nil
}

// CompleteTaskAndCheckStage atomically finishes one task and counts the
// remaining non-terminal tasks of its stage under the (job_id, stage) lock.
// Exactly one concurrent completer observes IsLastTaskInStage.
func (s *Store) CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int,
	resultData map[string]interface{}, errDetails *models.ErrorDetails) (*interfaces.CompleteTaskResult, error) {

	unlock := s.locks.acquire(stageLockKey(jobID, stage))
	defer unlock()

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ParentJobID != jobID || task.Stage != stage {
		return nil, fmt.Errorf("%w: task %s does not belong to (job %s, stage %d)",
			interfaces.ErrContractViolation, taskID, jobID, stage)
	}

	updated := false
	if !task.Status.IsTerminal() {
		target := models.TaskStatusCompleted
		if errDetails != nil {
			target = models.TaskStatusFailed
		}
		if err := models.ValidateTaskTransition(task.Status, target); err != nil {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrInvalidTransition, err)
		}

		task.Status = target
		task.ResultData = resultData
		task.ErrorDetails = errDetails
		task.Touch()
		if err := s.db.Store().Upsert(task.TaskID, task); err != nil {
			return nil, fmt.Errorf("failed to complete task: %w", err)
		}
		updated = true
	}

	var siblings []models.Task
	query := badgerhold.Where("ParentJobID").Eq(jobID).And("Stage").Eq(stage)
	if err := s.db.Store().Find(&siblings, query); err != nil {
		return nil, fmt.Errorf("failed to count stage tasks: %w", err)
	}

	remaining := 0
	for i := range siblings {
		if !siblings[i].Status.IsTerminal() {
			remaining++
		}
	}

	return &interfaces.CompleteTaskResult{
		TaskUpdated:       updated,
		IsLastTaskInStage: updated && remaining == 0,
		RemainingTasks:    remaining,
	}, nil
}

// DeleteTask removes a task record. Used only for orphan cleanup.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.db.Store().Delete(taskID, &models.Task{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// TouchTaskHeartbeat stamps the task's heartbeat without a status transition.
func (s *Store) TouchTaskHeartbeat(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := s.locks.acquire(stageLockKey(task.ParentJobID, task.Stage))
	defer unlock()

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.StampHeartbeat()
	task.Touch()
	if err := s.db.Store().Upsert(task.TaskID, task); err != nil {
		return fmt.Errorf("failed to stamp task heartbeat: %w", err)
	}
	return nil
}
