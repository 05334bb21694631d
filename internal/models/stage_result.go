// -----------------------------------------------------------------------
// StageResult - typed aggregation of a stage's task outcomes
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"sort"
	"time"
)

// StageStatus is the aggregate outcome of a stage.
type StageStatus string

const (
	StageStatusCompleted           StageStatus = "completed"
	StageStatusFailed              StageStatus = "failed"
	StageStatusCompletedWithErrors StageStatus = "completed_with_errors"
)

// TaskResultSnapshot is the per-task result snapshot embedded in a
// StageResult, ordered by task creation.
type TaskResultSnapshot struct {
	TaskID       string                 `json:"task_id"`
	TaskType     string                 `json:"task_type"`
	Stage        int                    `json:"stage"`
	TaskIndex    string                 `json:"task_index"`
	Status       TaskStatus             `json:"status"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorDetails *ErrorDetails          `json:"error_details,omitempty"`
}

// StageResult is the typed aggregation of a stage's task outcomes. It is
// appended to the job's stage_results map under str(stage_number) and passed
// to the next stage's task generator and to job finalisation.
type StageResult struct {
	StageNumber     int                    `json:"stage_number"`
	StageKey        string                 `json:"stage_key"`
	Status          StageStatus            `json:"status"`
	TaskCount       int                    `json:"task_count"`
	SuccessfulTasks int                    `json:"successful_tasks"`
	FailedTasks     int                    `json:"failed_tasks"`
	SuccessRate     float64                `json:"success_rate"`
	TaskResults     []TaskResultSnapshot   `json:"task_results"`
	CompletedAt     time.Time              `json:"completed_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// BuildStageResult aggregates the tasks of one stage into a StageResult.
// Tasks are ordered by insertion (creation time, then task ID for stability).
// Status is completed iff all tasks succeeded, failed iff all failed, and
// completed_with_errors when the stage is mixed.
func BuildStageResult(stage int, tasks []*Task) (*StageResult, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("cannot aggregate stage %d with no tasks", stage)
	}

	ordered := make([]*Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})

	result := &StageResult{
		StageNumber: stage,
		StageKey:    fmt.Sprintf("%d", stage),
		TaskCount:   len(ordered),
		TaskResults: make([]TaskResultSnapshot, 0, len(ordered)),
		CompletedAt: time.Now().UTC(),
	}

	for _, task := range ordered {
		if task.Stage != stage {
			return nil, fmt.Errorf("task %s belongs to stage %d, not %d", task.TaskID, task.Stage, stage)
		}
		switch task.Status {
		case TaskStatusCompleted:
			result.SuccessfulTasks++
		case TaskStatusFailed:
			result.FailedTasks++
		default:
			return nil, fmt.Errorf("task %s is non-terminal (%s), stage %d cannot close", task.TaskID, task.Status, stage)
		}
		result.TaskResults = append(result.TaskResults, TaskResultSnapshot{
			TaskID:       task.TaskID,
			TaskType:     task.TaskType,
			Stage:        task.Stage,
			TaskIndex:    task.TaskIndex,
			Status:       task.Status,
			ResultData:   task.ResultData,
			ErrorDetails: task.ErrorDetails,
		})
	}

	result.SuccessRate = float64(result.SuccessfulTasks) / float64(result.TaskCount)
	switch {
	case result.FailedTasks == 0:
		result.Status = StageStatusCompleted
	case result.SuccessfulTasks == 0:
		result.Status = StageStatusFailed
	default:
		result.Status = StageStatusCompletedWithErrors
	}

	return result, nil
}

// Validate checks the StageResult contract.
func (r *StageResult) Validate() error {
	if r.StageNumber < 1 {
		return fmt.Errorf("stage number must be 1-based")
	}
	if r.StageKey != fmt.Sprintf("%d", r.StageNumber) {
		return fmt.Errorf("stage key %q does not match stage number %d", r.StageKey, r.StageNumber)
	}
	if r.SuccessfulTasks+r.FailedTasks != r.TaskCount {
		return fmt.Errorf("stage %d task counts do not add up: %d + %d != %d",
			r.StageNumber, r.SuccessfulTasks, r.FailedTasks, r.TaskCount)
	}
	if len(r.TaskResults) != r.TaskCount {
		return fmt.Errorf("stage %d has %d snapshots for %d tasks", r.StageNumber, len(r.TaskResults), r.TaskCount)
	}
	return nil
}
