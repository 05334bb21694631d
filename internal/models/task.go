// -----------------------------------------------------------------------
// Task - durable task record, task ID derivation and status state machine
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"regexp"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
)

// taskTransitions is the allowed task status transition table.
//
//	queued     -> processing (executor pickup)
//	queued     -> failed     (janitor / validation only)
//	processing -> completed | failed | retrying
//	processing -> queued     (janitor lease recovery)
//	retrying   -> queued     (on re-enqueue)
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusRetrying, TaskStatusQueued},
	TaskStatusRetrying:   {TaskStatusQueued},
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether the transition s -> next is allowed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTaskTransition returns a descriptive error for a disallowed transition.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid task status transition: %s -> %s", from, to)
	}
	return nil
}

// semanticIndexPattern restricts task indexes to URL-safe characters so the
// derived task ID stays URL-safe.
var semanticIndexPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateTaskIndex checks that a semantic task index is URL-safe.
func ValidateTaskIndex(index string) error {
	if !semanticIndexPattern.MatchString(index) {
		return fmt.Errorf("task index %q must contain only [A-Za-z0-9-]", index)
	}
	return nil
}

// BuildTaskID derives the canonical task ID: {job_id[:8]}-s{stage}-{index}.
func BuildTaskID(parentJobID string, stage int, index string) (string, error) {
	if len(parentJobID) < 8 {
		return "", fmt.Errorf("parent job ID too short: %q", parentJobID)
	}
	if err := ValidateTaskIndex(index); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-s%d-%s", parentJobID[:8], stage, index), nil
}

// Task is the durable record of a single handler invocation within a stage.
// Created by the orchestrator, mutated by the executor and janitor.
type Task struct {
	TaskID      string                 `json:"task_id" badgerhold:"key"`
	ParentJobID string                 `json:"parent_job_id" badgerhold:"index"`
	JobType     string                 `json:"job_type"`
	TaskType    string                 `json:"task_type"`
	Stage       int                    `json:"stage"`
	TaskIndex   string                 `json:"task_index"`
	Parameters  map[string]interface{} `json:"parameters"`
	Status      TaskStatus             `json:"status" badgerhold:"index"`

	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorDetails *ErrorDetails          `json:"error_details,omitempty"`

	RetryCount int        `json:"retry_count"`
	Heartbeat  *time.Time `json:"heartbeat,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask constructs a task record in its initial state. Tasks are built only
// through this factory so the ID derivation, timestamps and initial status
// cannot be skipped.
func NewTask(parentJobID, jobType, taskType string, stage int, index string, parameters map[string]interface{}) (*Task, error) {
	taskID, err := BuildTaskID(parentJobID, stage, index)
	if err != nil {
		return nil, err
	}
	if parameters == nil {
		parameters = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Task{
		TaskID:      taskID,
		ParentJobID: parentJobID,
		JobType:     jobType,
		TaskType:    taskType,
		Stage:       stage,
		TaskIndex:   index,
		Parameters:  parameters,
		Status:      TaskStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Touch updates the record's modification timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// StampHeartbeat records a liveness heartbeat.
func (t *Task) StampHeartbeat() {
	now := time.Now().UTC()
	t.Heartbeat = &now
}

// Validate checks the record's internal contract.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.ParentJobID == "" {
		return fmt.Errorf("parent job ID is required")
	}
	if len(t.ParentJobID) < 8 || t.TaskID[:8] != t.ParentJobID[:8] {
		return fmt.Errorf("task ID %q does not begin with parent job prefix", t.TaskID)
	}
	if t.TaskType == "" {
		return fmt.Errorf("task type is required")
	}
	if t.Stage < 1 {
		return fmt.Errorf("task stage must be 1-based")
	}
	return ValidateTaskIndex(t.TaskIndex)
}
