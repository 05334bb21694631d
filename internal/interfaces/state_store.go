// -----------------------------------------------------------------------
// StateStore - durable record of jobs, tasks and stage results
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/strata/internal/models"
)

// CreateJobResult reports whether a job row was inserted or already existed.
type CreateJobResult struct {
	Created        bool
	ExistingStatus models.JobStatus
}

// CompleteTaskResult is the typed return of CompleteTaskAndCheckStage.
// Exactly one concurrent completer of a stage observes IsLastTaskInStage.
type CompleteTaskResult struct {
	TaskUpdated       bool
	IsLastTaskInStage bool
	RemainingTasks    int
}

// AdvanceStageResult is the typed return of AdvanceJobStage.
type AdvanceStageResult struct {
	NewStage     int
	IsFinalStage bool
}

// TaskFilter narrows ListTasksForJob. Zero values mean "no filter".
type TaskFilter struct {
	Stage  int
	Status models.TaskStatus
}

// JobPatch carries optional job fields applied together with a status update.
type JobPatch struct {
	Metadata     map[string]interface{}
	ResultData   map[string]interface{}
	ErrorDetails *models.ErrorDetails
}

// TaskPatch carries optional task fields applied together with a status update.
type TaskPatch struct {
	ResultData     map[string]interface{}
	ErrorDetails   *models.ErrorDetails
	RetryCount     *int
	StampHeartbeat bool
}

// StateStore is the single durable boundary of the engine. It owns all
// persistent job/task state; components hold only transient copies returned
// across this contract, always as typed values.
//
// CompleteTaskAndCheckStage and AdvanceJobStage are the only primitives that
// let distributed executors decide "am I the last task?" without races:
// implementations must serialise concurrent callers for the same
// (job_id, stage) pair and lock the job row while merging stage results.
type StateStore interface {
	// CreateJob inserts the job record, or is a no-op if the job ID exists.
	CreateJob(ctx context.Context, job *models.Job) (*CreateJobResult, error)

	// GetJob returns the full job record, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// GetTask returns the full task record, or ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// ListTasksForJob returns the job's tasks ordered by creation.
	ListTasksForJob(ctx context.Context, jobID string, filter *TaskFilter) ([]*models.Task, error)

	// UpdateJobStatus applies a validated status transition with an optional
	// patch. Returns ErrInvalidTransition on a disallowed edge.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, patch *JobPatch) error

	// UpdateTaskStatus applies a validated status transition with an optional
	// patch. Returns ErrInvalidTransition on a disallowed edge.
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, patch *TaskPatch) error

	// CreateTaskBatch inserts all tasks or none. Each task ID must begin with
	// the parent job prefix or ErrContractViolation is returned.
	CreateTaskBatch(ctx context.Context, jobID string, tasks []*models.Task) error

	// CompleteTaskAndCheckStage atomically transitions the task to completed
	// or failed and, under the (job_id, stage) lock, counts the remaining
	// non-terminal tasks of the stage.
	CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int,
		resultData map[string]interface{}, errDetails *models.ErrorDetails) (*CompleteTaskResult, error)

	// AdvanceJobStage increments the job's stage conditional on currentStage
	// matching, and appends the stage result under str(currentStage).
	// Returns ErrStaleStage when another worker already advanced the job or
	// the job is terminal.
	AdvanceJobStage(ctx context.Context, jobID string, currentStage int, result *models.StageResult) (*AdvanceStageResult, error)

	// RecordJobCompletion transitions the job to completed or
	// completed_with_errors and sets the final result data.
	RecordJobCompletion(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]interface{}) error

	// RecordJobFailure transitions the job to failed. A partial stage result,
	// when supplied, is appended under its stage key without advancing.
	RecordJobFailure(ctx context.Context, jobID string, errDetails *models.ErrorDetails, partial *models.StageResult) error

	// ListJobsByStatus returns jobs in the given status (janitor sweeps).
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// ListTasksByStatus returns tasks in the given status (janitor sweeps).
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)

	// DeleteTask removes a task record (orphan cleanup only).
	DeleteTask(ctx context.Context, taskID string) error

	// TouchTaskHeartbeat stamps the task's heartbeat without a transition.
	TouchTaskHeartbeat(ctx context.Context, taskID string) error

	// Close releases the underlying backend.
	Close() error
}
