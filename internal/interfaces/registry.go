// -----------------------------------------------------------------------
// Workflow and task registry contracts
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/models"
)

// Parallelism describes how a stage fans out.
type Parallelism string

const (
	ParallelismSingle Parallelism = "single"
	ParallelismFanOut Parallelism = "fan_out"
)

// StageDescriptor describes one ordered stage of a workflow.
type StageDescriptor struct {
	Number      int
	TaskType    string
	Parallelism Parallelism
}

// TaskDefinition is what a workflow's task generator emits for one task.
// Index is the semantic index embedded in the task ID (URL-safe, e.g.
// "tile-x5-y10"); TaskType defaults to the stage descriptor's task type.
type TaskDefinition struct {
	Index      string
	TaskType   string
	Parameters map[string]interface{}
}

// TaskOutcome is the business-logic boundary result returned by handlers.
// Handlers classify their own failures; unclassified failures are retried
// once and then treated as permanent.
type TaskOutcome struct {
	Success       bool
	ResultData    map[string]interface{}
	ErrorDetails  *models.ErrorDetails
	ErrorCategory models.ErrorCategory
}

// HandlerContext carries read-only identity and injected collaborators into
// a task handler. Handlers must not mutate engine state directly.
type HandlerContext struct {
	JobID         string
	TaskID        string
	Stage         int
	TaskIndex     string
	CorrelationID string
	Attempt       int
	Logger        arbor.ILogger

	// Services is the dependency-injected adapter bag for external systems
	// (blob store, catalog, database). Keys are adapter names.
	Services map[string]interface{}
}

// TaskHandler executes one task. It must be idempotent under redelivery.
type TaskHandler func(ctx context.Context, params map[string]interface{}, hctx *HandlerContext) *TaskOutcome

// WorkflowSpec maps a job type to its stage list, parameter schema, task
// generator and finaliser. Implementations are immutable after registration.
type WorkflowSpec interface {
	// JobType is the registry key.
	JobType() string

	// Stages returns the ordered stage descriptors. Never empty.
	Stages() []StageDescriptor

	// ValidateParameters validates and normalises submission parameters.
	ValidateParameters(params map[string]interface{}) (map[string]interface{}, error)

	// CreateTasksForStage generates the tasks of one stage. prev is the
	// previous stage's result (nil for stage 1); a generator receiving a
	// partial result decides itself whether it can proceed, and returns an
	// error to fail the job when it cannot.
	CreateTasksForStage(ctx context.Context, stage int, jobParams map[string]interface{},
		jobID string, prev *models.StageResult) ([]TaskDefinition, error)

	// FinalizeJob builds the job's final result from all stage results.
	FinalizeJob(ctx context.Context, jobParams map[string]interface{},
		stageResults map[string]*models.StageResult) (map[string]interface{}, error)

	// StrictFailurePolicy reports whether a permanent task failure fails the
	// whole job immediately instead of letting the stage close with errors.
	StrictFailurePolicy() bool
}

// WorkflowRegistry is the process-wide immutable job_type table, populated
// by explicit Register calls at process start and read-only thereafter.
type WorkflowRegistry interface {
	Register(spec WorkflowSpec) error
	Get(jobType string) (WorkflowSpec, bool)
	JobTypes() []string
}

// TaskRegistry maps task_type to handler.
type TaskRegistry interface {
	RegisterHandler(taskType string, handler TaskHandler) error
	Handler(taskType string) (TaskHandler, bool)
}
