// -----------------------------------------------------------------------
// Workflow and task registries - populated at process start, immutable after
// -----------------------------------------------------------------------

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

// WorkflowRegistry maps job_type to its workflow spec. Registration happens
// via explicit Register calls at process init; the table is read-only during
// steady-state execution, so lookups take no lock beyond the RWMutex that
// guards the init window.
type WorkflowRegistry struct {
	mu     sync.RWMutex
	specs  map[string]interfaces.WorkflowSpec
	tasks  *TaskRegistry
	logger arbor.ILogger
}

// NewWorkflowRegistry creates an empty workflow registry bound to the task
// registry it validates handler references against.
func NewWorkflowRegistry(tasks *TaskRegistry, logger arbor.ILogger) *WorkflowRegistry {
	return &WorkflowRegistry{
		specs:  make(map[string]interfaces.WorkflowSpec),
		tasks:  tasks,
		logger: logger,
	}
}

// Register adds a workflow spec. Registration is rejected when the job type
// is already present, the stage list is empty or misnumbered, or a stage
// references a task type with no registered handler.
func (r *WorkflowRegistry) Register(spec interfaces.WorkflowSpec) error {
	if spec == nil {
		return fmt.Errorf("workflow spec cannot be nil")
	}
	jobType := spec.JobType()
	if jobType == "" {
		return fmt.Errorf("workflow spec has empty job type")
	}

	stages := spec.Stages()
	if len(stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", jobType)
	}
	for i, stage := range stages {
		if stage.Number != i+1 {
			return fmt.Errorf("workflow %s stage %d is numbered %d; stages must be 1-based and contiguous",
				jobType, i+1, stage.Number)
		}
		if stage.TaskType == "" {
			return fmt.Errorf("workflow %s stage %d has no task type", jobType, stage.Number)
		}
		if _, ok := r.tasks.Handler(stage.TaskType); !ok {
			return fmt.Errorf("workflow %s stage %d references unregistered task type %q",
				jobType, stage.Number, stage.TaskType)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[jobType]; exists {
		return fmt.Errorf("workflow %s is already registered", jobType)
	}
	r.specs[jobType] = spec

	r.logger.Debug().
		Str("job_type", jobType).
		Int("stages", len(stages)).
		Msg("Registered workflow")

	return nil
}

// Get returns the workflow spec for a job type.
func (r *WorkflowRegistry) Get(jobType string) (interfaces.WorkflowSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[jobType]
	return spec, ok
}

// JobTypes returns the registered job types, sorted.
func (r *WorkflowRegistry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.specs))
	for jobType := range r.specs {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// TaskRegistry maps task_type to handler.
type TaskRegistry struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.TaskHandler
	logger   arbor.ILogger
}

// NewTaskRegistry creates an empty task registry.
func NewTaskRegistry(logger arbor.ILogger) *TaskRegistry {
	return &TaskRegistry{
		handlers: make(map[string]interfaces.TaskHandler),
		logger:   logger,
	}
}

// RegisterHandler adds a task handler. Duplicate task types are rejected.
func (r *TaskRegistry) RegisterHandler(taskType string, handler interfaces.TaskHandler) error {
	if taskType == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("task type %s is already registered", taskType)
	}
	r.handlers[taskType] = handler

	r.logger.Debug().Str("task_type", taskType).Msg("Registered task handler")
	return nil
}

// Handler returns the handler for a task type.
func (r *TaskRegistry) Handler(taskType string) (interfaces.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	return handler, ok
}
