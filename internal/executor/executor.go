// -----------------------------------------------------------------------
// Task executor - runs one task per message, at-least-once safe
// -----------------------------------------------------------------------

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/retry"
)

// defaultHeartbeatInterval bounds how stale a running task's lease can get.
const defaultHeartbeatInterval = 10 * time.Second

// Executor consumes TaskMessages, invokes the registered handler and records
// the outcome. Duplicate deliveries collapse at step one: any task not in
// queued status is acked without side effects.
type Executor struct {
	store             interfaces.StateStore
	tasksQueue        interfaces.Queue
	tasks             interfaces.TaskRegistry
	workflows         interfaces.WorkflowRegistry
	policy            *retry.Policy
	completer         *Completer
	events            interfaces.EventService
	services          map[string]interface{}
	heartbeatInterval time.Duration
	logger            arbor.ILogger
}

// NewExecutor creates the task executor. services is the adapter bag injected
// into handler contexts; heartbeatInterval is how often a running task's
// lease is re-stamped (it must stay well under the janitor's lease grace).
func NewExecutor(store interfaces.StateStore, tasksQueue interfaces.Queue,
	tasks interfaces.TaskRegistry, workflows interfaces.WorkflowRegistry,
	policy *retry.Policy, completer *Completer, events interfaces.EventService,
	services map[string]interface{}, heartbeatInterval time.Duration, logger arbor.ILogger) *Executor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Executor{
		store:             store,
		tasksQueue:        tasksQueue,
		tasks:             tasks,
		workflows:         workflows,
		policy:            policy,
		completer:         completer,
		events:            events,
		services:          services,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Process handles one task message payload. A nil return acks the message;
// a non-nil error leaves it for redelivery.
func (e *Executor) Process(ctx context.Context, body []byte) error {
	msg, err := models.TaskMessageFromJSON(body)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Dropping malformed task message")
		return nil
	}

	log := e.logger.WithCorrelationId(msg.CorrelationID)

	task, err := e.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			log.Warn().Str("task_id", msg.TaskID).Msg("Dropping task message for unknown task")
			return nil
		}
		return err
	}

	// Duplicate delivery check: only queued tasks are runnable. A completed,
	// failed, processing or retrying task means another delivery owns it.
	if task.Status != models.TaskStatusQueued {
		log.Debug().Str("task_id", task.TaskID).Str("status", string(task.Status)).
			Msg("Dropping duplicate task delivery")
		return nil
	}

	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusProcessing,
		&interfaces.TaskPatch{StampHeartbeat: true}); err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) {
			// Lost the pickup race to a concurrent delivery.
			return nil
		}
		return err
	}
	e.publishTaskUpdate(ctx, task, models.TaskStatusProcessing)

	handler, ok := e.tasks.Handler(task.TaskType)
	if !ok {
		details := models.NewErrorDetails(models.ErrorCategoryContract,
			fmt.Sprintf("no handler registered for task type %s", task.TaskType))
		details.TaskID = task.TaskID
		details.Stage = task.Stage
		return e.completeTask(ctx, task, msg, nil, details, log)
	}

	hctx := &interfaces.HandlerContext{
		JobID:         task.ParentJobID,
		TaskID:        task.TaskID,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		CorrelationID: msg.CorrelationID,
		Attempt:       task.RetryCount + 1,
		Logger:        log,
		Services:      e.services,
	}

	stopHeartbeat := e.startHeartbeat(ctx, task.TaskID)
	outcome := e.invokeHandler(ctx, handler, task, hctx)
	stopHeartbeat()

	if outcome.Success {
		return e.completeTask(ctx, task, msg, outcome.ResultData, nil, log)
	}

	details := outcome.ErrorDetails
	if details == nil {
		details = models.NewErrorDetails(models.ErrorCategoryUnclassified, "handler reported failure without details")
	}
	if details.Category == "" {
		details.Category = outcome.ErrorCategory
	}
	if details.Category == "" {
		details.Category = models.ErrorCategoryUnclassified
	}
	details.TaskID = task.TaskID
	details.Stage = task.Stage

	decision := e.policy.Decide(details.Category, task.RetryCount)
	if decision.Retry {
		return e.retryTask(ctx, task, msg, details, decision, log)
	}
	return e.completeTask(ctx, task, msg, nil, details, log)
}

// startHeartbeat re-stamps the task's lease while its handler runs, so the
// janitor does not requeue a long-running task out from under a live worker.
// The returned stop function waits for the loop to exit.
func (e *Executor) startHeartbeat(ctx context.Context, taskID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.store.TouchTaskHeartbeat(hbCtx, taskID); err != nil {
					e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Heartbeat stamp failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// invokeHandler runs the handler and converts a panic into a failed outcome
// so one bad handler cannot take the worker down.
func (e *Executor) invokeHandler(ctx context.Context, handler interfaces.TaskHandler,
	task *models.Task, hctx *interfaces.HandlerContext) (outcome *interfaces.TaskOutcome) {

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("task_id", task.TaskID).
				Str("panic", fmt.Sprintf("%v", r)).Msg("Task handler panicked")
			outcome = &interfaces.TaskOutcome{
				Success: false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryUnclassified,
					fmt.Sprintf("handler panicked: %v", r)),
			}
		}
	}()

	outcome = handler(ctx, task.Parameters, hctx)
	if outcome == nil {
		outcome = &interfaces.TaskOutcome{
			Success: false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract,
				"handler returned nil outcome"),
		}
	}
	return outcome
}

// retryTask schedules another attempt: the task passes through retrying back
// to queued, and a fresh delayed message carries the bumped retry count.
func (e *Executor) retryTask(ctx context.Context, task *models.Task, msg *models.TaskMessage,
	details *models.ErrorDetails, decision retry.Decision, log arbor.ILogger) error {

	nextCount := task.RetryCount + 1
	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusRetrying,
		&interfaces.TaskPatch{ErrorDetails: details, RetryCount: &nextCount}); err != nil {
		return err
	}

	retryMsg := &models.TaskMessage{
		TaskID:        task.TaskID,
		ParentJobID:   task.ParentJobID,
		JobType:       task.JobType,
		TaskType:      task.TaskType,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		Parameters:    task.Parameters,
		RetryCount:    nextCount,
		CorrelationID: msg.CorrelationID,
	}
	payload, err := retryMsg.ToJSON()
	if err != nil {
		return err
	}
	if err := e.tasksQueue.EnqueueDelayed(ctx, payload, decision.Delay); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}

	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusQueued, nil); err != nil {
		return err
	}

	log.Info().
		Str("task_id", task.TaskID).
		Int("retry_count", nextCount).
		Str("delay", decision.Delay.String()).
		Str("category", string(details.Category)).
		Msg("Task scheduled for retry")

	e.publishTaskUpdate(ctx, task, models.TaskStatusQueued)
	return nil
}

// completeTask records the terminal outcome and closes the stage when this
// was the last open task. A strict-policy workflow fails the whole job on the
// first permanent task failure.
func (e *Executor) completeTask(ctx context.Context, task *models.Task, msg *models.TaskMessage,
	resultData map[string]interface{}, details *models.ErrorDetails, log arbor.ILogger) error {

	result, err := e.store.CompleteTaskAndCheckStage(ctx, task.TaskID, task.ParentJobID, task.Stage, resultData, details)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if !result.TaskUpdated {
		// Another delivery already finished this task.
		return nil
	}

	status := models.TaskStatusCompleted
	if details != nil {
		status = models.TaskStatusFailed
		log.Warn().
			Str("task_id", task.TaskID).
			Str("category", string(details.Category)).
			Str("error", details.Message).
			Msg("Task failed permanently")
	} else {
		log.Info().Str("task_id", task.TaskID).Msg("Task completed")
	}
	e.publishTaskUpdate(ctx, task, status)

	if details != nil {
		if spec, ok := e.workflows.Get(task.JobType); ok && spec.StrictFailurePolicy() {
			return e.failJobStrict(ctx, task, details, log)
		}
	}

	if !result.IsLastTaskInStage {
		return nil
	}
	return e.completer.CloseStage(ctx, task.ParentJobID, task.Stage, msg.CorrelationID)
}

// failJobStrict fails the job immediately, recording a partial stage result
// built from the stage's terminal tasks so far.
func (e *Executor) failJobStrict(ctx context.Context, task *models.Task,
	details *models.ErrorDetails, log arbor.ILogger) error {

	var partial *models.StageResult
	tasks, err := e.store.ListTasksForJob(ctx, task.ParentJobID, &interfaces.TaskFilter{Stage: task.Stage})
	if err == nil {
		terminal := make([]*models.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				terminal = append(terminal, t)
			}
		}
		if len(terminal) > 0 {
			partial, _ = models.BuildStageResult(task.Stage, terminal)
		}
	}

	jobDetails := models.NewErrorDetails(details.Category,
		fmt.Sprintf("task %s failed under strict policy: %s", task.TaskID, details.Message))
	jobDetails.TaskID = task.TaskID
	jobDetails.Stage = task.Stage

	if err := e.store.RecordJobFailure(ctx, task.ParentJobID, jobDetails, partial); err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	log.Warn().Str("job_id", task.ParentJobID).Str("task_id", task.TaskID).
		Msg("Strict failure policy failed job")
	return nil
}

func (e *Executor) publishTaskUpdate(ctx context.Context, task *models.Task, status models.TaskStatus) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventTaskUpdate,
		Level: "info",
		Payload: map[string]interface{}{
			"task_id": task.TaskID,
			"job_id":  task.ParentJobID,
			"stage":   task.Stage,
			"status":  string(status),
		},
	})
}
