// -----------------------------------------------------------------------
// Job orchestrator - expands one stage of a job into durable tasks
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// Orchestrator consumes JobMessages and expands each into the stage's task
// batch. Processing is three-phase so a generation failure can never strand a
// job in processing: validate and load, generate tasks, then create the batch
// before flipping the job to processing and enqueueing task messages.
type Orchestrator struct {
	store      interfaces.StateStore
	tasksQueue interfaces.Queue
	workflows  interfaces.WorkflowRegistry
	events     interfaces.EventService
	logger     arbor.ILogger
}

// NewOrchestrator creates the job orchestrator.
func NewOrchestrator(store interfaces.StateStore, tasksQueue interfaces.Queue,
	workflows interfaces.WorkflowRegistry, events interfaces.EventService, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		tasksQueue: tasksQueue,
		workflows:  workflows,
		events:     events,
		logger:     logger,
	}
}

// Process handles one job message payload. A nil return means the message is
// done and must be acked; contract violations and stale duplicates are logged
// and swallowed so they are acked rather than poisoning the queue. A non-nil
// error leaves the message unacked for redelivery.
func (o *Orchestrator) Process(ctx context.Context, body []byte) error {
	// Phase 1: validate and load.
	msg, err := models.JobMessageFromJSON(body)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Dropping malformed job message")
		return nil
	}

	log := o.logger.WithCorrelationId(msg.CorrelationID)

	job, err := o.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			log.Warn().Str("job_id", msg.JobID).Msg("Dropping job message for unknown job")
			return nil
		}
		return err
	}

	if job.Status.IsTerminal() {
		log.Debug().Str("job_id", msg.JobID).Str("status", string(job.Status)).
			Msg("Dropping job message for terminal job")
		return nil
	}
	if job.Stage != msg.Stage {
		// Stale duplicate: the stage already advanced past this message.
		log.Debug().Str("job_id", msg.JobID).Int("message_stage", msg.Stage).
			Int("job_stage", job.Stage).Msg("Dropping stale job message")
		return nil
	}

	spec, ok := o.workflows.Get(job.JobType)
	if !ok {
		return o.failJob(ctx, job, models.NewErrorDetails(models.ErrorCategoryContract,
			fmt.Sprintf("no workflow registered for job type %s", job.JobType)), nil)
	}

	// Phase 2: task generation.
	var prev *models.StageResult
	if msg.Stage > 1 {
		prev = job.StageResult(msg.Stage - 1)
	}

	defs, err := spec.CreateTasksForStage(ctx, msg.Stage, job.Parameters, job.JobID, prev)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.JobID).Int("stage", msg.Stage).
			Msg("Task generation failed, failing job")
		details := models.NewErrorDetails(models.ErrorCategoryBusiness,
			fmt.Sprintf("task generation for stage %d failed: %v", msg.Stage, err))
		details.Stage = msg.Stage
		return o.failJob(ctx, job, details, nil)
	}
	if len(defs) == 0 {
		details := models.NewErrorDetails(models.ErrorCategoryBusiness,
			fmt.Sprintf("task generation for stage %d produced no tasks", msg.Stage))
		details.Stage = msg.Stage
		return o.failJob(ctx, job, details, nil)
	}

	stageType := spec.Stages()[msg.Stage-1].TaskType

	tasks := make([]*models.Task, 0, len(defs))
	for _, def := range defs {
		taskType := def.TaskType
		if taskType == "" {
			taskType = stageType
		}
		task, err := models.NewTask(job.JobID, job.JobType, taskType, msg.Stage, def.Index, def.Parameters)
		if err != nil {
			details := models.NewErrorDetails(models.ErrorCategoryContract,
				fmt.Sprintf("invalid task definition for stage %d: %v", msg.Stage, err))
			details.Stage = msg.Stage
			return o.failJob(ctx, job, details, nil)
		}
		tasks = append(tasks, task)
	}

	// Phase 3: durable batch first, processing flip second, enqueue last.
	if err := o.store.CreateTaskBatch(ctx, job.JobID, tasks); err != nil {
		if errors.Is(err, interfaces.ErrContractViolation) {
			// Redelivered message whose batch already landed: the executor and
			// janitor own the tasks now.
			log.Debug().Err(err).Str("job_id", job.JobID).
				Msg("Task batch already exists, dropping duplicate job message")
			return nil
		}
		return fmt.Errorf("failed to create task batch: %w", err)
	}

	if job.Status == models.JobStatusQueued {
		if err := o.store.UpdateJobStatus(ctx, job.JobID, models.JobStatusProcessing, nil); err != nil {
			return fmt.Errorf("failed to mark job processing: %w", err)
		}
		o.publishJobUpdate(ctx, job.JobID, models.JobStatusProcessing, msg.Stage)
	}

	enqueued := 0
	for _, task := range tasks {
		tm := &models.TaskMessage{
			TaskID:        task.TaskID,
			ParentJobID:   job.JobID,
			JobType:       job.JobType,
			TaskType:      task.TaskType,
			Stage:         task.Stage,
			TaskIndex:     task.TaskIndex,
			Parameters:    task.Parameters,
			RetryCount:    0,
			CorrelationID: msg.CorrelationID,
		}
		payload, err := tm.ToJSON()
		if err != nil {
			return err
		}
		if err := o.tasksQueue.Enqueue(ctx, payload); err != nil {
			// Tasks are durable; the janitor re-enqueues queued tasks whose
			// messages never made it out.
			log.Warn().Err(err).Str("task_id", task.TaskID).
				Int("enqueued", enqueued).Int("total", len(tasks)).
				Msg("Task enqueue failed mid-stream, janitor will recover")
			return nil
		}
		enqueued++
	}

	log.Info().
		Str("job_id", job.JobID).
		Int("stage", msg.Stage).
		Int("task_count", len(tasks)).
		Msg("Stage expanded into tasks")

	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, details *models.ErrorDetails, partial *models.StageResult) error {
	if err := o.store.RecordJobFailure(ctx, job.JobID, details, partial); err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) {
			// Already terminal; nothing left to record.
			return nil
		}
		return err
	}
	o.publishJobUpdate(ctx, job.JobID, models.JobStatusFailed, job.Stage)
	return nil
}

func (o *Orchestrator) publishJobUpdate(ctx context.Context, jobID string, status models.JobStatus, stage int) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventJobUpdate,
		Level: "info",
		Payload: map[string]interface{}{
			"job_id": jobID,
			"status": string(status),
			"stage":  stage,
		},
	})
}
