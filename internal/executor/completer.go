// -----------------------------------------------------------------------
// Stage completer - closes a stage once its last task reaches a terminal
// status, advancing the job or finalising it
// -----------------------------------------------------------------------

package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// Completer owns the close-out of a finished stage: aggregate the stage's
// task outcomes, advance the job or finalise it, and enqueue the next stage's
// job message. The executor calls it on the last-task path and the janitor
// calls it when lease recovery terminates a stage's final task.
type Completer struct {
	store     interfaces.StateStore
	jobsQueue interfaces.Queue
	workflows interfaces.WorkflowRegistry
	events    interfaces.EventService
	logger    arbor.ILogger
}

// NewCompleter creates a stage completer.
func NewCompleter(store interfaces.StateStore, jobsQueue interfaces.Queue,
	workflows interfaces.WorkflowRegistry, events interfaces.EventService, logger arbor.ILogger) *Completer {
	return &Completer{
		store:     store,
		jobsQueue: jobsQueue,
		workflows: workflows,
		events:    events,
		logger:    logger,
	}
}

// CloseStage aggregates the given stage and moves the job forward. Callers
// invoke it only after observing IsLastTaskInStage; racing callers are
// resolved by the conditional stage advance, with losers returning nil.
func (c *Completer) CloseStage(ctx context.Context, jobID string, stage int, correlationID string) error {
	log := c.logger.WithCorrelationId(correlationID)

	tasks, err := c.store.ListTasksForJob(ctx, jobID, &interfaces.TaskFilter{Stage: stage})
	if err != nil {
		return fmt.Errorf("failed to load stage tasks: %w", err)
	}

	stageResult, err := models.BuildStageResult(stage, tasks)
	if err != nil {
		return fmt.Errorf("failed to aggregate stage %d: %w", stage, err)
	}

	// A stage where every task failed fails the job; its result is recorded
	// under the stage key without advancing, so stage_results stays a prefix.
	if stageResult.Status == models.StageStatusFailed {
		details := models.NewErrorDetails(models.ErrorCategoryBusiness,
			fmt.Sprintf("all %d tasks of stage %d failed", stageResult.TaskCount, stage))
		details.Stage = stage
		if err := c.store.RecordJobFailure(ctx, jobID, details, stageResult); err != nil {
			if errors.Is(err, interfaces.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		log.Warn().Str("job_id", jobID).Int("stage", stage).Msg("Stage failed, job failed")
		c.publishJobUpdate(ctx, jobID, models.JobStatusFailed, stage)
		return nil
	}

	advance, err := c.store.AdvanceJobStage(ctx, jobID, stage, stageResult)
	if err != nil {
		if errors.Is(err, interfaces.ErrStaleStage) {
			// Another worker won the advance race; its close-out stands.
			log.Debug().Str("job_id", jobID).Int("stage", stage).Msg("Stage advance lost race, dropping")
			return nil
		}
		return fmt.Errorf("failed to advance job stage: %w", err)
	}

	c.publishStageAdvanced(ctx, jobID, stage, advance.NewStage)

	if !advance.IsFinalStage {
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		msg := &models.JobMessage{
			JobID:         jobID,
			JobType:       job.JobType,
			Stage:         advance.NewStage,
			Parameters:    job.Parameters,
			CorrelationID: correlationID,
		}
		payload, err := msg.ToJSON()
		if err != nil {
			return err
		}
		if err := c.jobsQueue.Enqueue(ctx, payload); err != nil {
			return fmt.Errorf("failed to enqueue next stage: %w", err)
		}
		log.Info().Str("job_id", jobID).Int("completed_stage", stage).
			Int("next_stage", advance.NewStage).Msg("Stage closed, next stage enqueued")
		return nil
	}

	return c.finalize(ctx, jobID, correlationID)
}

// finalize builds the job's final result from all stage results and records
// the terminal status.
func (c *Completer) finalize(ctx context.Context, jobID, correlationID string) error {
	log := c.logger.WithCorrelationId(correlationID)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	spec, ok := c.workflows.Get(job.JobType)
	if !ok {
		details := models.NewErrorDetails(models.ErrorCategoryContract,
			fmt.Sprintf("no workflow registered for job type %s", job.JobType))
		return c.store.RecordJobFailure(ctx, jobID, details, nil)
	}

	resultData, err := spec.FinalizeJob(ctx, job.Parameters, job.StageResults)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Job finalisation failed")
		details := models.NewErrorDetails(models.ErrorCategoryBusiness,
			fmt.Sprintf("job finalisation failed: %v", err))
		if recordErr := c.store.RecordJobFailure(ctx, jobID, details, nil); recordErr != nil {
			if errors.Is(recordErr, interfaces.ErrInvalidTransition) {
				return nil
			}
			return recordErr
		}
		c.publishJobUpdate(ctx, jobID, models.JobStatusFailed, job.Stage)
		return nil
	}
	if resultData == nil {
		resultData = make(map[string]interface{})
	}

	status := models.JobStatusCompleted
	for _, sr := range job.StageResults {
		if sr.FailedTasks > 0 {
			status = models.JobStatusCompletedWithErrors
			break
		}
	}

	if err := c.store.RecordJobCompletion(ctx, jobID, status, resultData); err != nil {
		if errors.Is(err, interfaces.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to record job completion: %w", err)
	}

	log.Info().Str("job_id", jobID).Str("status", string(status)).Msg("Job completed")
	c.publishJobUpdate(ctx, jobID, status, job.Stage)
	return nil
}

func (c *Completer) publishJobUpdate(ctx context.Context, jobID string, status models.JobStatus, stage int) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventJobUpdate,
		Level: "info",
		Payload: map[string]interface{}{
			"job_id": jobID,
			"status": string(status),
			"stage":  stage,
		},
	})
}

func (c *Completer) publishStageAdvanced(ctx context.Context, jobID string, completedStage, newStage int) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventStageAdvanced,
		Level: "info",
		Payload: map[string]interface{}{
			"job_id":          jobID,
			"completed_stage": completedStage,
			"new_stage":       newStage,
		},
	})
}
