// -----------------------------------------------------------------------
// Janitor - periodic recovery sweeps over leases, stuck jobs, orphans and
// dead letters
// -----------------------------------------------------------------------

package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/executor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/retry"
)

// Options configures the sweep cadence and thresholds.
type Options struct {
	Interval          time.Duration
	LeaseGrace        time.Duration
	StuckJobThreshold time.Duration
}

// Janitor periodically repairs the engine's invariants: it recovers tasks
// whose workers died mid-lease, fails jobs stuck with no live work, deletes
// orphan tasks and reconciles dead-lettered messages. Every sweep is a no-op
// on a healthy store, so re-running it is always safe.
type Janitor struct {
	store      interfaces.StateStore
	jobsQueue  interfaces.Queue
	tasksQueue interfaces.Queue
	completer  *executor.Completer
	policy     *retry.Policy
	opts       Options
	cron       *cron.Cron
	logger     arbor.ILogger
}

// NewJanitor creates the janitor, applying defaults for zero options.
func NewJanitor(store interfaces.StateStore, jobsQueue, tasksQueue interfaces.Queue,
	completer *executor.Completer, policy *retry.Policy, opts Options, logger arbor.ILogger) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = 30 * time.Second
	}
	if opts.StuckJobThreshold <= 0 {
		opts.StuckJobThreshold = 10 * time.Minute
	}
	return &Janitor{
		store:      store,
		jobsQueue:  jobsQueue,
		tasksQueue: tasksQueue,
		completer:  completer,
		policy:     policy,
		opts:       opts,
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start schedules the sweep on its interval.
func (j *Janitor) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", j.opts.Interval)
	if _, err := j.cron.AddFunc(spec, func() {
		j.RunSweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule janitor sweep: %w", err)
	}
	j.cron.Start()

	j.logger.Info().
		Str("interval", j.opts.Interval.String()).
		Str("lease_grace", j.opts.LeaseGrace.String()).
		Msg("Janitor started")
	return nil
}

// Stop halts the sweep schedule, waiting for a running sweep to finish.
func (j *Janitor) Stop() {
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.logger.Info().Msg("Janitor stopped")
}

// RunSweep executes one full pass of all sweeps.
func (j *Janitor) RunSweep(ctx context.Context) {
	j.sweepExpiredLeases(ctx)
	j.sweepStalledTasks(ctx)
	j.sweepStalledQueuedJobs(ctx)
	j.sweepStuckJobs(ctx)
	j.sweepOrphanTasks(ctx)
	j.sweepDeadLetters(ctx)
}

// sweepStalledQueuedJobs re-enqueues queued jobs whose orchestration message
// was lost, typically when the gateway crashed between the record insert and
// the stage-1 enqueue. Re-enqueueing an already-delivered stage is harmless:
// the orchestrator drops stale and duplicate stage messages.
func (j *Janitor) sweepStalledQueuedJobs(ctx context.Context) {
	jobs, err := j.store.ListJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Stalled-job sweep failed to list queued jobs")
		return
	}

	deadline := time.Now().UTC().Add(-j.opts.StuckJobThreshold)
	for _, job := range jobs {
		if job.UpdatedAt.After(deadline) {
			continue
		}

		msg := &models.JobMessage{
			JobID:         job.JobID,
			JobType:       job.JobType,
			Stage:         job.Stage,
			Parameters:    job.Parameters,
			CorrelationID: job.JobID,
		}
		payload, err := msg.ToJSON()
		if err != nil {
			continue
		}
		if err := j.jobsQueue.Enqueue(ctx, payload); err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Stalled job re-enqueue failed")
			continue
		}
		j.logger.Info().
			Str("job_id", job.JobID).
			Int("stage", job.Stage).
			Msg("Re-enqueued stalled queued job")
	}
}

// sweepExpiredLeases recovers processing tasks whose heartbeat lapsed: the
// worker is presumed dead, so the task goes back to queued and is
// re-enqueued, or fails once its retry budget is spent.
func (j *Janitor) sweepExpiredLeases(ctx context.Context) {
	tasks, err := j.store.ListTasksByStatus(ctx, models.TaskStatusProcessing)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Lease sweep failed to list processing tasks")
		return
	}

	deadline := time.Now().UTC().Add(-j.opts.LeaseGrace)
	for _, task := range tasks {
		last := task.UpdatedAt
		if task.Heartbeat != nil {
			last = *task.Heartbeat
		}
		if last.After(deadline) {
			continue
		}

		if task.RetryCount >= j.policy.MaxAttempts {
			details := models.NewErrorDetails(models.ErrorCategoryTransient,
				fmt.Sprintf("worker lease expired after %d retries", task.RetryCount))
			details.Reason = "lease_expired"
			details.TaskID = task.TaskID
			details.Stage = task.Stage
			j.failTask(ctx, task, details)
			continue
		}

		if err := j.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusQueued, nil); err != nil {
			j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Lease recovery transition failed")
			continue
		}

		if err := j.enqueueTaskMessage(ctx, task); err != nil {
			j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Lease recovery re-enqueue failed")
			continue
		}

		j.logger.Info().
			Str("task_id", task.TaskID).
			Str("last_heartbeat", last.Format(time.RFC3339)).
			Msg("Recovered task with expired lease")
	}
}

// sweepStalledTasks re-enqueues queued or retrying tasks whose message was
// lost: a mid-batch enqueue failure leaves queued tasks with no message in
// flight, and a failed retry enqueue parks the task in retrying. Duplicate
// deliveries are harmless because the executor runs only queued tasks.
func (j *Janitor) sweepStalledTasks(ctx context.Context) {
	deadline := time.Now().UTC().Add(-j.opts.StuckJobThreshold)

	for _, status := range []models.TaskStatus{models.TaskStatusQueued, models.TaskStatusRetrying} {
		tasks, err := j.store.ListTasksByStatus(ctx, status)
		if err != nil {
			j.logger.Warn().Err(err).Msg("Stalled-task sweep failed to list tasks")
			continue
		}

		for _, task := range tasks {
			if task.UpdatedAt.After(deadline) {
				continue
			}

			job, err := j.store.GetJob(ctx, task.ParentJobID)
			if err != nil {
				// Missing parents belong to the orphan sweep.
				continue
			}
			if job.Status.IsTerminal() {
				continue
			}

			if task.Status == models.TaskStatusRetrying {
				if err := j.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusQueued, nil); err != nil {
					j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Stalled retrying task requeue failed")
					continue
				}
			}

			if err := j.enqueueTaskMessage(ctx, task); err != nil {
				j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Stalled task re-enqueue failed")
				continue
			}

			j.logger.Info().
				Str("task_id", task.TaskID).
				Str("was", string(status)).
				Msg("Re-enqueued stalled task")
		}
	}
}

// enqueueTaskMessage puts a fresh delivery for the task on the tasks queue.
func (j *Janitor) enqueueTaskMessage(ctx context.Context, task *models.Task) error {
	msg := &models.TaskMessage{
		TaskID:        task.TaskID,
		ParentJobID:   task.ParentJobID,
		JobType:       task.JobType,
		TaskType:      task.TaskType,
		Stage:         task.Stage,
		TaskIndex:     task.TaskIndex,
		Parameters:    task.Parameters,
		RetryCount:    task.RetryCount,
		CorrelationID: task.ParentJobID,
	}
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return j.tasksQueue.Enqueue(ctx, payload)
}

// sweepStuckJobs fails processing jobs with no live work, and closes stages
// whose tasks all terminated but whose close-out was lost.
func (j *Janitor) sweepStuckJobs(ctx context.Context) {
	jobs, err := j.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Stuck-job sweep failed to list jobs")
		return
	}

	deadline := time.Now().UTC().Add(-j.opts.StuckJobThreshold)
	for _, job := range jobs {
		tasks, err := j.store.ListTasksForJob(ctx, job.JobID, &interfaces.TaskFilter{Stage: job.Stage})
		if err != nil {
			continue
		}

		allTerminal := len(tasks) > 0
		live := false
		for _, task := range tasks {
			if !task.Status.IsTerminal() {
				allTerminal = false
			}
			switch task.Status {
			case models.TaskStatusQueued, models.TaskStatusRetrying:
				live = true
			case models.TaskStatusProcessing:
				last := task.UpdatedAt
				if task.Heartbeat != nil {
					last = *task.Heartbeat
				}
				if last.After(deadline) {
					live = true
				}
			}
		}

		if allTerminal {
			// Stage finished but its close-out never ran (worker died between
			// the ack and the advance). Re-drive it.
			if err := j.completer.CloseStage(ctx, job.JobID, job.Stage, job.JobID); err != nil {
				j.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Stage close recovery failed")
			} else {
				j.logger.Info().Str("job_id", job.JobID).Int("stage", job.Stage).
					Msg("Recovered unclosed stage")
			}
			continue
		}

		if live || job.UpdatedAt.After(deadline) {
			continue
		}

		details := models.NewErrorDetails(models.ErrorCategoryTransient,
			fmt.Sprintf("job stuck in processing for over %s with no live tasks", j.opts.StuckJobThreshold))
		details.Reason = "orchestration_stuck"
		if err := j.store.RecordJobFailure(ctx, job.JobID, details, nil); err != nil {
			if !errors.Is(err, interfaces.ErrInvalidTransition) {
				j.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to fail stuck job")
			}
			continue
		}
		j.logger.Warn().Str("job_id", job.JobID).Msg("Failed stuck job")
	}
}

// sweepOrphanTasks deletes tasks whose parent job record is gone.
func (j *Janitor) sweepOrphanTasks(ctx context.Context) {
	for _, status := range []models.TaskStatus{models.TaskStatusQueued, models.TaskStatusProcessing, models.TaskStatusRetrying} {
		tasks, err := j.store.ListTasksByStatus(ctx, status)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			_, err := j.store.GetJob(ctx, task.ParentJobID)
			if err == nil {
				continue
			}
			if !errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			if err := j.store.DeleteTask(ctx, task.TaskID); err != nil {
				j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Orphan delete failed")
				continue
			}
			j.logger.Warn().
				Str("task_id", task.TaskID).
				Str("parent_job_id", task.ParentJobID).
				Msg("Deleted orphan task")
		}
	}
}

// sweepDeadLetters marks the tasks behind dead-lettered messages as failed
// and removes the reconciled messages.
func (j *Janitor) sweepDeadLetters(ctx context.Context) {
	letters, err := j.tasksQueue.DeadLetters(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Dead-letter sweep failed")
		return
	}

	for _, letter := range letters {
		msg, err := models.TaskMessageFromJSON(letter.Body)
		if err != nil {
			// Unparseable payload; nothing to reconcile against.
			_ = j.tasksQueue.RemoveDeadLetter(ctx, letter.MessageID)
			continue
		}

		task, err := j.store.GetTask(ctx, msg.TaskID)
		if err != nil {
			_ = j.tasksQueue.RemoveDeadLetter(ctx, letter.MessageID)
			continue
		}

		if !task.Status.IsTerminal() {
			details := models.NewErrorDetails(models.ErrorCategoryTransient,
				fmt.Sprintf("message dead-lettered after %d deliveries", letter.ReceiveCount))
			details.Reason = "dead_letter"
			details.TaskID = task.TaskID
			details.Stage = task.Stage
			j.failTask(ctx, task, details)
		}

		if err := j.tasksQueue.RemoveDeadLetter(ctx, letter.MessageID); err != nil {
			j.logger.Warn().Err(err).Str("message_id", letter.MessageID).Msg("Dead-letter removal failed")
		}
	}
}

// failTask drives a non-terminal task to failed through the atomic completion
// primitive, closing the stage if this was its last open task.
func (j *Janitor) failTask(ctx context.Context, task *models.Task, details *models.ErrorDetails) {
	// Retrying tasks cannot fail directly; route them through queued first.
	if task.Status == models.TaskStatusRetrying {
		if err := j.store.UpdateTaskStatus(ctx, task.TaskID, models.TaskStatusQueued, nil); err != nil {
			j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to requeue retrying task")
			return
		}
	}

	result, err := j.store.CompleteTaskAndCheckStage(ctx, task.TaskID, task.ParentJobID, task.Stage, nil, details)
	if err != nil {
		j.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to fail task")
		return
	}
	j.logger.Warn().
		Str("task_id", task.TaskID).
		Str("reason", details.Reason).
		Msg("Task failed by janitor")

	if result.IsLastTaskInStage {
		if err := j.completer.CloseStage(ctx, task.ParentJobID, task.Stage, task.ParentJobID); err != nil {
			j.logger.Warn().Err(err).Str("job_id", task.ParentJobID).Msg("Stage close after janitor failure failed")
		}
	}
}
