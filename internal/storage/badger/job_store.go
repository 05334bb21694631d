// -----------------------------------------------------------------------
// Job record operations
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CreateJob inserts the job record, or is a no-op when the job ID already
// exists. Uniqueness on job_id is what collapses duplicate submissions.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) (*interfaces.CreateJobResult, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContractViolation, err)
	}

	unlock := s.locks.acquire(jobLockKey(job.JobID))
	defer unlock()

	err := s.db.Store().Insert(job.JobID, job)
	if err == nil {
		s.logger.Debug().Str("job_id", job.JobID).Str("job_type", job.JobType).Msg("Job record created")
		return &interfaces.CreateJobResult{Created: true}, nil
	}
	if !errors.Is(err, badgerhold.ErrKeyExists) {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	var existing models.Job
	if err := s.db.Store().Get(job.JobID, &existing); err != nil {
		return nil, fmt.Errorf("failed to load existing job: %w", err)
	}
	return &interfaces.CreateJobResult{Created: false, ExistingStatus: existing.Status}, nil
}

// GetJob returns the full job record, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", interfaces.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJobStatus applies a validated status transition with an optional patch.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, patch *interfaces.JobPatch) error {
	unlock := s.locks.acquire(jobLockKey(jobID))
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := models.ValidateJobTransition(job.Status, status); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidTransition, err)
	}

	job.Status = status
	if patch != nil {
		if patch.Metadata != nil {
			if job.Metadata == nil {
				job.Metadata = make(map[string]interface{})
			}
			for k, v := range patch.Metadata {
				job.Metadata[k] = v
			}
		}
		if patch.ResultData != nil {
			job.ResultData = patch.ResultData
		}
		if patch.ErrorDetails != nil {
			job.ErrorDetails = patch.ErrorDetails
		}
	}

	// Terminal invariants: failed jobs carry error details, completed jobs
	// carry result data.
	if status == models.JobStatusFailed && job.ErrorDetails == nil {
		return fmt.Errorf("%w: job cannot fail without error details", interfaces.ErrContractViolation)
	}
	if (status == models.JobStatusCompleted || status == models.JobStatusCompletedWithErrors) && job.ResultData == nil {
		return fmt.Errorf("%w: job cannot complete without result data", interfaces.ErrContractViolation)
	}

	job.Touch()
	if err := s.db.Store().Upsert(job.JobID, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Str("status", string(status)).Msg("Job status updated")
	return nil
}

// AdvanceJobStage increments the job's stage conditional on currentStage
// matching, appending the stage result under str(currentStage). The job-row
// lock guarantees the stage_results merge is not lost to a concurrent writer.
func (s *Store) AdvanceJobStage(ctx context.Context, jobID string, currentStage int, result *models.StageResult) (*interfaces.AdvanceStageResult, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: stage result is required", interfaces.ErrContractViolation)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContractViolation, err)
	}
	if result.StageNumber != currentStage {
		return nil, fmt.Errorf("%w: stage result is for stage %d, not %d",
			interfaces.ErrContractViolation, result.StageNumber, currentStage)
	}

	unlock := s.locks.acquire(jobLockKey(jobID))
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// The conditional guard: a terminal job or a mismatched stage means
	// another worker already advanced (or the job was cancelled).
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", interfaces.ErrStaleStage, jobID, job.Status)
	}
	if job.Stage != currentStage {
		return nil, fmt.Errorf("%w: job %s is at stage %d, caller expected %d",
			interfaces.ErrStaleStage, jobID, job.Stage, currentStage)
	}

	if job.StageResults == nil {
		job.StageResults = make(map[string]*models.StageResult)
	}
	job.StageResults[result.StageKey] = result

	isFinal := currentStage >= job.TotalStages
	if !isFinal {
		job.Stage = currentStage + 1
	}

	job.Touch()
	if err := s.db.Store().Upsert(job.JobID, job); err != nil {
		return nil, fmt.Errorf("failed to advance job stage: %w", err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Int("completed_stage", currentStage).
		Int("new_stage", job.Stage).
		Bool("is_final", isFinal).
		Msg("Job stage advanced")

	return &interfaces.AdvanceStageResult{NewStage: job.Stage, IsFinalStage: isFinal}, nil
}

// RecordJobCompletion transitions the job to its terminal success status.
func (s *Store) RecordJobCompletion(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]interface{}) error {
	if status != models.JobStatusCompleted && status != models.JobStatusCompletedWithErrors {
		return fmt.Errorf("%w: %s is not a completion status", interfaces.ErrContractViolation, status)
	}
	if resultData == nil {
		return fmt.Errorf("%w: completion requires result data", interfaces.ErrContractViolation)
	}
	return s.UpdateJobStatus(ctx, jobID, status, &interfaces.JobPatch{ResultData: resultData})
}

// RecordJobFailure transitions the job to failed, optionally appending a
// partial stage result under its stage key without advancing the stage.
func (s *Store) RecordJobFailure(ctx context.Context, jobID string, errDetails *models.ErrorDetails, partial *models.StageResult) error {
	if errDetails == nil {
		return fmt.Errorf("%w: failure requires error details", interfaces.ErrContractViolation)
	}

	if partial != nil {
		unlock := s.locks.acquire(jobLockKey(jobID))
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			unlock()
			return err
		}
		if job.StageResults == nil {
			job.StageResults = make(map[string]*models.StageResult)
		}
		if _, exists := job.StageResults[partial.StageKey]; !exists {
			job.StageResults[partial.StageKey] = partial
			job.Touch()
			if err := s.db.Store().Upsert(job.JobID, job); err != nil {
				unlock()
				return fmt.Errorf("failed to record partial stage result: %w", err)
			}
		}
		unlock()
	}

	return s.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, &interfaces.JobPatch{ErrorDetails: errDetails})
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
