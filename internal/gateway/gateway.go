// -----------------------------------------------------------------------
// Submission gateway - deterministic job identity and dedup-safe intake
// -----------------------------------------------------------------------

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// SubmitResult reports the outcome of a job submission.
type SubmitResult struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	Deduplicated  bool             `json:"deduplicated"`
	CorrelationID string           `json:"correlation_id"`
}

// Gateway validates submissions, derives deterministic job identity and
// enqueues the first stage. Resubmitting identical parameters while the
// earlier job exists returns the existing record without side effects; that
// covers failed jobs too, so callers retry by changing parameters.
type Gateway struct {
	store     interfaces.StateStore
	jobsQueue interfaces.Queue
	workflows interfaces.WorkflowRegistry
	logger    arbor.ILogger
}

// NewGateway creates the submission gateway.
func NewGateway(store interfaces.StateStore, jobsQueue interfaces.Queue,
	workflows interfaces.WorkflowRegistry, logger arbor.ILogger) *Gateway {
	return &Gateway{
		store:     store,
		jobsQueue: jobsQueue,
		workflows: workflows,
		logger:    logger,
	}
}

// DeriveJobID computes the job's identity digest from its type and canonical
// parameters. The digest is SHA-256 over job_type followed by the canonical
// JSON rendering, hex encoded.
func DeriveJobID(jobType string, params map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Submit validates the request against the workflow's parameter schema,
// creates the job record if it does not already exist, and enqueues the
// stage-1 job message. Exactly one queue message is produced per new job; a
// dedup hit produces none.
func (g *Gateway) Submit(ctx context.Context, jobType string, params map[string]interface{}) (*SubmitResult, error) {
	spec, ok := g.workflows.Get(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownJobType, jobType)
	}

	normalized, err := spec.ValidateParameters(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBadParameters, err)
	}

	// Identity is derived from the normalised parameters so cosmetic
	// differences (key order, defaulted fields) collapse to one job.
	jobID, err := DeriveJobID(jobType, normalized)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(jobID, jobType, normalized, len(spec.Stages()))
	created, err := g.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	correlationID := uuid.New().String()

	if !created.Created {
		g.logger.Info().
			Str("job_id", jobID).
			Str("job_type", jobType).
			Str("status", string(created.ExistingStatus)).
			Msg("Duplicate submission collapsed to existing job")
		return &SubmitResult{
			JobID:         jobID,
			Status:        created.ExistingStatus,
			Deduplicated:  true,
			CorrelationID: correlationID,
		}, nil
	}

	msg := &models.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         1,
		Parameters:    normalized,
		CorrelationID: correlationID,
	}
	payload, err := msg.ToJSON()
	if err != nil {
		return nil, err
	}
	if err := g.jobsQueue.Enqueue(ctx, payload); err != nil {
		// The record exists but the message did not make it out; the janitor
		// re-enqueues stuck queued jobs, so we report the failure and leave
		// the record in place.
		g.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Msg("Job record created but stage-1 enqueue failed")
		return nil, fmt.Errorf("failed to enqueue job message: %w", err)
	}

	g.logger.Info().
		Str("job_id", jobID).
		Str("job_type", jobType).
		Str("correlation_id", correlationID).
		Msg("Job submitted")

	return &SubmitResult{
		JobID:         jobID,
		Status:        models.JobStatusQueued,
		Deduplicated:  false,
		CorrelationID: correlationID,
	}, nil
}
