// -----------------------------------------------------------------------
// Job - durable job record and job status state machine
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job.
// Values are canonical lowercase strings as persisted and exposed over the API.
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// jobTransitions is the allowed job status transition table.
// Terminal statuses have no outgoing edges and are immutable.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed},
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCompletedWithErrors || s == JobStatusFailed
}

// CanTransitionTo reports whether the transition s -> next is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateJobTransition returns a descriptive error for a disallowed transition.
func ValidateJobTransition(from, to JobStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid job status transition: %s -> %s", from, to)
	}
	return nil
}

// Job is the durable record of a submitted job.
// Created by the submission gateway, mutated by the orchestrator, executor
// and janitor. The state store owns all persistent state; everything else
// holds transient copies.
type Job struct {
	JobID       string                 `json:"job_id" badgerhold:"key"`
	JobType     string                 `json:"job_type" badgerhold:"index"`
	Parameters  map[string]interface{} `json:"parameters"`
	Status      JobStatus              `json:"status" badgerhold:"index"`
	Stage       int                    `json:"stage"`
	TotalStages int                    `json:"total_stages"`

	// StageResults is keyed by str(stage_number). String keys are mandated
	// at every storage and retrieval point.
	StageResults map[string]*StageResult `json:"stage_results"`

	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorDetails *ErrorDetails          `json:"error_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob constructs a job record in its initial state. Jobs are built only
// through this factory so identity, timestamps and initial status are always
// stamped.
func NewJob(jobID, jobType string, parameters map[string]interface{}, totalStages int) *Job {
	if parameters == nil {
		parameters = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Job{
		JobID:        jobID,
		JobType:      jobType,
		Parameters:   parameters,
		Status:       JobStatusQueued,
		Stage:        1,
		TotalStages:  totalStages,
		StageResults: make(map[string]*StageResult),
		Metadata:     make(map[string]interface{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch updates the record's modification timestamp.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UTC()
}

// StageResult returns the recorded result for the given stage number, or nil.
func (j *Job) StageResult(stage int) *StageResult {
	if j.StageResults == nil {
		return nil
	}
	return j.StageResults[fmt.Sprintf("%d", stage)]
}

// Validate checks the record's internal contract.
func (j *Job) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if len(j.JobID) != 64 {
		return fmt.Errorf("job ID must be a 64-hex digest, got %d chars", len(j.JobID))
	}
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.TotalStages < 1 {
		return fmt.Errorf("job must have at least one stage")
	}
	if j.Stage < 1 {
		return fmt.Errorf("job stage must be 1-based")
	}
	if j.Stage > j.TotalStages && !j.Status.IsTerminal() {
		return fmt.Errorf("job stage %d exceeds total stages %d", j.Stage, j.TotalStages)
	}
	return nil
}
