// -----------------------------------------------------------------------
// Queue messages - wire contract between gateway, orchestrator and executor
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Queue payloads are untrusted input. Every message is schema-validated on
// receive before any state mutation; a validation failure is a contract
// violation and the message is dropped, never retried.
var validate = validator.New()

// JobMessage instructs the orchestrator to expand one stage of a job into
// tasks. Unknown keys in the payload are ignored.
type JobMessage struct {
	JobID         string                 `json:"job_id" validate:"required,len=64,hexadecimal"`
	JobType       string                 `json:"job_type" validate:"required"`
	Stage         int                    `json:"stage" validate:"required,min=1"`
	Parameters    map[string]interface{} `json:"parameters"`
	CorrelationID string                 `json:"correlation_id" validate:"required"`
}

// Validate checks the wire contract.
func (m *JobMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid job message: %w", err)
	}
	return nil
}

// ToJSON serialises the message for the queue.
func (m *JobMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return data, nil
}

// JobMessageFromJSON parses and validates a job message payload.
func JobMessageFromJSON(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// TaskMessage instructs the executor to run one task.
type TaskMessage struct {
	TaskID        string                 `json:"task_id" validate:"required"`
	ParentJobID   string                 `json:"parent_job_id" validate:"required,len=64,hexadecimal"`
	JobType       string                 `json:"job_type" validate:"required"`
	TaskType      string                 `json:"task_type" validate:"required"`
	Stage         int                    `json:"stage" validate:"required,min=1"`
	TaskIndex     string                 `json:"task_index" validate:"required"`
	Parameters    map[string]interface{} `json:"parameters"`
	RetryCount    int                    `json:"retry_count" validate:"min=0"`
	CorrelationID string                 `json:"correlation_id" validate:"required"`
}

// Validate checks the wire contract, including the task ID / parent prefix
// invariant.
func (m *TaskMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid task message: %w", err)
	}
	if len(m.TaskID) < 8 || m.TaskID[:8] != m.ParentJobID[:8] {
		return fmt.Errorf("invalid task message: task ID %q does not begin with parent job prefix", m.TaskID)
	}
	return nil
}

// ToJSON serialises the message for the queue.
func (m *TaskMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task message: %w", err)
	}
	return data, nil
}

// TaskMessageFromJSON parses and validates a task message payload.
func TaskMessageFromJSON(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
