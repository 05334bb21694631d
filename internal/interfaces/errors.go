package interfaces

import "errors"

// Sentinel errors shared across the engine. Callers match with errors.Is.
var (
	// ErrNotFound is returned when a job or task record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status update violates the
	// job or task state machine. Terminal statuses are immutable.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleStage is returned by AdvanceJobStage when the job's current
	// stage no longer matches the caller's stage, meaning another worker
	// already advanced the job (or the job reached a terminal state).
	ErrStaleStage = errors.New("stale stage")

	// ErrContractViolation is returned when a caller breaks an engine
	// contract, e.g. a task batch whose IDs do not carry the parent prefix.
	ErrContractViolation = errors.New("contract violation")

	// ErrNoMessage is returned when the queue has no visible messages.
	ErrNoMessage = errors.New("no messages in queue")

	// ErrUnknownJobType is returned on submission for an unregistered job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrBadParameters is returned when submitted parameters fail the
	// workflow's schema validation.
	ErrBadParameters = errors.New("invalid job parameters")
)
