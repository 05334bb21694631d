// -----------------------------------------------------------------------
// ErrorDetails - structured failure record shared by jobs and tasks
// -----------------------------------------------------------------------

package models

import "time"

// ErrorCategory classifies a failure for the retry policy.
type ErrorCategory string

const (
	// ErrorCategoryContract marks programming errors: wrong types, schema
	// drift, missing required fields, illegal state transitions. Never retried.
	ErrorCategoryContract ErrorCategory = "contract_violation"
	// ErrorCategoryBusiness marks domain failures such as a missing resource
	// or a validation error. Never retried.
	ErrorCategoryBusiness ErrorCategory = "business"
	// ErrorCategoryTransient marks recoverable failures: timeouts, connection
	// resets, downstream 5xx, queue throttling. Retried with backoff.
	ErrorCategoryTransient ErrorCategory = "transient"
	// ErrorCategoryUnclassified is retried once, then treated as permanent.
	ErrorCategoryUnclassified ErrorCategory = "unclassified"
)

// ErrorDetails is the structured failure record persisted on failed jobs and
// tasks, and carried in task-result snapshots for drill-down.
type ErrorDetails struct {
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	TaskID   string        `json:"task_id,omitempty"`
	Stage    int           `json:"stage,omitempty"`
	At       time.Time     `json:"at"`
}

// NewErrorDetails builds a timestamped failure record.
func NewErrorDetails(category ErrorCategory, message string) *ErrorDetails {
	return &ErrorDetails{
		Message:  message,
		Category: category,
		At:       time.Now().UTC(),
	}
}

func (e *ErrorDetails) Error() string {
	return e.Message
}
