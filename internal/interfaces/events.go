// -----------------------------------------------------------------------
// Event service - pub/sub for job and task status change notifications
// -----------------------------------------------------------------------

package interfaces

import "context"

// EventType identifies a class of engine event.
type EventType string

const (
	EventJobUpdate     EventType = "job_update"
	EventTaskUpdate    EventType = "task_update"
	EventStageAdvanced EventType = "stage_advanced"
)

// Event is a status change notification published by the gateway,
// orchestrator, executor and janitor. Events are observability glue only;
// the job record remains the sole source of truth.
type Event struct {
	Type    EventType              `json:"type"`
	Level   string                 `json:"level"`
	Payload map[string]interface{} `json:"payload"`
}

// EventHandler consumes events. Handlers must not block.
type EventHandler func(ctx context.Context, event Event) error

// EventService is an in-process pub/sub bus.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler)
	Publish(ctx context.Context, event Event)
	Close() error
}
