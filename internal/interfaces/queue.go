// -----------------------------------------------------------------------
// Queue - at-least-once transport with visibility leases and dead-lettering
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"
)

// Delivery is one received queue message. ReceiveCount counts this delivery;
// the first delivery has ReceiveCount 1.
type Delivery struct {
	MessageID    string
	Body         []byte
	ReceiveCount int
	EnqueuedAt   time.Time
}

// AckFunc acknowledges a delivery, removing the message from the queue.
// Not calling it lets the message reappear after the visibility lease.
type AckFunc func() error

// Queue is an at-least-once message transport. The queue is authoritative
// only for "work to do", never for job or task state.
type Queue interface {
	// Enqueue adds a message that is immediately visible.
	Enqueue(ctx context.Context, body []byte) error

	// EnqueueDelayed adds a message that becomes visible after delay.
	EnqueueDelayed(ctx context.Context, body []byte, delay time.Duration) error

	// Receive pulls the next visible message, granting a visibility lease.
	// Returns ErrNoMessage when nothing is visible. Messages whose delivery
	// count exceeds the configured maximum are moved to the dead-letter
	// bucket instead of being delivered.
	Receive(ctx context.Context) (*Delivery, AckFunc, error)

	// Extend extends the visibility lease of an in-flight message.
	Extend(ctx context.Context, messageID string, duration time.Duration) error

	// DeadLetters returns the current dead-letter bucket contents.
	DeadLetters(ctx context.Context) ([]*Delivery, error)

	// RemoveDeadLetter removes a reconciled message from the dead-letter bucket.
	RemoveDeadLetter(ctx context.Context, messageID string) error

	// Name returns the logical queue identifier.
	Name() string

	Close() error
}
