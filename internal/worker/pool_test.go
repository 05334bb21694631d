package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

// singleShotQueue delivers one message and counts lease extensions.
type singleShotQueue struct {
	interfaces.Queue
	mu        sync.Mutex
	delivered bool
	extends   int
	acked     bool
}

func (q *singleShotQueue) Receive(ctx context.Context) (*interfaces.Delivery, interfaces.AckFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delivered {
		return nil, nil, interfaces.ErrNoMessage
	}
	q.delivered = true

	ack := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.acked = true
		return nil
	}
	return &interfaces.Delivery{MessageID: "m-1", Body: []byte(`{}`), ReceiveCount: 1}, ack, nil
}

func (q *singleShotQueue) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extends++
	return nil
}

func (q *singleShotQueue) snapshot() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.extends, q.acked
}

type slowProcessor struct {
	done chan struct{}
}

func (p *slowProcessor) Process(ctx context.Context, body []byte) error {
	time.Sleep(50 * time.Millisecond)
	close(p.done)
	return nil
}

func TestPoolExtendsLeaseDuringSlowProcessing(t *testing.T) {
	q := &singleShotQueue{}
	proc := &slowProcessor{done: make(chan struct{})}

	pool := NewPool("test", q, proc, 1, 5*time.Millisecond, 30*time.Millisecond, arbor.NewLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never ran")
	}

	// Let the ack land after Process returns.
	require.Eventually(t, func() bool {
		_, acked := q.snapshot()
		return acked
	}, time.Second, 5*time.Millisecond)

	extends, _ := q.snapshot()
	assert.GreaterOrEqual(t, extends, 2, "a 50ms handler on a 10ms extension cadence must extend the lease")
}

func TestPoolSkipsExtensionWhenDisabled(t *testing.T) {
	q := &singleShotQueue{}
	proc := &slowProcessor{done: make(chan struct{})}

	pool := NewPool("test", q, proc, 1, 5*time.Millisecond, 0, arbor.NewLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never ran")
	}

	require.Eventually(t, func() bool {
		_, acked := q.snapshot()
		return acked
	}, time.Second, 5*time.Millisecond)

	extends, _ := q.snapshot()
	assert.Zero(t, extends)
}
