// -----------------------------------------------------------------------
// Worker pool - polls a queue and feeds messages to a processor
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

// Processor handles one message body. A nil return acks the message; an
// error leaves it in flight so the visibility lease redelivers it.
type Processor interface {
	Process(ctx context.Context, body []byte) error
}

// Pool runs a fixed set of workers against one queue. Each worker polls,
// processes one message at a time and acks on success. Crashed or erroring
// deliveries are never acked, so at-least-once redelivery covers them.
type Pool struct {
	name          string
	queue         interfaces.Queue
	processor     Processor
	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	logger        arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. leaseDuration is the queue's visibility
// timeout; while a message is being processed its lease is extended by this
// much on every third of the interval, so slow processing does not trigger
// redelivery mid-flight. Zero disables extension.
func NewPool(name string, queue interfaces.Queue, processor Processor,
	concurrency int, pollInterval, leaseDuration time.Duration, logger arbor.ILogger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Pool{
		name:          name,
		queue:         queue,
		processor:     processor,
		concurrency:   concurrency,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		logger:        logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info().
		Str("pool", p.name).
		Int("concurrency", p.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight messages to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Str("pool", p.name).Msg("Worker pool stopped")
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	// Stagger starts so workers spread across the poll interval.
	stagger := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(workerID)
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(stagger):
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			// Drain everything that is ready before sleeping again.
			for p.processOne(workerID) {
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne handles a single delivery. Returns true when a message was
// received, so the caller keeps draining.
func (p *Pool) processOne(workerID int) bool {
	delivery, ack, err := p.queue.Receive(p.ctx)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNoMessage) {
			p.logger.Warn().Err(err).Str("pool", p.name).Int("worker_id", workerID).
				Msg("Queue receive failed")
		}
		return false
	}

	start := time.Now()
	stopExtend := p.keepLeaseAlive(delivery.MessageID)
	err = p.processor.Process(p.ctx, delivery.Body)
	stopExtend()
	if err != nil {
		// No ack: the lease expires and the message is redelivered.
		p.logger.Warn().
			Err(err).
			Str("pool", p.name).
			Str("message_id", delivery.MessageID).
			Int("receive_count", delivery.ReceiveCount).
			Int("worker_id", workerID).
			Msg("Message processing failed, leaving for redelivery")
		return true
	}

	if err := ack(); err != nil {
		p.logger.Warn().
			Err(err).
			Str("pool", p.name).
			Str("message_id", delivery.MessageID).
			Msg("Ack failed after successful processing")
		return true
	}

	p.logger.Debug().
		Str("pool", p.name).
		Str("message_id", delivery.MessageID).
		Dur("duration", time.Since(start)).
		Int("worker_id", workerID).
		Msg("Message processed")
	return true
}

// keepLeaseAlive extends the message's visibility lease until the returned
// stop function is called.
func (p *Pool) keepLeaseAlive(messageID string) func() {
	if p.leaseDuration <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})

	interval := p.leaseDuration / 3
	if interval <= 0 {
		interval = p.leaseDuration
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(ctx, messageID, p.leaseDuration); err != nil {
					p.logger.Warn().Err(err).
						Str("pool", p.name).
						Str("message_id", messageID).
						Msg("Lease extension failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
