// -----------------------------------------------------------------------
// Badger-backed queue - at-least-once delivery with visibility leases,
// delayed enqueue and dead-lettering
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/strata/internal/interfaces"
)

// envelope is the internal structure stored in Badger around a payload.
type envelope struct {
	ID           string          `json:"id"`
	Body         json.RawMessage `json:"body"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    time.Time       `json:"visible_at"`
	ReceiveCount int             `json:"receive_count"`
}

// BadgerQueue implements interfaces.Queue on BadgerDB.
//
// Message data lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{visibleAt:020d}:{id} keeps ready messages scannable in
// order. Delayed enqueue is just a future VisibleAt. Messages whose delivery
// count would exceed the maximum move to queue:{name}:dead:{id} and are
// reconciled by the janitor.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxDeliveryCount  int
}

// NewBadgerQueue creates a Badger-backed queue.
func NewBadgerQueue(db *badger.DB, name string, visibilityTimeout time.Duration, maxDeliveryCount int) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxDeliveryCount <= 0 {
		maxDeliveryCount = 5
	}

	return &BadgerQueue{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxDeliveryCount:  maxDeliveryCount,
	}, nil
}

// Name returns the logical queue identifier.
func (q *BadgerQueue) Name() string {
	return q.name
}

// Enqueue adds a message that is immediately visible.
func (q *BadgerQueue) Enqueue(ctx context.Context, body []byte) error {
	return q.EnqueueDelayed(ctx, body, 0)
}

// EnqueueDelayed adds a message that becomes visible after delay.
func (q *BadgerQueue) EnqueueDelayed(ctx context.Context, body []byte, delay time.Duration) error {
	env := envelope{
		ID:         uuid.New().String(),
		Body:       json.RawMessage(body),
		EnqueuedAt: time.Now().UTC(),
		VisibleAt:  time.Now().UTC().Add(delay),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(env.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(env.VisibleAt, env.ID), []byte{})
	})
}

// Receive pulls the next visible message and grants a visibility lease.
// Messages past the delivery limit move to the dead-letter bucket instead of
// being delivered.
func (q *BadgerQueue) Receive(ctx context.Context) (*interfaces.Delivery, interfaces.AckFunc, error) {
	var claimed envelope
	found := false

	// The closure returns nil even when nothing is deliverable: dead-letter
	// moves and dangling-index cleanup performed during the scan must commit,
	// not roll back with an ErrNoMessage sentinel.
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now().UTC()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp; nothing later is ready either.
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Dangling index entry; clean it up and keep scanning.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var env envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if env.ReceiveCount >= q.maxDeliveryCount {
				// Delivery budget exhausted: dead-letter instead of redelivering.
				data, err := json.Marshal(env)
				if err != nil {
					return err
				}
				if err := txn.Set(q.deadKey(id), data); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			// Claim: bump the receive count and push visibility forward.
			env.ReceiveCount++
			env.VisibleAt = time.Now().UTC().Add(q.visibilityTimeout)

			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(env.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = env
			found = true
			return nil
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, interfaces.ErrNoMessage
	}

	delivery := &interfaces.Delivery{
		MessageID:    claimed.ID,
		Body:         []byte(claimed.Body),
		ReceiveCount: claimed.ReceiveCount,
		EnqueuedAt:   claimed.EnqueuedAt,
	}

	ack := func() error {
		return q.delete(claimed.ID)
	}

	return delivery, ack, nil
}

// Extend pushes the visibility lease of an in-flight message forward.
func (q *BadgerQueue) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.msgKey(messageID))
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().UTC().Add(duration)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(messageID), data); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(q.indexKey(env.VisibleAt, messageID), []byte{})
	})
}

// DeadLetters returns the dead-letter bucket contents.
func (q *BadgerQueue) DeadLetters(ctx context.Context) ([]*interfaces.Delivery, error) {
	var deliveries []*interfaces.Delivery

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}
			deliveries = append(deliveries, &interfaces.Delivery{
				MessageID:    env.ID,
				Body:         []byte(env.Body),
				ReceiveCount: env.ReceiveCount,
				EnqueuedAt:   env.EnqueuedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return deliveries, nil
}

// RemoveDeadLetter removes a reconciled message from the dead-letter bucket.
func (q *BadgerQueue) RemoveDeadLetter(ctx context.Context, messageID string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(q.deadKey(messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// Close closes the queue (the DB connection is managed externally).
func (q *BadgerQueue) Close() error {
	return nil
}

func (q *BadgerQueue) delete(messageID string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.msgKey(messageID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // Already deleted
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(env.VisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(q.msgKey(messageID))
	})
}

// Helpers

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) deadKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", q.name, id))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string ordering matches numeric ordering.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.name, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", q.name)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 21 { // 20 digits + colon
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts).UTC(), suffix[21:], nil
}
