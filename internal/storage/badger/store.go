// -----------------------------------------------------------------------
// Badger state store - reference StateStore backend
// -----------------------------------------------------------------------

package badger

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

// Store implements interfaces.StateStore on badgerhold.
//
// Atomicity discipline: Badger runs in-process, so the per-(job_id, stage)
// serialisation that an SQL backend would get from an advisory lock is
// provided by a keyed mutex table. CompleteTaskAndCheckStage holds the stage
// lock while transitioning the task and counting the remainder, so exactly
// one concurrent completer observes remaining == 0. AdvanceJobStage and the
// other job mutations hold the job-row lock while merging stage_results, so
// the map merge is never lost.
type Store struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  lockTable
}

// NewStore creates the state store on an open Badger connection.
func NewStore(db *BadgerDB, logger arbor.ILogger) interfaces.StateStore {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func stageLockKey(jobID string, stage int) string {
	return fmt.Sprintf("stage:%s:%d", jobID, stage)
}

func jobLockKey(jobID string) string {
	return "job:" + jobID
}

// lockTable hands out one mutex per key. Entries are never removed; the key
// space is bounded by active jobs and stages.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks the mutex for key and returns its unlock function.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
