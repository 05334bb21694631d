package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/gateway"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/orchestrator"
	"github.com/ternarybob/strata/internal/queue"
	"github.com/ternarybob/strata/internal/registry"
	"github.com/ternarybob/strata/internal/retry"
	storagebadger "github.com/ternarybob/strata/internal/storage/badger"
	"github.com/ternarybob/strata/internal/workflows"
)

// engine is a fully wired in-process pipeline driven by pump instead of
// worker pools, so tests control exactly when messages move.
type engine struct {
	store      interfaces.StateStore
	jobsQueue  interfaces.Queue
	tasksQueue interfaces.Queue
	workflows  *registry.WorkflowRegistry
	tasks      *registry.TaskRegistry
	gateway    *gateway.Gateway
	orch       *orchestrator.Orchestrator
	exec       *Executor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "state"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storagebadger.NewStore(db, logger)

	queueDB, err := badgerdb.Open(badgerdb.DefaultOptions(filepath.Join(t.TempDir(), "queues")).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { queueDB.Close() })

	jobsQueue, err := queue.NewBadgerQueue(queueDB, "jobs", time.Minute, 5)
	require.NoError(t, err)
	tasksQueue, err := queue.NewBadgerQueue(queueDB, "tasks", time.Minute, 5)
	require.NoError(t, err)

	taskRegistry := registry.NewTaskRegistry(logger)
	workflowRegistry := registry.NewWorkflowRegistry(taskRegistry, logger)
	require.NoError(t, workflows.RegisterAll(workflowRegistry, taskRegistry))

	policy := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond)
	completer := NewCompleter(store, jobsQueue, workflowRegistry, nil, logger)
	exec := NewExecutor(store, tasksQueue, taskRegistry, workflowRegistry,
		policy, completer, nil, nil, 5*time.Millisecond, logger)
	orch := orchestrator.NewOrchestrator(store, tasksQueue, workflowRegistry, nil, logger)
	gw := gateway.NewGateway(store, jobsQueue, workflowRegistry, logger)

	return &engine{
		store:      store,
		jobsQueue:  jobsQueue,
		tasksQueue: tasksQueue,
		workflows:  workflowRegistry,
		tasks:      taskRegistry,
		gateway:    gw,
		orch:       orch,
		exec:       exec,
	}
}

// pump drains both queues until they stay empty long enough for any pending
// retry delay to surface.
func (e *engine) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	idle := 0

	for i := 0; i < 2000; i++ {
		progressed := false

		if delivery, ack, err := e.jobsQueue.Receive(ctx); err == nil {
			require.NoError(t, e.orch.Process(ctx, delivery.Body))
			require.NoError(t, ack())
			progressed = true
		} else if !errors.Is(err, interfaces.ErrNoMessage) {
			t.Fatal(err)
		}

		if delivery, ack, err := e.tasksQueue.Receive(ctx); err == nil {
			require.NoError(t, e.exec.Process(ctx, delivery.Body))
			require.NoError(t, ack())
			progressed = true
		} else if !errors.Is(err, interfaces.ErrNoMessage) {
			t.Fatal(err)
		}

		if progressed {
			idle = 0
			continue
		}
		idle++
		if idle > 10 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pump did not drain")
}

func TestHelloWorldJobRunsToCompletion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	submit, err := e.gateway.Submit(ctx, workflows.HelloWorldJobType,
		map[string]interface{}{"message": "world"})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "Hello, world", job.ResultData["greeting"])
	require.NotNil(t, job.StageResult(1))
	assert.Equal(t, models.StageStatusCompleted, job.StageResult(1).Status)

	tasks, err := e.store.ListTasksForJob(ctx, submit.JobID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
}

func TestGreetReplyFanOutAcrossStages(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	submit, err := e.gateway.Submit(ctx, workflows.GreetReplyJobType,
		map[string]interface{}{"names": []interface{}{"ada", "bob", "cleo"}})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	replies, ok := job.ResultData["replies"].([]interface{})
	require.True(t, ok)
	assert.Len(t, replies, 3)
	assert.Contains(t, replies, "Hello, ada to you too")

	tasks, err := e.store.ListTasksForJob(ctx, submit.JobID, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 6, "three greetings plus three replies")

	// stage_results holds the full prefix.
	require.NotNil(t, job.StageResult(1))
	require.NotNil(t, job.StageResult(2))
	assert.Equal(t, 3, job.StageResult(2).SuccessfulTasks)
}

func TestTilePipelineEndToEnd(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	submit, err := e.gateway.Submit(ctx, workflows.TilePipelineJobType, map[string]interface{}{
		"min_x": 140.0, "min_y": -35.0, "max_x": 142.0, "max_y": -33.0,
	})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 4, job.ResultData["processed_tiles"])
	assert.Equal(t, 0, job.ResultData["failed_tiles"])

	extent, ok := job.ResultData["extent"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 140.0, extent["min_x"])
	assert.Equal(t, 142.0, extent["max_x"])
	assert.Equal(t, -35.0, extent["min_y"])
	assert.Equal(t, -33.0, extent["max_y"])

	tasks, err := e.store.ListTasksForJob(ctx, submit.JobID, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 6, "one discovery, four tiles, one aggregate")
}

// flakySpec is a single fan-out stage whose tasks can be told to fail.
type flakySpec struct {
	jobType string
	count   int
	strict  bool
}

func (s *flakySpec) JobType() string { return s.jobType }

func (s *flakySpec) Stages() []interfaces.StageDescriptor {
	return []interfaces.StageDescriptor{
		{Number: 1, TaskType: s.jobType + "-task", Parallelism: interfaces.ParallelismFanOut},
	}
}

func (s *flakySpec) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	return params, nil
}

func (s *flakySpec) CreateTasksForStage(ctx context.Context, stage int, jobParams map[string]interface{},
	jobID string, prev *models.StageResult) ([]interfaces.TaskDefinition, error) {
	defs := make([]interfaces.TaskDefinition, 0, s.count)
	for i := 0; i < s.count; i++ {
		defs = append(defs, interfaces.TaskDefinition{
			Index:      fmt.Sprintf("f-%d", i),
			Parameters: map[string]interface{}{"index": float64(i)},
		})
	}
	return defs, nil
}

func (s *flakySpec) FinalizeJob(ctx context.Context, jobParams map[string]interface{},
	stageResults map[string]*models.StageResult) (map[string]interface{}, error) {
	sr := stageResults["1"]
	return map[string]interface{}{
		"succeeded": sr.SuccessfulTasks,
		"failed":    sr.FailedTasks,
	}, nil
}

func (s *flakySpec) StrictFailurePolicy() bool { return s.strict }

func TestPartialFailureCompletesWithErrors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	spec := &flakySpec{jobType: "flaky", count: 3}
	require.NoError(t, e.tasks.RegisterHandler("flaky-task",
		func(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
			if params["index"] == float64(1) {
				return &interfaces.TaskOutcome{
					Success:      false,
					ErrorDetails: models.NewErrorDetails(models.ErrorCategoryBusiness, "bad record"),
				}
			}
			return &interfaces.TaskOutcome{Success: true, ResultData: map[string]interface{}{"ok": true}}
		}))
	require.NoError(t, e.workflows.Register(spec))

	submit, err := e.gateway.Submit(ctx, "flaky", map[string]interface{}{"run": 1.0})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompletedWithErrors, job.Status)
	assert.Equal(t, 2, job.ResultData["succeeded"])
	assert.Equal(t, 1, job.ResultData["failed"])

	require.NotNil(t, job.StageResult(1))
	assert.Equal(t, models.StageStatusCompletedWithErrors, job.StageResult(1).Status)
}

func TestAllTasksFailedFailsJobWithPartialResult(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	spec := &flakySpec{jobType: "doomed", count: 2}
	require.NoError(t, e.tasks.RegisterHandler("doomed-task",
		func(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
			return &interfaces.TaskOutcome{
				Success:      false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryBusiness, "nope"),
			}
		}))
	require.NoError(t, e.workflows.Register(spec))

	submit, err := e.gateway.Submit(ctx, "doomed", map[string]interface{}{"run": 1.0})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorDetails)

	// The failed stage's result is recorded without advancing the stage.
	assert.Equal(t, 1, job.Stage)
	require.NotNil(t, job.StageResult(1))
	assert.Equal(t, models.StageStatusFailed, job.StageResult(1).Status)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := make(map[string]int)

	spec := &flakySpec{jobType: "wobbly", count: 1}
	require.NoError(t, e.tasks.RegisterHandler("wobbly-task",
		func(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
			mu.Lock()
			attempts[hctx.TaskID]++
			n := attempts[hctx.TaskID]
			mu.Unlock()

			if n == 1 {
				return &interfaces.TaskOutcome{
					Success:      false,
					ErrorDetails: models.NewErrorDetails(models.ErrorCategoryTransient, "connection reset"),
				}
			}
			return &interfaces.TaskOutcome{Success: true, ResultData: map[string]interface{}{"attempt": n}}
		}))
	require.NoError(t, e.workflows.Register(spec))

	submit, err := e.gateway.Submit(ctx, "wobbly", map[string]interface{}{"run": 1.0})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status, "a recovered retry leaves no failure mark")

	tasks, err := e.store.ListTasksForJob(ctx, submit.JobID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)
}

func TestContractFailureNeverRetries(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0

	spec := &flakySpec{jobType: "broken", count: 1}
	require.NoError(t, e.tasks.RegisterHandler("broken-task",
		func(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
			mu.Lock()
			calls++
			mu.Unlock()
			return &interfaces.TaskOutcome{
				Success:      false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, "schema drift"),
			}
		}))
	require.NoError(t, e.workflows.Register(spec))

	submit, err := e.gateway.Submit(ctx, "broken", map[string]interface{}{"run": 1.0})
	require.NoError(t, err)

	e.pump(t)

	assert.Equal(t, 1, calls, "contract violations get no second attempt")

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestStrictPolicyFailsJobOnFirstPermanentFailure(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	spec := &flakySpec{jobType: "strict", count: 3, strict: true}
	require.NoError(t, e.tasks.RegisterHandler("strict-task",
		func(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
			if params["index"] == float64(0) {
				return &interfaces.TaskOutcome{
					Success:      false,
					ErrorDetails: models.NewErrorDetails(models.ErrorCategoryBusiness, "fatal"),
				}
			}
			return &interfaces.TaskOutcome{Success: true}
		}))
	require.NoError(t, e.workflows.Register(spec))

	submit, err := e.gateway.Submit(ctx, "strict", map[string]interface{}{"run": 1.0})
	require.NoError(t, err)

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorDetails)
	assert.Contains(t, job.ErrorDetails.Message, "strict policy")
}

func TestDuplicateTaskDeliveryCollapses(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	submit, err := e.gateway.Submit(ctx, workflows.HelloWorldJobType,
		map[string]interface{}{"message": "dup"})
	require.NoError(t, err)

	// Orchestrate stage 1 so the task message exists.
	delivery, ack, err := e.jobsQueue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, e.orch.Process(ctx, delivery.Body))
	require.NoError(t, ack())

	taskDelivery, taskAck, err := e.tasksQueue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, e.exec.Process(ctx, taskDelivery.Body))

	// Replay the identical payload: the task is terminal, so it is dropped.
	require.NoError(t, e.exec.Process(ctx, taskDelivery.Body))
	require.NoError(t, taskAck())

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestStaleJobMessageDropped(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	submit, err := e.gateway.Submit(ctx, workflows.GreetReplyJobType,
		map[string]interface{}{"names": []interface{}{"ada"}})
	require.NoError(t, err)

	// Capture the stage-1 message, run it, finish the whole job, then replay
	// the stale stage-1 message.
	delivery, ack, err := e.jobsQueue.Receive(ctx)
	require.NoError(t, err)
	body := append([]byte(nil), delivery.Body...)
	require.NoError(t, e.orch.Process(ctx, body))
	require.NoError(t, ack())

	e.pump(t)

	job, err := e.store.GetJob(ctx, submit.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, job.Status)

	// Replay: terminal job, the message is acked without effect.
	require.NoError(t, e.orch.Process(ctx, body))

	tasks, err := e.store.ListTasksForJob(ctx, submit.JobID, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "replay created no extra tasks")
}
