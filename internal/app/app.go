// -----------------------------------------------------------------------
// App - component wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/events"
	"github.com/ternarybob/strata/internal/executor"
	"github.com/ternarybob/strata/internal/gateway"
	"github.com/ternarybob/strata/internal/handlers"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/janitor"
	"github.com/ternarybob/strata/internal/orchestrator"
	"github.com/ternarybob/strata/internal/queue"
	"github.com/ternarybob/strata/internal/registry"
	"github.com/ternarybob/strata/internal/retry"
	storagebadger "github.com/ternarybob/strata/internal/storage/badger"
	"github.com/ternarybob/strata/internal/worker"
	"github.com/ternarybob/strata/internal/workflows"
)

// App holds all engine components and their lifecycle.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *storagebadger.BadgerDB
	Store      interfaces.StateStore
	JobsQueue  interfaces.Queue
	TasksQueue interfaces.Queue

	EventService interfaces.EventService
	Workflows    interfaces.WorkflowRegistry
	Tasks        interfaces.TaskRegistry

	Gateway      *gateway.Gateway
	Orchestrator *orchestrator.Orchestrator
	Executor     *executor.Executor
	Completer    *executor.Completer
	Janitor      *janitor.Janitor

	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler

	jobPool  *worker.Pool
	taskPool *worker.Pool

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New wires the engine from configuration. Components come up storage-first
// so everything downstream can assume a live state store.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	appCtx, cancel := context.WithCancel(ctx)

	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       appCtx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := a.initQueues(); err != nil {
		cancel()
		a.DB.Close()
		return nil, err
	}
	if err := a.initEngine(); err != nil {
		cancel()
		a.DB.Close()
		return nil, err
	}
	a.initHandlers()

	logger.Info().
		Str("backend", config.Storage.Backend).
		Str("jobs_queue", config.Queue.JobsName).
		Str("tasks_queue", config.Queue.TasksName).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initStorage() error {
	if a.Config.Storage.Backend != "badger" {
		return fmt.Errorf("unsupported state backend: %s", a.Config.Storage.Backend)
	}

	db, err := storagebadger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.DB = db
	a.Store = storagebadger.NewStore(db, a.Logger)
	return nil
}

func (a *App) initQueues() error {
	visibility := time.Duration(a.Config.Queue.VisibilitySeconds) * time.Second

	jobsQueue, err := queue.NewBadgerQueue(a.DB.Store().Badger(), a.Config.Queue.JobsName,
		visibility, a.Config.Queue.MaxDeliveryCount)
	if err != nil {
		return fmt.Errorf("failed to create jobs queue: %w", err)
	}
	tasksQueue, err := queue.NewBadgerQueue(a.DB.Store().Badger(), a.Config.Queue.TasksName,
		visibility, a.Config.Queue.MaxDeliveryCount)
	if err != nil {
		return fmt.Errorf("failed to create tasks queue: %w", err)
	}

	a.JobsQueue = jobsQueue
	a.TasksQueue = tasksQueue
	return nil
}

func (a *App) initEngine() error {
	a.EventService = events.NewService(a.Logger)

	taskRegistry := registry.NewTaskRegistry(a.Logger)
	workflowRegistry := registry.NewWorkflowRegistry(taskRegistry, a.Logger)
	a.Tasks = taskRegistry
	a.Workflows = workflowRegistry

	if err := workflows.RegisterAll(workflowRegistry, taskRegistry); err != nil {
		return fmt.Errorf("failed to register workflows: %w", err)
	}

	policy := retry.NewPolicy(
		a.Config.Retry.MaxAttempts,
		time.Duration(a.Config.Retry.BaseDelaySeconds)*time.Second,
		time.Duration(a.Config.Retry.MaxDelaySeconds)*time.Second,
	)

	a.Gateway = gateway.NewGateway(a.Store, a.JobsQueue, a.Workflows, a.Logger)
	a.Orchestrator = orchestrator.NewOrchestrator(a.Store, a.TasksQueue, a.Workflows, a.EventService, a.Logger)
	a.Completer = executor.NewCompleter(a.Store, a.JobsQueue, a.Workflows, a.EventService, a.Logger)
	// Heartbeat well inside the janitor's lease grace so a live handler is
	// never mistaken for a dead worker.
	heartbeatInterval := time.Duration(a.Config.Janitor.LeaseGraceSeconds) * time.Second / 3
	a.Executor = executor.NewExecutor(a.Store, a.TasksQueue, a.Tasks, a.Workflows,
		policy, a.Completer, a.EventService, nil, heartbeatInterval, a.Logger)

	a.Janitor = janitor.NewJanitor(a.Store, a.JobsQueue, a.TasksQueue, a.Completer, policy, janitor.Options{
		Interval:          time.Duration(a.Config.Janitor.IntervalSeconds) * time.Second,
		LeaseGrace:        time.Duration(a.Config.Janitor.LeaseGraceSeconds) * time.Second,
		StuckJobThreshold: time.Duration(a.Config.Janitor.StuckJobThresholdSeconds) * time.Second,
	}, a.Logger)

	pollInterval, err := time.ParseDuration(a.Config.Queue.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll interval %q: %w", a.Config.Queue.PollInterval, err)
	}

	visibility := time.Duration(a.Config.Queue.VisibilitySeconds) * time.Second
	a.jobPool = worker.NewPool("jobs", a.JobsQueue, a.Orchestrator,
		a.Config.Workers.JobWorkers, pollInterval, visibility, a.Logger)
	a.taskPool = worker.NewPool("tasks", a.TasksQueue, a.Executor,
		a.Config.Workers.TaskWorkers, pollInterval, visibility, a.Logger)

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Gateway, a.Store, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Config.Logging.MinEventLevel, a.Logger)
}

// Start launches the worker pools and the janitor.
func (a *App) Start() error {
	a.jobPool.Start(a.ctx)
	a.taskPool.Start(a.ctx)

	if err := a.Janitor.Start(a.ctx); err != nil {
		return err
	}

	a.Logger.Info().Msg("Engine started")
	return nil
}

// Shutdown stops processing and releases resources, workers first so no
// message is mid-flight when the store closes.
func (a *App) Shutdown() error {
	a.Logger.Info().Msg("Shutting down application")

	a.Janitor.Stop()
	a.jobPool.Stop()
	a.taskPool.Stop()
	a.cancelCtx()

	a.EventService.Close()
	a.JobsQueue.Close()
	a.TasksQueue.Close()

	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close state store: %w", err)
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
