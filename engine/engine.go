package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/callback"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/lifecycle"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/monitor"
	"github.com/hupe1980/taskmesh/queue"
	"github.com/hupe1980/taskmesh/subagent"
)

// Config defines tuning parameters for the Engine and the components it
// composes.
//
// Per-component knobs that are not listed here can still be set by injecting
// a preconfigured component through Options.
//
// Example:
//
//	cfg := engine.DefaultConfig
//	cfg.QueueCapacity = 5000
//	cfg.TypeLimits = map[string]int{"research": 4}
type Config struct {
	// QueueCapacity bounds the number of registered tasks. Zero means unbounded.
	QueueCapacity int

	// DefaultPriority is used by SubmitTaskDefault. Lower is more urgent.
	DefaultPriority int

	// QueueSweepInterval is the period of the queue's timeout sweep.
	QueueSweepInterval time.Duration

	// CallbackExecutorSize bounds how many push callbacks run at once.
	CallbackExecutorSize int

	// CallbackSweepInterval is the period of the expired-registration sweep.
	CallbackSweepInterval time.Duration

	// LifecycleRetention keeps lifecycle records of terminal tasks this long.
	LifecycleRetention time.Duration

	// MonitorRetention keeps per-task metrics of finished tasks this long.
	MonitorRetention time.Duration

	// ReportInterval is the period of the performance report.
	ReportInterval time.Duration

	// MaxConcurrentWorkers is the global ceiling split evenly across worker
	// types that have no entry in TypeLimits.
	MaxConcurrentWorkers int

	// TypeLimits sets explicit per-type concurrency ceilings.
	TypeLimits map[string]int

	// PoolMaxSize caps the number of worker instances per type.
	PoolMaxSize int

	// PoolIdleTimeout evicts pooled workers that have been idle this long.
	PoolIdleTimeout time.Duration

	// RetryPolicy drives the backoff of retryable task failures.
	RetryPolicy subagent.RetryPolicy
}

// DefaultConfig provides defaults suitable for a single process hosting a
// few dozen concurrent sub-agents.
//
// Configuration values:
//   - QueueCapacity: 1000
//   - DefaultPriority: 5
//   - MaxConcurrentWorkers: 10
//   - RetryPolicy: 3 retries, 1s base delay doubling up to 30s
var DefaultConfig = Config{
	QueueCapacity:         1000,
	DefaultPriority:       5,
	QueueSweepInterval:    time.Second,
	CallbackExecutorSize:  8,
	CallbackSweepInterval: 5 * time.Second,
	LifecycleRetention:    time.Hour,
	MonitorRetention:      time.Hour,
	ReportInterval:        time.Minute,
	MaxConcurrentWorkers:  10,
	PoolMaxSize:           10,
	PoolIdleTimeout:       5 * time.Minute,
	RetryPolicy:           subagent.DefaultRetryPolicy,
}

// Options configures an Engine instance using the functional options pattern.
//
// The queue, lifecycle manager and callback manager are always built by the
// Engine because their hooks have to be wired into each other. The monitor
// and the sub-agent manager may be injected; an injected monitor must not
// have been started yet.
//
// Example:
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Config.MaxConcurrentWorkers = 32
//	    o.Logger = logging.NewDefaultSlogLogger()
//	})
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Monitor derives metrics from lifecycle transitions.
	// Defaults to a monitor built from Config.
	Monitor *monitor.Monitor

	// SubAgents routes tasks to pooled workers.
	// Defaults to a manager built from Config.
	SubAgents *subagent.Manager

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// SystemStatistics is a snapshot across every composed component.
type SystemStatistics struct {
	Running        bool                       `json:"running"`
	Uptime         time.Duration              `json:"uptime"`
	Queue          queue.Statistics           `json:"queue"`
	Lifecycle      lifecycle.Statistics       `json:"lifecycle"`
	Callbacks      callback.Statistics        `json:"callbacks"`
	SubAgents      subagent.ManagerStatistics `json:"sub_agents"`
	PendingRetries int                        `json:"pending_retries"`
}

// Engine is the integrated task system: it composes the priority queue, the
// lifecycle state machine, the callback bridge, the performance monitor and
// the sub-agent manager behind a single submit/poll/complete/cancel surface.
//
// Wiring:
//   - Every status change the queue makes is routed through the lifecycle
//     manager, so listeners, routers and the monitor observe it.
//   - The queue's terminal hooks complete the task's callback registration,
//     which resolves the future returned by SubmitTask and dispatches the
//     task's push callback.
//   - Retryable failures are taken out of the queue, reset to PENDING and
//     resubmitted after the backoff delay. The caller keeps the same future.
//
// Engine is safe for concurrent use.
type Engine struct {
	config Config
	logger logging.Logger

	queue     *queue.Queue
	lifecycle *lifecycle.Manager
	callbacks *callback.Manager
	monitor   *monitor.Monitor
	subagents *subagent.Manager

	mu        sync.RWMutex
	running   bool
	startedAt time.Time

	shutdownOnce sync.Once
}

// New creates a running Engine. Call Shutdown to release its goroutines.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	cfg := opts.Config

	e := &Engine{
		config:    cfg,
		logger:    logger,
		running:   true,
		startedAt: time.Now(),
	}

	e.lifecycle = lifecycle.New(func(o *lifecycle.Options) {
		if cfg.LifecycleRetention > 0 {
			o.RetentionWindow = cfg.LifecycleRetention
		}
		o.Logger = logger
	})

	e.callbacks = callback.New(func(o *callback.Options) {
		if cfg.CallbackExecutorSize > 0 {
			o.ExecutorSize = cfg.CallbackExecutorSize
		}
		if cfg.CallbackSweepInterval > 0 {
			o.SweepInterval = cfg.CallbackSweepInterval
		}
		o.Logger = logger
	})

	e.monitor = opts.Monitor
	if e.monitor == nil {
		e.monitor = monitor.New(func(o *monitor.Options) {
			if cfg.MonitorRetention > 0 {
				o.RetentionWindow = cfg.MonitorRetention
			}
			if cfg.ReportInterval > 0 {
				o.ReportInterval = cfg.ReportInterval
			}
			o.Logger = logger
		})
	}

	e.subagents = opts.SubAgents
	if e.subagents == nil {
		e.subagents = newSubAgentManager(cfg, logger)
	}

	e.queue = queue.New(func(o *queue.Options) {
		o.Capacity = cfg.QueueCapacity
		if cfg.QueueSweepInterval > 0 {
			o.SweepInterval = cfg.QueueSweepInterval
		}
		o.SetStatus = e.applyStatus
		o.OnComplete = func(task *core.Task, result *core.Result) {
			e.callbacks.ExecuteSuccessCallback(task.ID(), result)
		}
		o.OnFail = func(task *core.Task, _ string, cause error) {
			e.settle(task, task.Status(), cause)
		}
		o.OnTimeout = func(task *core.Task) {
			e.callbacks.ExecuteTimeoutCallback(task.ID())
		}
		o.OnCancel = func(task *core.Task) {
			e.callbacks.ExecuteCancelCallback(task.ID())
		}
		o.Logger = logger
	})

	e.lifecycle.AddStatusListener(e.monitor)
	e.monitor.Start()
	e.subagents.Start()

	logger.Info("Task engine started", "queue_capacity", cfg.QueueCapacity, "max_concurrent_workers", cfg.MaxConcurrentWorkers)

	return e
}

func newSubAgentManager(cfg Config, logger logging.Logger) *subagent.Manager {
	return subagent.NewManager(func(o *subagent.ManagerOptions) {
		o.Concurrency = subagent.NewConcurrencyController(func(o *subagent.ConcurrencyOptions) {
			if cfg.MaxConcurrentWorkers > 0 {
				o.GlobalMax = cfg.MaxConcurrentWorkers
			}
			o.TypeLimits = cfg.TypeLimits
			if cfg.QueueCapacity > 0 {
				o.QueueCapacity = cfg.QueueCapacity
			}
			o.Logger = logger
		})
		o.Errors = subagent.NewErrorHandler(func(o *subagent.ErrorHandlerOptions) {
			if cfg.RetryPolicy.MaxRetries > 0 || cfg.RetryPolicy.BaseDelay > 0 {
				o.Policy = cfg.RetryPolicy
			}
			o.Logger = logger
		})
		o.Pool = func(o *subagent.PoolOptions) {
			if cfg.PoolMaxSize > 0 {
				o.MaxSize = cfg.PoolMaxSize
				o.MaxAvailable = cfg.PoolMaxSize
			}
			if cfg.PoolIdleTimeout > 0 {
				o.IdleTimeout = cfg.PoolIdleTimeout
			}
		}
		o.Logger = logger
	})
}

// applyStatus is the queue's StatusFunc. Tracked tasks move through the
// lifecycle state machine, stepping over intermediate states if needed.
func (e *Engine) applyStatus(task *core.Task, status core.TaskStatus) bool {
	if _, tracked := e.lifecycle.Status(task.ID()); !tracked {
		return queue.SetStatusDirect(task, status)
	}
	return e.lifecycle.Advance(task, status)
}

// settle completes the callback registration of a task that ended in status.
func (e *Engine) settle(task *core.Task, status core.TaskStatus, cause error) {
	id := task.ID()

	switch status {
	case core.TaskStatusCompleted:
		result := task.Result()
		if result == nil {
			result = core.NewSuccessResult(elapsed(task), nil)
		}
		e.callbacks.ExecuteSuccessCallback(id, result)
	case core.TaskStatusTimeout:
		e.callbacks.ExecuteTimeoutCallback(id)
	case core.TaskStatusCancelled:
		e.callbacks.ExecuteCancelCallback(id)
	default:
		e.callbacks.ExecuteFailureCallback(id, failureCause(task, status, cause))
	}
}

func failureCause(task *core.Task, status core.TaskStatus, cause error) error {
	if cause == nil {
		if msg := task.ErrorMessage(); msg != "" {
			cause = errors.New(msg)
		}
	}
	if status == core.TaskStatusMaxRoundsReached {
		switch {
		case cause == nil:
			return core.ErrMaxRoundsReached
		case !errors.Is(cause, core.ErrMaxRoundsReached):
			return fmt.Errorf("%w: %w", core.ErrMaxRoundsReached, cause)
		}
	}
	if cause == nil {
		return fmt.Errorf("task %s ended with status %s", task.ID(), status)
	}
	return cause
}

func elapsed(task *core.Task) time.Duration {
	if started := task.StartedAt(); !started.IsZero() {
		return time.Since(started)
	}
	return time.Since(task.CreatedAt())
}

// IsRunning reports whether the engine accepts new tasks.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// SubmitTask registers task with the given priority and returns the future
// for its outcome. The future fails immediately when the engine is shut
// down, the task is not PENDING, its id is already in flight or the queue is
// full. A rejected submission leaves the task CANCELLED.
//
// The future completes exactly once: with the worker's result on success,
// with the failure cause, with core.ErrTaskTimeout or core.ErrTaskCancelled.
// Retries do not complete it.
func (e *Engine) SubmitTask(task *core.Task, priority int) *core.Future {
	if task == nil {
		return core.FailedFuture(fmt.Errorf("%w: nil task", core.ErrValidation))
	}
	if !e.IsRunning() {
		return core.FailedFuture(core.ErrNotRunning)
	}
	if status := task.Status(); status != core.TaskStatusPending {
		return core.FailedFuture(fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, task.ID(), status))
	}
	if _, queued := e.queue.Get(task.ID()); queued {
		return core.FailedFuture(fmt.Errorf("%w: %s", core.ErrDuplicateTask, task.ID()))
	}
	if !e.lifecycle.StartTracking(task) {
		return core.FailedFuture(fmt.Errorf("%w: %s", core.ErrDuplicateTask, task.ID()))
	}

	fut := e.callbacks.RegisterCallback(task, task.Callback(), task.Timeout())

	if !e.queue.Submit(task, priority) {
		err := core.ErrQueueFull
		if !e.IsRunning() {
			err = core.ErrNotRunning
		}
		e.lifecycle.UpdateStatus(task.ID(), core.TaskStatusCancelled)
		e.callbacks.ExecuteFailureCallback(task.ID(), err)
		e.logger.Warn("Task submission rejected", "task_id", task.ID(), "task_type", task.Type(), "error", err)
		return fut
	}

	e.reportQueueDepth()

	e.logger.Debug("Task submitted", "task_id", task.ID(), "task_type", task.Type(), "priority", priority)

	return fut
}

// SubmitTaskDefault submits task with Config.DefaultPriority.
func (e *Engine) SubmitTaskDefault(task *core.Task) *core.Future {
	return e.SubmitTask(task, e.config.DefaultPriority)
}

// PollTask returns the most urgent pending task, now PROCESSING, or nil.
func (e *Engine) PollTask() *core.Task {
	if !e.IsRunning() {
		return nil
	}
	t := e.queue.Poll()
	if t != nil {
		e.reportQueueDepth()
	}
	return t
}

// TakeTask waits up to timeout for a pending task. It returns nil on
// timeout, when ctx is done or once the engine is shut down.
func (e *Engine) TakeTask(ctx context.Context, timeout time.Duration) *core.Task {
	if !e.IsRunning() {
		return nil
	}
	t := e.queue.Take(ctx, timeout)
	if t != nil {
		e.reportQueueDepth()
	}
	return t
}

// CompleteTask finishes task id successfully. A nil result is replaced by an
// empty success result. It returns false if the task is not in flight.
func (e *Engine) CompleteTask(id string, result *core.Result) bool {
	if result == nil {
		task, ok := e.queue.Get(id)
		if !ok {
			return false
		}
		result = core.NewSuccessResult(elapsed(task), nil)
	}
	return e.queue.Complete(id, result)
}

// FailTask finishes task id as FAILED without retrying it.
func (e *Engine) FailTask(id string, errMsg string, cause error) bool {
	return e.queue.Fail(id, errMsg, cause)
}

// FinishTask finishes task id with a terminal status other than COMPLETED,
// e.g. MAX_ROUNDS_REACHED. The future fails with cause.
func (e *Engine) FinishTask(id string, status core.TaskStatus, errMsg string, cause error) bool {
	return e.queue.Finish(id, status, errMsg, cause)
}

// CancelTask cancels a task that has not started executing. Tasks waiting
// for a retry are PENDING as well and can be cancelled too.
func (e *Engine) CancelTask(id string) bool {
	if e.queue.Cancel(id) {
		e.reportQueueDepth()
		return true
	}

	if _, queued := e.queue.Get(id); queued {
		return false
	}
	if status, ok := e.lifecycle.Status(id); !ok || status != core.TaskStatusPending {
		return false
	}
	if !e.lifecycle.UpdateStatus(id, core.TaskStatusCancelled) {
		return false
	}
	e.callbacks.ExecuteCancelCallback(id)
	return true
}

// UpdateTaskStatus moves a tracked task to status. Transitions outside the
// state machine are rejected. Moving a queued PENDING task forward claims it
// from the queue so it can no longer be polled or cancelled. Terminal
// statuses take the task out of the queue and complete its future like the
// dedicated operations do.
func (e *Engine) UpdateTaskStatus(id string, status core.TaskStatus) bool {
	current, ok := e.lifecycle.Status(id)
	if !ok || !lifecycle.IsValidTransition(current, status) {
		return false
	}

	if !status.IsTerminal() {
		if current != core.TaskStatusPending {
			return e.lifecycle.UpdateStatus(id, status)
		}
		// A PENDING task waiting for a retry is not queued and cannot be claimed.
		if !e.queue.Claim(id, status) {
			return false
		}
		e.reportQueueDepth()
		return true
	}

	if _, queued := e.queue.Get(id); queued {
		switch status {
		case core.TaskStatusCompleted:
			task, _ := e.lifecycle.Task(id)
			return e.CompleteTask(id, task.Result())
		case core.TaskStatusCancelled:
			if current == core.TaskStatusPending {
				return e.queue.Cancel(id)
			}
			return e.queue.Finish(id, status, core.ErrTaskCancelled.Error(), core.ErrTaskCancelled)
		default:
			return e.queue.Finish(id, status, "", nil)
		}
	}

	task, _ := e.lifecycle.Task(id)
	if !e.lifecycle.UpdateStatus(id, status) {
		return false
	}
	e.settle(task, status, nil)
	return true
}

// UpdateTaskProgress forwards a progress message to the task's push callback.
func (e *Engine) UpdateTaskProgress(id string, message string) bool {
	return e.callbacks.ExecuteProgressCallback(id, message)
}

// GetTaskStatus returns the status of a tracked task.
func (e *Engine) GetTaskStatus(id string) (core.TaskStatus, bool) {
	return e.lifecycle.Status(id)
}

// GetTask returns a tracked or queued task.
func (e *Engine) GetTask(id string) (*core.Task, bool) {
	if t, ok := e.lifecycle.Task(id); ok {
		return t, true
	}
	return e.queue.Get(id)
}

// GetTaskFuture returns the pending future of task id.
func (e *Engine) GetTaskFuture(id string) (*core.Future, bool) {
	return e.callbacks.Future(id)
}

// GetTasksByStatus returns tracked tasks currently in status.
func (e *Engine) GetTasksByStatus(status core.TaskStatus) []*core.Task {
	return e.lifecycle.TasksByStatus(status)
}

// GetTasksByType returns tracked tasks of taskType.
func (e *Engine) GetTasksByType(taskType string) []*core.Task {
	return e.lifecycle.TasksByType(taskType)
}

// RegisterTaskRouter installs the router invoked on every transition of
// tasks of taskType.
func (e *Engine) RegisterTaskRouter(taskType string, r lifecycle.Router) {
	e.lifecycle.RegisterRouter(taskType, r)
}

// AddStatusListener registers a listener for every lifecycle transition.
func (e *Engine) AddStatusListener(l lifecycle.StatusListener) {
	e.lifecycle.AddStatusListener(l)
}

// AddMonitoringListener registers a listener for periodic performance reports.
func (e *Engine) AddMonitoringListener(fn monitor.Listener) {
	e.monitor.AddMonitoringListener(fn)
}

// RegisterWorkerFactory installs the factory used to create workers for
// tasks of workerType.
func (e *Engine) RegisterWorkerFactory(workerType string, f core.WorkerFactory) {
	e.subagents.RegisterFactory(workerType, f)
}

// RouteTask executes task on a pooled worker of its type. It does not change
// the task's status or complete its future; that is up to the consumer.
func (e *Engine) RouteTask(ctx context.Context, task *core.Task) *core.Future {
	priority, ok := e.queue.Priority(task.ID())
	if !ok {
		priority = e.config.DefaultPriority
	}
	return e.subagents.RouteTask(ctx, task, priority)
}

// HandleTaskError applies the retry policy to a failed execution of an
// in-flight task.
//
// A non-retryable error, or an exhausted retry budget, fails the task and
// returns a resolved future holding the failure result. Otherwise the task
// leaves the queue, its retry count is incremented, it is reset to PENDING
// and the returned future resolves once the backoff delay elapsed and the
// task was resubmitted with its original priority.
func (e *Engine) HandleTaskError(task *core.Task, err error) *core.Future {
	if err == nil {
		err = errors.New("unknown error")
	}

	id := task.ID()
	priority, queued := e.queue.Priority(id)
	if !queued {
		return core.FailedFuture(fmt.Errorf("%w: %s", core.ErrTaskNotFound, id))
	}

	fut, decision := e.subagents.Errors().HandleTaskError(task, err)
	if !decision.Retry {
		e.queue.Fail(id, err.Error(), err)
		e.logger.Warn("Task failed", "task_id", id, "task_type", task.Type(), "error_kind", decision.Kind, "attempts", decision.Attempt, "error", err)
		return fut
	}

	// The timeout sweep or a terminal update may have settled the task since
	// the lookup above. A settled task stays settled.
	if !e.queue.Remove(id) {
		e.subagents.Errors().CancelRetry(id)
		e.logger.Warn("Retry dropped, task already settled", "task_id", id, "task_type", task.Type(), "status", task.Status())
		return core.FailedFuture(fmt.Errorf("%w: %s settled before retry", core.ErrTaskNotFound, id))
	}
	task.IncrementRetry()
	if !e.lifecycle.Restart(id) {
		e.subagents.Errors().CancelRetry(id)
		rerr := fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, id, task.Status())
		e.logger.Warn("Retry dropped, task cannot restart", "task_id", id, "task_type", task.Type(), "status", task.Status())
		// No-op for a settled registration.
		e.callbacks.ExecuteFailureCallback(id, fmt.Errorf("retry: %w", err))
		return core.FailedFuture(rerr)
	}

	logging.LogRetry(e.logger, id, decision.Attempt, decision.Delay, string(decision.Kind))

	fut.Then(func(_ *core.Result, ferr error) {
		if ferr != nil {
			if e.lifecycle.UpdateStatus(id, core.TaskStatusCancelled) {
				e.callbacks.ExecuteCancelCallback(id)
			}
			return
		}
		if task.Status() != core.TaskStatusPending {
			// Cancelled while waiting for the retry.
			return
		}
		if !e.queue.Submit(task, priority) {
			e.lifecycle.UpdateStatus(id, core.TaskStatusCancelled)
			e.callbacks.ExecuteFailureCallback(id, fmt.Errorf("resubmit after retry: %w", core.ErrQueueFull))
			return
		}
		e.reportQueueDepth()
	})

	return fut
}

// reportQueueDepth feeds the per-type pending counts into the concurrency
// controller's queue-full check.
func (e *Engine) reportQueueDepth() {
	pending := e.queue.PendingByType()
	cc := e.subagents.Concurrency()
	for _, t := range e.subagents.WorkerTypes() {
		cc.ReportQueueDepth(t, pending[t])
	}
}

// IsQueueFull reports whether workerType has more pending plus active tasks
// than the configured queue capacity.
func (e *Engine) IsQueueFull(workerType string) bool {
	return e.subagents.Concurrency().IsQueueFull(workerType)
}

// SelectWorkerType picks the least loaded worker type among candidates.
func (e *Engine) SelectWorkerType(candidates []string) (string, bool) {
	return e.subagents.Concurrency().SelectOptimalType(candidates)
}

// GetSystemStatistics returns a snapshot of every component.
func (e *Engine) GetSystemStatistics() SystemStatistics {
	e.mu.RLock()
	running, startedAt := e.running, e.startedAt
	e.mu.RUnlock()

	return SystemStatistics{
		Running:        running,
		Uptime:         time.Since(startedAt),
		Queue:          e.queue.Statistics(),
		Lifecycle:      e.lifecycle.Statistics(),
		Callbacks:      e.callbacks.Statistics(),
		SubAgents:      e.subagents.Statistics(),
		PendingRetries: e.subagents.Errors().PendingRetries(),
	}
}

// GetPerformanceReport builds a performance report on demand.
func (e *Engine) GetPerformanceReport() monitor.PerformanceReport {
	return e.monitor.Report()
}

// TaskTypes returns the task types seen by the lifecycle manager, ordered by
// name.
func (e *Engine) TaskTypes() []string {
	stats := e.lifecycle.Statistics()
	out := make([]string, 0, len(stats.PerType))
	for t := range stats.PerType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops intake, shuts down the sub-agent manager (destroying every
// worker and cancelling pending retries), cancels every outstanding future
// and stops the periodic sweeps. Calling it again is a no-op.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()

		e.queue.Close()
		e.subagents.Shutdown()
		e.callbacks.Shutdown()
		e.monitor.Stop()
		e.lifecycle.Close()

		e.logger.Info("Task engine stopped", "uptime", time.Since(e.startedAt))
	})
}
