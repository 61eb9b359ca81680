package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Engine is the part of engine.Engine a Runner consumes.
type Engine interface {
	TakeTask(ctx context.Context, timeout time.Duration) *core.Task
	UpdateTaskStatus(id string, status core.TaskStatus) bool
	RouteTask(ctx context.Context, task *core.Task) *core.Future
	CompleteTask(id string, result *core.Result) bool
	FinishTask(id string, status core.TaskStatus, errMsg string, cause error) bool
	HandleTaskError(task *core.Task, err error) *core.Future
}

// Options holds configuration overrides passed to New().
type Options struct {
	// Workers is the number of consumer goroutines.
	Workers int
	// PollTimeout bounds each blocking take so Stop is observed promptly.
	PollTimeout time.Duration
	// Logging services.
	Logger logging.Logger
}

// Statistics counts what the consumers did.
type Statistics struct {
	Taken     uint64 `json:"taken"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	MaxRounds uint64 `json:"max_rounds"`
	Skipped   uint64 `json:"skipped"`
}

// Runner drives tasks from the engine's queue through the sub-agent
// manager: take, mark EXECUTING, route to a worker, then complete, finish
// with MAX_ROUNDS_REACHED or hand the error to the retry policy. Public
// methods are safe for concurrent use.
type Runner struct {
	engine      Engine
	workers     int
	pollTimeout time.Duration
	logger      logging.Logger

	taken     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	maxRounds atomic.Uint64
	skipped   atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New constructs a Runner with optional overrides.
func New(e Engine, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Workers:     4,
		PollTimeout: 500 * time.Millisecond,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}

	return &Runner{
		engine:      e,
		workers:     opts.Workers,
		pollTimeout: opts.PollTimeout,
		logger:      logging.OrNoOp(opts.Logger),
	}
}

// Start launches the consumer goroutines. They run until ctx is done or
// Stop is called. Starting a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.loop(ctx, i)
	}

	r.logger.Info("Runner started", "workers", r.workers)
}

// Stop cancels the consumers and waits for them to return. Tasks whose
// execution was interrupted go through the retry policy.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.logger.Info("Runner stopped", "taken", r.taken.Load())
}

// Statistics returns the consumer counters.
func (r *Runner) Statistics() Statistics {
	return Statistics{
		Taken:     r.taken.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		MaxRounds: r.maxRounds.Load(),
		Skipped:   r.skipped.Load(),
	}
}

func (r *Runner) loop(ctx context.Context, worker int) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := r.engine.TakeTask(ctx, r.pollTimeout)
		if task == nil {
			continue
		}
		r.taken.Add(1)

		r.Process(ctx, task)
		r.logger.Debug("Consumer finished task", "consumer", worker, "task_id", task.ID())
	}
}

// Process executes one task that has been taken from the queue.
func (r *Runner) Process(ctx context.Context, task *core.Task) {
	id := task.ID()

	if !r.engine.UpdateTaskStatus(id, core.TaskStatusExecuting) {
		// Expired or cancelled between take and execution.
		r.skipped.Add(1)
		r.logger.Warn("Task could not start executing", "task_id", id, "status", task.Status())
		return
	}

	result, err := r.engine.RouteTask(ctx, task).Await(ctx)
	if err == nil && result != nil && !result.Success() {
		err = fmt.Errorf("worker reported failure: %s", result.Error())
	}

	switch {
	case err == nil:
		if r.engine.CompleteTask(id, result) {
			r.completed.Add(1)
		}
	case errors.Is(err, core.ErrMaxRoundsReached):
		if r.engine.FinishTask(id, core.TaskStatusMaxRoundsReached, err.Error(), err) {
			r.maxRounds.Add(1)
		}
	default:
		r.failed.Add(1)
		r.engine.HandleTaskError(task, err)
	}
}
