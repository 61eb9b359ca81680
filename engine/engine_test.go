package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/callback"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/lifecycle"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/subagent"
)

func newTestEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Config.QueueSweepInterval = 10 * time.Millisecond
		o.Config.CallbackSweepInterval = 10 * time.Millisecond
		o.Config.RetryPolicy = subagent.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	}}, optFns...)
	e := New(fns...)
	t.Cleanup(e.Shutdown)
	return e
}

func await(t *testing.T, fut *core.Future) (*core.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := fut.Await(ctx)
	require.NoError(t, ctx.Err(), "future did not complete")
	return r, err
}

// process plays the consumer side for one task: take, execute, then complete
// or hand the error to the retry policy.
func process(t *testing.T, e *Engine) (*core.Task, *core.Future) {
	t.Helper()

	task := e.TakeTask(context.Background(), time.Second)
	require.NotNil(t, task, "no task available")
	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusExecuting))

	r, err := await(t, e.RouteTask(context.Background(), task))
	if err != nil {
		return task, e.HandleTaskError(task, err)
	}
	require.True(t, e.CompleteTask(task.ID(), r))
	return task, nil
}

func TestEngine_RoundTrip(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", testutil.Succeed(map[string]any{"found": "diamonds"})))

	var succeeded atomic.Int32
	task := testutil.NewTaskBuilder("search").
		Param("q", "diamonds").
		Callback(&callback.Funcs{Success: func(*core.Task, *core.Result) { succeeded.Add(1) }}).
		Build()

	fut := e.SubmitTask(task, 1)
	status, ok := e.GetTaskStatus(task.ID())
	require.True(t, ok)
	assert.Equal(t, core.TaskStatusPending, status)

	pending, ok := e.GetTaskFuture(task.ID())
	require.True(t, ok)
	assert.Same(t, fut, pending)

	got, _ := process(t, e)
	assert.Same(t, task, got)

	r, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, r.Success())
	assert.Equal(t, "diamonds", r.Metadata()["found"])
	assert.Same(t, r, task.Result())

	assert.Eventually(t, func() bool { return succeeded.Load() == 1 }, time.Second, 5*time.Millisecond)

	var path []core.TaskStatus
	for _, tr := range e.lifecycle.History(task.ID()) {
		path = append(path, tr.To)
	}
	assert.Equal(t, []core.TaskStatus{
		core.TaskStatusPending,
		core.TaskStatusProcessing,
		core.TaskStatusExecuting,
		core.TaskStatusCompleted,
	}, path)

	stats := e.GetSystemStatistics()
	assert.True(t, stats.Running)
	assert.EqualValues(t, 1, stats.Queue.Completed)
	assert.EqualValues(t, 1, stats.Callbacks.Succeeded)
	assert.EqualValues(t, 1, stats.SubAgents.Succeeded)
	assert.Equal(t, 0, stats.Queue.Registered)

	report := e.GetPerformanceReport()
	assert.EqualValues(t, 1, report.Succeeded)
	assert.InDelta(t, 1.0, report.SuccessRate, 1e-9)
}

func TestEngine_PriorityOrdering(t *testing.T) {
	e := newTestEngine(t)

	low := core.NewTask("search")
	urgent := core.NewTask("search")
	urgentToo := core.NewTask("search")

	e.SubmitTask(low, 9)
	e.SubmitTask(urgent, 1)
	e.SubmitTask(urgentToo, 1)
	e.SubmitTaskDefault(core.NewTask("search"))

	assert.Same(t, urgent, e.PollTask())
	assert.Same(t, urgentToo, e.PollTask())
	def := e.PollTask()
	require.NotNil(t, def)
	p, _ := e.queue.Priority(def.ID())
	assert.Equal(t, DefaultConfig.DefaultPriority, p)
	assert.Same(t, low, e.PollTask())
	assert.Nil(t, e.PollTask())
}

func TestEngine_SubmitRejections(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.Config.QueueCapacity = 1 })

	first := core.NewTask("search")
	_ = e.SubmitTask(first, 1)

	_, err := await(t, e.SubmitTask(first, 1))
	assert.ErrorIs(t, err, core.ErrDuplicateTask)

	overflow := core.NewTask("search")
	_, err = await(t, e.SubmitTask(overflow, 1))
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, core.TaskStatusCancelled, overflow.Status())

	_, err = await(t, e.SubmitTask(overflow, 1))
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = await(t, e.SubmitTask(nil, 1))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEngine_CancelOnlyWhilePending(t *testing.T) {
	e := newTestEngine(t)

	var cancelled atomic.Int32
	task := testutil.NewTaskBuilder("search").
		Callback(&callback.Funcs{Cancel: func(*core.Task) { cancelled.Add(1) }}).
		Build()
	fut := e.SubmitTask(task, 1)

	assert.True(t, e.CancelTask(task.ID()))
	assert.False(t, e.CancelTask(task.ID()))

	_, err := await(t, fut)
	assert.ErrorIs(t, err, core.ErrTaskCancelled)
	assert.Equal(t, core.FutureCancelled, fut.State())
	assert.Equal(t, core.TaskStatusCancelled, task.Status())
	assert.Eventually(t, func() bool { return cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)

	polled := core.NewTask("search")
	e.SubmitTask(polled, 1)
	require.Same(t, polled, e.PollTask())
	assert.False(t, e.CancelTask(polled.ID()))
	assert.Equal(t, core.TaskStatusProcessing, polled.Status())
}

func TestEngine_TimeoutSweep(t *testing.T) {
	e := newTestEngine(t)

	var timedOut atomic.Int32
	task := testutil.NewTaskBuilder("search").
		Timeout(30 * time.Millisecond).
		Callback(&callback.Funcs{Timeout: func(*core.Task) { timedOut.Add(1) }}).
		Build()

	fut := e.SubmitTask(task, 1)

	_, err := await(t, fut)
	assert.ErrorIs(t, err, core.ErrTaskTimeout)
	assert.Equal(t, core.FutureTimedOut, fut.State())

	assert.Eventually(t, func() bool { return task.Status() == core.TaskStatusTimeout }, time.Second, 5*time.Millisecond)
	assert.Nil(t, e.PollTask())

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, timedOut.Load(), "timeout callback must fire exactly once")
}

func TestEngine_RetryKeepsTheSameFuture(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", func(context.Context, *core.Task) (*core.Result, error) {
		if calls.Add(1) == 1 {
			return nil, core.NewTaskError("network", errors.New("connection reset"))
		}
		return core.NewSuccessResult(time.Millisecond, map[string]any{"answer": 42}), nil
	}))

	task := core.NewTask("search")
	fut := e.SubmitTask(task, 2)

	_, retry := process(t, e)
	require.NotNil(t, retry)
	_, err := await(t, retry)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount())
	assert.False(t, fut.IsDone())

	process(t, e)

	r, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, 42, r.Metadata()["answer"])

	var restarted bool
	for _, tr := range e.lifecycle.History(task.ID()) {
		if tr.From == core.TaskStatusExecuting && tr.To == core.TaskStatusPending {
			restarted = true
		}
	}
	assert.True(t, restarted)
	assert.EqualValues(t, 2, e.GetSystemStatistics().Queue.Submitted)
}

func TestEngine_TerminalErrorFailsTask(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", testutil.Fail(fmt.Errorf("empty prompt: %w", core.ErrValidation))))

	var failures atomic.Int32
	task := testutil.NewTaskBuilder("search").
		Callback(&callback.Funcs{Failure: func(*core.Task, error) { failures.Add(1) }}).
		Build()
	fut := e.SubmitTask(task, 1)

	_, handled := process(t, e)
	r, err := await(t, handled)
	require.NoError(t, err)
	assert.False(t, r.Success())
	assert.Equal(t, "VALIDATION", r.Metadata()["error_kind"])

	_, err = await(t, fut)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.TaskStatusFailed, task.Status())
	assert.Equal(t, 0, task.RetryCount())
	assert.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	e := newTestEngine(t)
	netErr := core.NewTaskError("network", errors.New("connection refused"))
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", testutil.Fail(netErr)))

	task := core.NewTask("search")
	fut := e.SubmitTask(task, 1)

	for attempt := 0; attempt < 2; attempt++ {
		_, retry := process(t, e)
		_, err := await(t, retry)
		require.NoError(t, err)
	}
	process(t, e)

	_, err := await(t, fut)
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 2, task.RetryCount())
	assert.Equal(t, core.TaskStatusFailed, task.Status())
}

// hookLogger runs onInfo for every info message.
type hookLogger struct {
	logging.NoOpLogger
	onInfo func(msg string)
}

func (l hookLogger) Info(msg string, _ ...any) { l.onInfo(msg) }

func TestEngine_TimeoutDuringRetryStaysTerminal(t *testing.T) {
	var (
		e     *Engine
		swept atomic.Bool
	)
	errs := subagent.NewErrorHandler(func(o *subagent.ErrorHandlerOptions) {
		o.Policy = subagent.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
		// Expire the task after the retry was scheduled but before the
		// engine takes it out of the queue.
		o.Logger = hookLogger{onInfo: func(msg string) {
			if msg == "Retry scheduled" && swept.CompareAndSwap(false, true) {
				e.queue.SweepTimeouts(time.Now().Add(time.Hour))
			}
		}}
	})
	e = newTestEngine(t, func(o *Options) {
		o.SubAgents = subagent.NewManager(func(o *subagent.ManagerOptions) { o.Errors = errs })
	})
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", testutil.Fail(core.NewTaskError("network", errors.New("reset")))))

	var timeouts atomic.Int32
	e.AddStatusListener(lifecycle.StatusListenerFunc(func(_ *core.Task, _, to core.TaskStatus) {
		if to == core.TaskStatusTimeout {
			timeouts.Add(1)
		}
	}))

	task := testutil.NewTaskBuilder("search").Timeout(time.Minute).Build()
	fut := e.SubmitTask(task, 1)

	_, retry := process(t, e)
	require.True(t, swept.Load())

	_, err := await(t, retry)
	assert.ErrorIs(t, err, core.ErrTaskNotFound)

	_, err = await(t, fut)
	assert.ErrorIs(t, err, core.ErrTaskTimeout)
	assert.Equal(t, core.TaskStatusTimeout, task.Status())
	assert.Equal(t, 0, e.GetSystemStatistics().PendingRetries)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, core.TaskStatusTimeout, task.Status())
	assert.Equal(t, 0, e.queue.Size())
	assert.Equal(t, 0, task.RetryCount())
	assert.EqualValues(t, 1, timeouts.Load())
}

func TestEngine_CancelWhileWaitingForRetry(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.Config.RetryPolicy = subagent.RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	})
	e.RegisterWorkerFactory("search", testutil.NewFakeFactory("search", testutil.Fail(core.ErrTaskTimeout)))

	task := core.NewTask("search")
	fut := e.SubmitTask(task, 1)
	process(t, e)

	assert.Equal(t, core.TaskStatusPending, task.Status())
	assert.True(t, e.CancelTask(task.ID()))

	_, err := await(t, fut)
	assert.ErrorIs(t, err, core.ErrTaskCancelled)
	assert.Equal(t, core.TaskStatusCancelled, task.Status())
}

func TestEngine_FinishMaxRounds(t *testing.T) {
	e := newTestEngine(t)

	task := core.NewTask("research")
	fut := e.SubmitTask(task, 1)
	require.NotNil(t, e.PollTask())
	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusExecuting))
	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusAnalyzing))

	assert.True(t, e.FinishTask(task.ID(), core.TaskStatusMaxRoundsReached, "out of rounds", nil))

	_, err := await(t, fut)
	assert.ErrorIs(t, err, core.ErrMaxRoundsReached)
	assert.Equal(t, core.TaskStatusMaxRoundsReached, task.Status())
}

func TestEngine_UpdateTaskStatus(t *testing.T) {
	e := newTestEngine(t)

	task := core.NewTask("search")
	fut := e.SubmitTask(task, 1)

	assert.False(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusExecuting), "PENDING -> EXECUTING is not allowed")
	assert.False(t, e.UpdateTaskStatus("missing", core.TaskStatusProcessing))

	require.NotNil(t, e.PollTask())
	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusExecuting))
	assert.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusCompleted))

	r, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, r.Success())
	assert.False(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusFailed), "terminal states are sinks")
}

func TestEngine_ManualProcessingClaimsTask(t *testing.T) {
	e := newTestEngine(t)

	task := core.NewTask("search")
	fut := e.SubmitTask(task, 1)

	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusProcessing))
	assert.Equal(t, core.TaskStatusProcessing, task.Status())
	assert.Equal(t, 0, e.queue.Size())

	assert.False(t, e.CancelTask(task.ID()), "PROCESSING tasks cannot be cancelled")
	assert.Equal(t, core.TaskStatusProcessing, task.Status())
	assert.False(t, fut.IsDone())
	assert.Nil(t, e.PollTask(), "claimed task must not be polled again")

	require.True(t, e.UpdateTaskStatus(task.ID(), core.TaskStatusExecuting))
	require.True(t, e.CompleteTask(task.ID(), nil))

	r, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, r.Success())
}

func TestEngine_ProgressRoutersAndQueries(t *testing.T) {
	e := newTestEngine(t)

	var (
		mu       sync.Mutex
		routed   []core.TaskStatus
		progress []string
	)
	e.RegisterTaskRouter("research", lifecycle.RouterFunc(func(_ *core.Task, _, to core.TaskStatus) error {
		mu.Lock()
		defer mu.Unlock()
		routed = append(routed, to)
		return nil
	}))

	var seen atomic.Int32
	e.AddStatusListener(lifecycle.StatusListenerFunc(func(*core.Task, core.TaskStatus, core.TaskStatus) { seen.Add(1) }))

	task := testutil.NewTaskBuilder("research").
		Callback(&callback.Funcs{Progress: func(_ *core.Task, msg string) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, msg)
		}}).
		Build()
	e.SubmitTask(task, 1)
	e.SubmitTask(core.NewTask("search"), 1)

	assert.True(t, e.UpdateTaskProgress(task.ID(), "round 1 of 3"))
	assert.False(t, e.UpdateTaskProgress("missing", "x"))

	require.Same(t, task, e.PollTask())

	assert.Len(t, e.GetTasksByType("research"), 1)
	assert.Len(t, e.GetTasksByStatus(core.TaskStatusPending), 1)
	assert.Len(t, e.GetTasksByStatus(core.TaskStatusProcessing), 1)
	assert.Equal(t, []string{"research", "search"}, e.TaskTypes())

	got, ok := e.GetTask(task.ID())
	require.True(t, ok)
	assert.Same(t, task, got)

	assert.EqualValues(t, 3, seen.Load())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.TaskStatus{core.TaskStatusPending, core.TaskStatusProcessing}, routed)
}

func TestEngine_Shutdown(t *testing.T) {
	e := New()

	pending := core.NewTask("search")
	fut := e.SubmitTask(pending, 1)

	e.Shutdown()
	e.Shutdown()

	_, err := await(t, fut)
	assert.ErrorIs(t, err, core.ErrTaskCancelled)

	_, err = await(t, e.SubmitTask(core.NewTask("search"), 1))
	assert.ErrorIs(t, err, core.ErrNotRunning)

	assert.False(t, e.IsRunning())
	assert.False(t, e.GetSystemStatistics().Running)
	assert.Nil(t, e.TakeTask(context.Background(), 50*time.Millisecond))
}
