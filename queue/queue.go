// Package queue implements the priority task queue: a submission heap plus a
// registry of every task that has been submitted and not yet finished.
//
// Ordering is priority ascending (lower is more urgent) and strict FIFO by
// submission time within one priority band. There is no aging across bands,
// so a sustained stream of urgent tasks can starve less urgent ones.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// StatusFunc applies a status change to a task and reports whether it was
// accepted. The integrated system routes this through the lifecycle manager.
type StatusFunc func(task *core.Task, status core.TaskStatus) bool

// SetStatusDirect is the default StatusFunc. It refuses to move a task out
// of a terminal status.
func SetStatusDirect(task *core.Task, status core.TaskStatus) bool {
	if task.Status().IsTerminal() {
		return false
	}
	task.SetStatus(status)
	return true
}

// Options configures a Queue.
type Options struct {
	// Capacity bounds the number of registered tasks. Zero means unbounded.
	Capacity int
	// SweepInterval is the period of the timeout sweep.
	SweepInterval time.Duration
	// SetStatus applies status changes. Defaults to SetStatusDirect.
	SetStatus StatusFunc
	// OnComplete is invoked after a task was completed and deregistered.
	OnComplete func(task *core.Task, result *core.Result)
	// OnFail is invoked after a task failed and was deregistered.
	OnFail func(task *core.Task, errMsg string, cause error)
	// OnTimeout is invoked after the sweep expired a task.
	OnTimeout func(task *core.Task)
	// OnCancel is invoked after a pending task was cancelled.
	OnCancel func(task *core.Task)
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are applied before option functions run.
var DefaultOptions = Options{
	Capacity:      1000,
	SweepInterval: time.Second,
}

// Statistics are monotonic counters plus current sizes.
type Statistics struct {
	Submitted  uint64            `json:"submitted"`
	Rejected   uint64            `json:"rejected"`
	Completed  uint64            `json:"completed"`
	Failed     uint64            `json:"failed"`
	TimedOut   uint64            `json:"timed_out"`
	Cancelled  uint64            `json:"cancelled"`
	PerType    map[string]uint64 `json:"per_type"`
	Pending    int               `json:"pending"`
	Registered int               `json:"registered"`
	Capacity   int               `json:"capacity"`
}

// Queue is a priority-ordered task queue with a registry of in-flight tasks.
// A single reader/writer lock guards the heap, registry and counters.
type Queue struct {
	opts Options

	mu       sync.RWMutex
	pending  taskHeap
	queued   map[string]*wrapper
	registry map[string]*core.Task
	prio     map[string]int
	seq      uint64
	notify   chan struct{}
	stats    Statistics
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue and starts its timeout sweep.
func New(optFns ...func(o *Options)) *Queue {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SetStatus == nil {
		opts.SetStatus = SetStatusDirect
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions.SweepInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	q := &Queue{
		opts:     opts,
		queued:   make(map[string]*wrapper),
		registry: make(map[string]*core.Task),
		prio:     make(map[string]int),
		notify:   make(chan struct{}),
		stats:    Statistics{PerType: make(map[string]uint64), Capacity: opts.Capacity},
		stop:     make(chan struct{}),
	}

	q.wg.Add(1)
	go q.sweepLoop()

	return q
}

// Submit enqueues and registers task with the given priority. It returns
// false when the queue is closed, at capacity, or the id is already registered.
func (q *Queue) Submit(task *core.Task, priority int) bool {
	if task == nil {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.stats.Rejected++
		q.mu.Unlock()
		return false
	}
	if _, exists := q.registry[task.ID()]; exists {
		q.stats.Rejected++
		q.mu.Unlock()
		q.opts.Logger.Warn("Rejected duplicate task", "task_id", task.ID())
		return false
	}
	if q.opts.Capacity > 0 && len(q.registry) >= q.opts.Capacity {
		q.stats.Rejected++
		q.mu.Unlock()
		q.opts.Logger.Warn("Rejected task, queue is full", "task_id", task.ID(), "capacity", q.opts.Capacity)
		return false
	}

	q.seq++
	w := &wrapper{task: task, priority: priority, submittedAt: time.Now(), seq: q.seq}
	heap.Push(&q.pending, w)
	q.queued[task.ID()] = w
	q.registry[task.ID()] = task
	q.prio[task.ID()] = priority
	q.stats.Submitted++
	q.stats.PerType[task.Type()]++

	q.wakeLocked()
	q.mu.Unlock()

	if task.Status() != core.TaskStatusPending {
		q.opts.SetStatus(task, core.TaskStatusPending)
	}

	q.opts.Logger.Debug("Task submitted", "task_id", task.ID(), "task_type", task.Type(), "priority", priority)

	return true
}

// Poll pops the most urgent pending task and marks it PROCESSING. It returns
// nil when nothing is pending.
func (q *Queue) Poll() *core.Task {
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 {
			q.mu.Unlock()
			return nil
		}
		w := heap.Pop(&q.pending).(*wrapper)
		delete(q.queued, w.task.ID())
		q.mu.Unlock()

		if q.opts.SetStatus(w.task, core.TaskStatusProcessing) {
			return w.task
		}

		// The sweep expired the task between pop and status change.
		if !q.isRegistered(w.task.ID()) {
			continue
		}
		q.opts.Logger.Warn("Polled task refused PROCESSING", "task_id", w.task.ID(), "status", w.task.Status())
		return w.task
	}
}

// Take waits up to timeout for a task to become available. A non-positive
// timeout behaves like Poll.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) *core.Task {
	if timeout <= 0 {
		return q.Poll()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.RLock()
		wait := q.notify
		closed := q.closed
		q.mu.RUnlock()

		if t := q.Poll(); t != nil {
			return t
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return q.Poll()
		case <-q.stop:
			return nil
		case <-wait:
		}
	}
}

// Complete deregisters task id with a terminal COMPLETED status and invokes
// OnComplete. It returns false when the id is not registered.
func (q *Queue) Complete(id string, result *core.Result) bool {
	task, ok := q.remove(id)
	if !ok {
		return false
	}

	task.SetResult(result)
	q.opts.SetStatus(task, core.TaskStatusCompleted)

	q.mu.Lock()
	q.stats.Completed++
	q.mu.Unlock()

	if q.opts.OnComplete != nil {
		q.invoke("complete", task, func() { q.opts.OnComplete(task, result) })
	}

	return true
}

// Fail deregisters task id with a terminal FAILED status and invokes OnFail.
func (q *Queue) Fail(id string, errMsg string, cause error) bool {
	return q.finish(id, core.TaskStatusFailed, errMsg, cause)
}

// Finish deregisters task id with an arbitrary terminal status other than
// COMPLETED (e.g. MAX_ROUNDS_REACHED). It is reported through OnFail.
func (q *Queue) Finish(id string, status core.TaskStatus, errMsg string, cause error) bool {
	if !status.IsTerminal() || status == core.TaskStatusCompleted {
		return false
	}
	return q.finish(id, status, errMsg, cause)
}

func (q *Queue) finish(id string, status core.TaskStatus, errMsg string, cause error) bool {
	task, ok := q.remove(id)
	if !ok {
		return false
	}

	task.SetErrorMessage(errMsg)
	q.opts.SetStatus(task, status)

	q.mu.Lock()
	q.stats.Failed++
	q.mu.Unlock()

	if q.opts.OnFail != nil {
		q.invoke("fail", task, func() { q.opts.OnFail(task, errMsg, cause) })
	}

	return true
}

// Cancel removes a task that is still PENDING and marks it CANCELLED. Tasks
// that have already been polled cannot be cancelled.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	w, ok := q.queued[id]
	if !ok || w.task.Status() != core.TaskStatusPending {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.pending, w.index)
	delete(q.queued, id)
	delete(q.registry, id)
	delete(q.prio, id)
	q.stats.Cancelled++
	q.mu.Unlock()

	q.opts.SetStatus(w.task, core.TaskStatusCancelled)

	if q.opts.OnCancel != nil {
		q.invoke("cancel", w.task, func() { q.opts.OnCancel(w.task) })
	}

	return true
}

// Claim takes the pending task id out of the heap and moves it to status,
// the way Poll does for the head of the queue. The task stays registered.
// If the status change is refused, the task keeps its place in the heap.
func (q *Queue) Claim(id string, status core.TaskStatus) bool {
	q.mu.Lock()
	w, ok := q.queued[id]
	if !ok || w.task.Status() != core.TaskStatusPending {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.pending, w.index)
	delete(q.queued, id)
	q.mu.Unlock()

	if q.opts.SetStatus(w.task, status) {
		return true
	}

	q.mu.Lock()
	if _, registered := q.registry[id]; registered && w.task.Status() == core.TaskStatusPending {
		heap.Push(&q.pending, w)
		q.queued[id] = w
		q.wakeLocked()
	}
	q.mu.Unlock()

	return false
}

// wakeLocked releases every blocked Take. q.mu must be held.
func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Remove deregisters a task without a terminal transition or callback. It is
// used to take a failed attempt out of the registry before a retry.
func (q *Queue) Remove(id string) bool {
	_, ok := q.remove(id)
	return ok
}

func (q *Queue) remove(id string) (*core.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.registry[id]
	if !ok {
		return nil, false
	}
	if w, queued := q.queued[id]; queued {
		heap.Remove(&q.pending, w.index)
		delete(q.queued, id)
	}
	delete(q.registry, id)
	delete(q.prio, id)

	return task, true
}

// invoke runs a queue-level callback and logs a panic instead of letting it
// abort the calling operation or sweep.
func (q *Queue) invoke(kind string, task *core.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.opts.Logger.Error("Queue callback panicked", "callback", kind, "task_id", task.ID(), "panic", r)
		}
	}()
	fn()
}

func (q *Queue) isRegistered(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.registry[id]
	return ok
}

// Get returns a registered task.
func (q *Queue) Get(id string) (*core.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.registry[id]
	return t, ok
}

// Priority returns the priority a registered task was submitted with.
func (q *Queue) Priority(id string) (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.prio[id]
	return p, ok
}

// Tasks returns every registered task.
func (q *Queue) Tasks() []*core.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*core.Task, 0, len(q.registry))
	for _, t := range q.registry {
		out = append(out, t)
	}
	return out
}

// Size returns the number of pending (not yet polled) tasks.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pending.Len()
}

// PendingByType counts pending tasks per type.
func (q *Queue) PendingByType() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]int)
	for _, w := range q.pending {
		out[w.task.Type()]++
	}
	return out
}

// Statistics returns a copy of the queue counters.
func (q *Queue) Statistics() Statistics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := q.stats
	s.PerType = make(map[string]uint64, len(q.stats.PerType))
	for k, v := range q.stats.PerType {
		s.PerType[k] = v
	}
	s.Pending = q.pending.Len()
	s.Registered = len(q.registry)

	return s
}

// Close stops the sweep and rejects further submissions. Blocked Take calls
// return nil. Registered tasks are left untouched.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case now := <-ticker.C:
			q.SweepTimeouts(now)
		}
	}
}

// SweepTimeouts expires every registered task whose age at now exceeds its
// timeout and returns how many were expired. It runs on the sweep goroutine
// and is exported for deterministic tests.
func (q *Queue) SweepTimeouts(now time.Time) int {
	q.mu.Lock()
	var expired []*core.Task
	for id, task := range q.registry {
		if !task.IsExpired(now) {
			continue
		}
		if w, queued := q.queued[id]; queued {
			heap.Remove(&q.pending, w.index)
			delete(q.queued, id)
		}
		delete(q.registry, id)
		delete(q.prio, id)
		q.stats.TimedOut++
		expired = append(expired, task)
	}
	q.mu.Unlock()

	for _, task := range expired {
		task.SetErrorMessage(core.ErrTaskTimeout.Error())
		q.opts.SetStatus(task, core.TaskStatusTimeout)
		q.opts.Logger.Warn("Task timed out", "task_id", task.ID(), "task_type", task.Type(), "timeout", task.Timeout())

		if q.opts.OnTimeout != nil {
			q.invoke("timeout", task, func() { q.opts.OnTimeout(task) })
		}
	}

	return len(expired)
}
