// Package callback bridges task ids to async result handles and optional
// push-style callbacks.
//
// Every registration is completed at most once: the first of success,
// failure, timeout or cancellation removes it, completes its core.Future and
// schedules the push callback on a bounded executor. Later completions find
// no registration and are no-ops. Progress notifications leave the
// registration in place.
package callback

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures a Manager.
type Options struct {
	// ExecutorSize is the number of goroutines running push callbacks.
	// Callbacks of one task always run in order on the same goroutine.
	ExecutorSize int
	// SweepInterval is the period of the expiry sweep that backs up the
	// per-registration timers.
	SweepInterval time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are applied before option functions run.
var DefaultOptions = Options{
	ExecutorSize:  8,
	SweepInterval: 5 * time.Second,
}

// Statistics counts how registrations were completed.
type Statistics struct {
	Registered uint64 `json:"registered"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Cancelled  uint64 `json:"cancelled"`
	Progress   uint64 `json:"progress"`
	Pending    int    `json:"pending"`
}

type registration struct {
	taskID       string
	task         *core.Task
	callback     core.TaskCallback
	future       *core.Future
	timeout      time.Duration
	registeredAt time.Time
	timer        *time.Timer
}

func (r *registration) expired(now time.Time) bool {
	return r.timeout > 0 && now.Sub(r.registeredAt) >= r.timeout
}

// Manager owns the registrations. A single lock guards the registration map;
// futures are completed and callbacks dispatched after it is released.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	regs   map[string]*registration
	stats  Statistics
	closed bool

	exec *executor

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Manager and starts its expiry sweep.
func New(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ExecutorSize <= 0 {
		opts.ExecutorSize = DefaultOptions.ExecutorSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions.SweepInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	m := &Manager{
		opts: opts,
		regs: make(map[string]*registration),
		exec: newExecutor(opts.ExecutorSize, opts.Logger),
		stop: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// RegisterCallback creates the async handle for task and attaches an
// optional push callback. A positive timeout schedules a timeout completion.
// Registering an id that is still pending returns the existing handle.
func (m *Manager) RegisterCallback(task *core.Task, cb core.TaskCallback, timeout time.Duration) *core.Future {
	return m.register(task.ID(), task, cb, timeout)
}

// CreateFuture creates an async handle for id without a push callback.
func (m *Manager) CreateFuture(id string, timeout time.Duration) *core.Future {
	return m.register(id, nil, nil, timeout)
}

func (m *Manager) register(id string, task *core.Task, cb core.TaskCallback, timeout time.Duration) *core.Future {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return core.FailedFuture(core.ErrNotRunning)
	}
	if existing, ok := m.regs[id]; ok {
		m.opts.Logger.Warn("Callback already registered", "task_id", id)
		return existing.future
	}

	reg := &registration{
		taskID:       id,
		task:         task,
		callback:     cb,
		future:       core.NewFuture(),
		timeout:      timeout,
		registeredAt: time.Now(),
	}
	if timeout > 0 {
		reg.timer = time.AfterFunc(timeout, func() { m.ExecuteTimeoutCallback(id) })
	}
	m.regs[id] = reg
	m.stats.Registered++

	return reg.future
}

// Future returns the pending async handle of id.
func (m *Manager) Future(id string) (*core.Future, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[id]
	if !ok {
		return nil, false
	}
	return reg.future, true
}

// HasCallback reports whether id has a pending registration.
func (m *Manager) HasCallback(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.regs[id]
	return ok
}

// PendingCount returns the number of pending registrations.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs)
}

// Statistics returns a copy of the counters.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Pending = len(m.regs)
	return s
}

// ExecuteSuccessCallback resolves the handle of id with result. It returns
// false if id has no pending registration.
func (m *Manager) ExecuteSuccessCallback(id string, result *core.Result) bool {
	reg := m.take(id, func(s *Statistics) { s.Succeeded++ })
	if reg == nil {
		return false
	}
	reg.future.Resolve(result)
	if reg.callback != nil {
		m.dispatch("success", id, func() { reg.callback.OnSuccess(reg.task, result) })
	}
	return true
}

// ExecuteFailureCallback rejects the handle of id with err.
func (m *Manager) ExecuteFailureCallback(id string, err error) bool {
	reg := m.take(id, func(s *Statistics) { s.Failed++ })
	if reg == nil {
		return false
	}
	reg.future.Reject(err)
	if reg.callback != nil {
		m.dispatch("failure", id, func() { reg.callback.OnFailure(reg.task, err) })
	}
	return true
}

// ExecuteTimeoutCallback completes the handle of id as timed out.
func (m *Manager) ExecuteTimeoutCallback(id string) bool {
	reg := m.take(id, func(s *Statistics) { s.TimedOut++ })
	if reg == nil {
		return false
	}
	reg.future.Timeout()
	m.opts.Logger.Debug("Callback timed out", "task_id", id, "timeout", reg.timeout)
	if reg.callback != nil {
		m.dispatch("timeout", id, func() { reg.callback.OnTimeout(reg.task) })
	}
	return true
}

// ExecuteCancelCallback completes the handle of id as cancelled.
func (m *Manager) ExecuteCancelCallback(id string) bool {
	reg := m.take(id, func(s *Statistics) { s.Cancelled++ })
	if reg == nil {
		return false
	}
	reg.future.Cancel()
	if reg.callback != nil {
		m.dispatch("cancel", id, func() { reg.callback.OnCancel(reg.task) })
	}
	return true
}

// ExecuteProgressCallback forwards a progress message to the push callback
// of id without completing the registration.
func (m *Manager) ExecuteProgressCallback(id string, message string) bool {
	m.mu.Lock()
	reg, ok := m.regs[id]
	if ok {
		m.stats.Progress++
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if reg.callback != nil {
		m.dispatch("progress", id, func() { reg.callback.OnProgress(reg.task, message) })
	}
	return true
}

// SweepExpired times out every registration whose age at now exceeds its
// timeout. It is driven by the sweep goroutine and exported for tests.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.RLock()
	var ids []string
	for id, reg := range m.regs {
		if reg.expired(now) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.ExecuteTimeoutCallback(id) {
			n++
		}
	}
	return n
}

// Shutdown stops the sweep, cancels every pending registration and waits for
// dispatched callbacks to return. Further registrations fail with
// core.ErrNotRunning.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.regs))
	for id := range m.regs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	for _, id := range ids {
		m.ExecuteCancelCallback(id)
	}

	m.exec.close()
}

func (m *Manager) take(id string, count func(s *Statistics)) *registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return nil
	}
	delete(m.regs, id)
	if reg.timer != nil {
		reg.timer.Stop()
	}
	count(&m.stats)

	return reg
}

// dispatch hands fn to the executor. Callbacks arriving after Shutdown
// drained the executor are dropped.
func (m *Manager) dispatch(kind, id string, fn func()) {
	if !m.exec.submit(job{kind: kind, id: id, fn: fn}) {
		m.opts.Logger.Debug("Dropped callback after shutdown", "callback", kind, "task_id", id)
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if n := m.SweepExpired(now); n > 0 {
				m.opts.Logger.Debug("Swept expired callbacks", "count", n)
			}
		}
	}
}
