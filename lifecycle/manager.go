// Package lifecycle enforces the task state machine, keeps a per-task
// transition history and notifies listeners and type-specific routers about
// every accepted transition.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Transition is one entry of a task's history. From is empty for the initial
// notification fired by StartTracking.
type Transition struct {
	From      core.TaskStatus `json:"from"`
	To        core.TaskStatus `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusListener observes every accepted transition of every tracked task.
type StatusListener interface {
	OnStatusChange(task *core.Task, from, to core.TaskStatus)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(task *core.Task, from, to core.TaskStatus)

// OnStatusChange calls f.
func (f StatusListenerFunc) OnStatusChange(task *core.Task, from, to core.TaskStatus) {
	f(task, from, to)
}

// Router is a type-specific hook invoked on each transition of tasks of its
// type, letting domain code react (e.g. schedule the next round of a
// multi-round task) without the core knowing what the task does.
type Router interface {
	Route(task *core.Task, from, to core.TaskStatus) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(task *core.Task, from, to core.TaskStatus) error

// Route calls f.
func (f RouterFunc) Route(task *core.Task, from, to core.TaskStatus) error { return f(task, from, to) }

// Options configures a Manager.
type Options struct {
	// RetentionWindow is how long records of terminal tasks are kept.
	RetentionWindow time.Duration
	// ReapInterval is the period of the retention reaper.
	ReapInterval time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are applied before option functions run.
var DefaultOptions = Options{
	RetentionWindow: time.Hour,
	ReapInterval:    time.Minute,
}

// Statistics summarises the manager's counters.
type Statistics struct {
	Tracked     int                        `json:"tracked"`
	Active      int                        `json:"active"`
	Transitions uint64                     `json:"transitions"`
	Rejected    uint64                     `json:"rejected"`
	PerStatus   map[core.TaskStatus]uint64 `json:"per_status"`
	PerType     map[string]uint64          `json:"per_type"`
}

type record struct {
	task       *core.Task
	history    []Transition
	terminalAt time.Time
}

// Manager tracks task lifecycles. Records, listeners and routers have
// independent locks; listeners and routers are called without any lock held.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	records map[string]*record
	stats   Statistics

	hooksMu   sync.RWMutex
	listeners []StatusListener
	routers   map[string]Router

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager and starts its reaper.
func New(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultOptions.ReapInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	m := &Manager{
		opts:    opts,
		records: make(map[string]*record),
		stats: Statistics{
			PerStatus: make(map[core.TaskStatus]uint64),
			PerType:   make(map[string]uint64),
		},
		routers: make(map[string]Router),
		stop:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.reapLoop()

	return m
}

// AddStatusListener registers a listener for all transitions.
func (m *Manager) AddStatusListener(l StatusListener) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RegisterRouter installs the router for a task type, replacing any previous one.
func (m *Manager) RegisterRouter(taskType string, r Router) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.routers[taskType] = r
}

// StartTracking registers a lifecycle record for task and fires the initial
// transition (none -> current status). It returns false if the id is already
// tracked and not yet terminal.
func (m *Manager) StartTracking(task *core.Task) bool {
	now := time.Now()

	m.mu.Lock()
	if rec, ok := m.records[task.ID()]; ok && !rec.task.Status().IsTerminal() {
		m.mu.Unlock()
		return false
	}
	status := task.Status()
	m.records[task.ID()] = &record{
		task:    task,
		history: []Transition{{To: status, Timestamp: now}},
	}
	m.stats.PerStatus[status]++
	m.stats.PerType[task.Type()]++
	m.mu.Unlock()

	m.notify(task, "", status)

	return true
}

// StopTracking discards the lifecycle record of a task.
func (m *Manager) StopTracking(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	delete(m.records, id)
	return ok
}

// UpdateStatus moves a tracked task to status if the transition is valid.
// Invalid transitions are logged and leave the task unchanged.
func (m *Manager) UpdateStatus(id string, status core.TaskStatus) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.opts.Logger.Warn("Status update for untracked task", "task_id", id, "to", status)
		return false
	}

	from := rec.task.Status()
	if !IsValidTransition(from, status) {
		m.stats.Rejected++
		m.mu.Unlock()
		logging.LogTransition(m.opts.Logger, id, string(from), string(status), false)
		return false
	}

	now := time.Now()
	rec.task.SetStatus(status)
	rec.history = append(rec.history, Transition{From: from, To: status, Timestamp: now})
	if status.IsTerminal() {
		rec.terminalAt = now
	}
	m.stats.Transitions++
	m.stats.PerStatus[status]++
	task := rec.task
	m.mu.Unlock()

	logging.LogTransition(m.opts.Logger, id, string(from), string(status), true)
	m.notify(task, from, status)

	return true
}

// Advance moves task to status, stepping through intermediate states when
// status is not directly reachable (e.g. PENDING -> COMPLETED goes through
// PROCESSING and EXECUTING). Each step is a regular validated transition.
// It reports true if the task ends up in status.
func (m *Manager) Advance(task *core.Task, status core.TaskStatus) bool {
	from := task.Status()
	if from == status {
		return true
	}
	path := pathTo(from, status)
	if path == nil {
		m.mu.Lock()
		m.stats.Rejected++
		m.mu.Unlock()
		logging.LogTransition(m.opts.Logger, task.ID(), string(from), string(status), false)
		return false
	}
	for _, s := range path {
		if !m.UpdateStatus(task.ID(), s) {
			return false
		}
	}
	return true
}

// Restart puts a non-terminal task back into PENDING for another attempt.
// The reset is recorded in the history and announced to listeners like any
// other transition, but it is the only edge outside the state machine.
func (m *Manager) Restart(id string) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.task.Status().IsTerminal() {
		m.mu.Unlock()
		return false
	}
	from := rec.task.Status()
	rec.task.ResetForRetry()
	rec.history = append(rec.history, Transition{From: from, To: core.TaskStatusPending, Timestamp: time.Now()})
	m.stats.Transitions++
	m.stats.PerStatus[core.TaskStatusPending]++
	task := rec.task
	m.mu.Unlock()

	m.opts.Logger.Debug("Task restarted", "task_id", id, "from", from)
	m.notify(task, from, core.TaskStatusPending)

	return true
}

// Status returns the current status of a tracked task.
func (m *Manager) Status(id string) (core.TaskStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return "", false
	}
	return rec.task.Status(), true
}

// Task returns a tracked task.
func (m *Manager) Task(id string) (*core.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.task, true
}

// History returns a copy of the transitions recorded for a task.
func (m *Manager) History(id string) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	out := make([]Transition, len(rec.history))
	copy(out, rec.history)
	return out
}

// TasksByStatus returns tracked tasks currently in status.
func (m *Manager) TasksByStatus(status core.TaskStatus) []*core.Task {
	return m.filter(func(t *core.Task) bool { return t.Status() == status })
}

// TasksByType returns tracked tasks of a type.
func (m *Manager) TasksByType(taskType string) []*core.Task {
	return m.filter(func(t *core.Task) bool { return t.Type() == taskType })
}

func (m *Manager) filter(keep func(*core.Task) bool) []*core.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, rec := range m.records {
		if keep(rec.task) {
			out = append(out, rec.task)
		}
	}
	return out
}

// Statistics returns a copy of the counters.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Statistics{
		Tracked:     len(m.records),
		Transitions: m.stats.Transitions,
		Rejected:    m.stats.Rejected,
		PerStatus:   make(map[core.TaskStatus]uint64, len(m.stats.PerStatus)),
		PerType:     make(map[string]uint64, len(m.stats.PerType)),
	}
	for k, v := range m.stats.PerStatus {
		s.PerStatus[k] = v
	}
	for k, v := range m.stats.PerType {
		s.PerType[k] = v
	}
	for _, rec := range m.records {
		if !rec.task.Status().IsTerminal() {
			s.Active++
		}
	}
	return s
}

// ReapTerminal drops records of tasks that became terminal more than the
// retention window before now. It returns how many records were dropped.
func (m *Manager) ReapTerminal(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, rec := range m.records {
		if rec.terminalAt.IsZero() {
			continue
		}
		if now.Sub(rec.terminalAt) > m.opts.RetentionWindow {
			delete(m.records, id)
			n++
		}
	}
	return n
}

// Close stops the reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if n := m.ReapTerminal(now); n > 0 {
				m.opts.Logger.Debug("Reaped lifecycle records", "count", n)
			}
		}
	}
}

func (m *Manager) notify(task *core.Task, from, to core.TaskStatus) {
	m.hooksMu.RLock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	router := m.routers[task.Type()]
	m.hooksMu.RUnlock()

	for _, l := range listeners {
		m.safeCall("listener", task, func() error {
			l.OnStatusChange(task, from, to)
			return nil
		})
	}

	if router != nil {
		m.safeCall("router", task, func() error { return router.Route(task, from, to) })
	}
}

func (m *Manager) safeCall(kind string, task *core.Task, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Lifecycle hook panicked", "hook", kind, "task_id", task.ID(), "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		m.opts.Logger.Error("Lifecycle hook failed", "hook", kind, "task_id", task.ID(), "error", err)
	}
}
