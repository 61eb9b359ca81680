// Package subagent manages pooled worker instances ("sub-agents") per task
// type: acquisition from pools or factories, concurrency ceilings, resource
// accounting and the retry policy for failed executions.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// ManagerOptions configures a Manager. Collaborators left nil are created
// with their defaults.
type ManagerOptions struct {
	Concurrency *ConcurrencyController
	Errors      *ErrorHandler
	Resources   *ResourceManager

	// Pool configures the pool created for every registered type.
	Pool func(o *PoolOptions)

	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	// ResourceLeakTimeout drops resource attributions not refreshed for this long.
	ResourceLeakTimeout time.Duration

	Logger logging.Logger
}

// DefaultManagerOptions are applied before option functions run.
var DefaultManagerOptions = ManagerOptions{
	HealthCheckInterval: 30 * time.Second,
	CleanupInterval:     time.Minute,
	ResourceLeakTimeout: 30 * time.Minute,
}

// PoolHealth is the result of a health check for one pool.
type PoolHealth struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// ManagerStatistics summarises the manager.
type ManagerStatistics struct {
	Running          bool                      `json:"running"`
	WorkerTypes      []string                  `json:"worker_types"`
	Active           int                       `json:"active"`
	Routed           uint64                    `json:"routed"`
	Succeeded        uint64                    `json:"succeeded"`
	Failed           uint64                    `json:"failed"`
	CreationFailures uint64                    `json:"creation_failures"`
	Pools            map[string]PoolStatistics `json:"pools"`
	Load             []TypeLoadStats           `json:"load"`
	Resources        ResourceUsage             `json:"resources"`
}

// Manager routes tasks to workers of the task's type.
type Manager struct {
	opts ManagerOptions

	concurrency *ConcurrencyController
	errors      *ErrorHandler
	resources   *ResourceManager

	mu        sync.RWMutex
	factories map[string]core.WorkerFactory
	pools     map[string]*Pool
	active    map[string]core.Worker
	running   bool
	closed    bool
	stats     ManagerStatistics

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a stopped Manager. Call Start before routing tasks.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := DefaultManagerOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultManagerOptions.HealthCheckInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultManagerOptions.CleanupInterval
	}
	if opts.Concurrency == nil {
		opts.Concurrency = NewConcurrencyController(func(o *ConcurrencyOptions) { o.Logger = opts.Logger })
	}
	if opts.Errors == nil {
		opts.Errors = NewErrorHandler(func(o *ErrorHandlerOptions) { o.Logger = opts.Logger })
	}
	if opts.Resources == nil {
		opts.Resources = NewResourceManager()
	}

	return &Manager{
		opts:        opts,
		concurrency: opts.Concurrency,
		errors:      opts.Errors,
		resources:   opts.Resources,
		factories:   make(map[string]core.WorkerFactory),
		pools:       make(map[string]*Pool),
		active:      make(map[string]core.Worker),
		stop:        make(chan struct{}),
	}
}

// Concurrency returns the concurrency controller.
func (m *Manager) Concurrency() *ConcurrencyController { return m.concurrency }

// Errors returns the error handler.
func (m *Manager) Errors() *ErrorHandler { return m.errors }

// Resources returns the resource manager.
func (m *Manager) Resources() *ResourceManager { return m.resources }

// RegisterFactory installs the factory for workerType and creates its pool.
// Registering a type twice replaces the factory and keeps the pool.
func (m *Manager) RegisterFactory(workerType string, factory core.WorkerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.factories[workerType] = factory
	if _, ok := m.pools[workerType]; !ok {
		m.pools[workerType] = NewPool(workerType, func(o *PoolOptions) {
			o.Logger = m.opts.Logger
			if m.opts.Pool != nil {
				m.opts.Pool(o)
			}
			o.OnDestroy = func(w core.Worker) { m.resources.Release(w.ID()) }
		})
	}
	m.concurrency.RegisterType(workerType)

	m.opts.Logger.Info("Registered worker factory", "worker_type", workerType)
}

// HasFactory reports whether workerType has a factory.
func (m *Manager) HasFactory(workerType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[workerType]
	return ok
}

// WorkerTypes returns the registered types ordered by name.
func (m *Manager) WorkerTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.factories))
	for t := range m.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Pool returns the pool of workerType.
func (m *Manager) Pool(workerType string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[workerType]
	return p, ok
}

// Start enables routing and starts the health check and cleanup schedules.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running || m.closed {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.scheduleLoop()

	m.opts.Logger.Info("Sub-agent manager started")
}

// IsRunning reports whether the manager accepts tasks.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// RouteTask executes task on a worker of its type. The returned future
// completes with the worker's outcome. It fails immediately with
// core.ErrNotRunning or core.ErrNoFactory; worker creation failures complete
// it with a *core.CreationError. The worker is always handed back to its
// pool, or destroyed, once execution finished.
func (m *Manager) RouteTask(ctx context.Context, task *core.Task, priority int) *core.Future {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return core.FailedFuture(core.ErrNotRunning)
	}
	factory, ok := m.factories[task.Type()]
	pool := m.pools[task.Type()]
	if !ok {
		m.mu.Unlock()
		return core.FailedFuture(fmt.Errorf("%w: %s", core.ErrNoFactory, task.Type()))
	}
	m.stats.Routed++
	m.mu.Unlock()

	result := core.NewFuture()
	go m.execute(ctx, task, priority, factory, pool, result)

	return result
}

func (m *Manager) execute(ctx context.Context, task *core.Task, priority int, factory core.WorkerFactory, pool *Pool, result *core.Future) {
	workerType := task.Type()

	if !m.concurrency.Acquire(workerType) {
		m.countOutcome(false)
		result.Reject(fmt.Errorf("%w: %s", core.ErrConcurrencyLimit, workerType))
		return
	}

	w, err := m.acquire(task, priority, factory, pool)
	if err != nil {
		m.concurrency.Abort(workerType)
		m.countOutcome(false)
		result.Reject(err)
		return
	}

	m.trackActive(w)
	start := time.Now()

	fut := m.run(ctx, w, task)
	<-fut.Done()

	elapsed := time.Since(start)
	m.concurrency.Release(workerType, elapsed)
	m.release(w, pool)

	r, err, _ := fut.Peek()
	succeeded := err == nil && r != nil && r.Success()
	m.countOutcome(succeeded)
	if err == nil && !succeeded && r != nil {
		err = errors.New(r.Error())
	}
	logging.LogWorkerExecution(m.opts.Logger, workerType, elapsed, succeeded, err)

	fut.Pipe(result)
}

// run calls the worker and converts a panic into a failed future.
func (m *Manager) run(ctx context.Context, w core.Worker, task *core.Task) (fut *core.Future) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Worker panicked", "worker_id", w.ID(), "task_id", task.ID(), "panic", fmt.Sprint(r))
			fut = core.FailedFuture(fmt.Errorf("worker %s panicked: %v", w.ID(), r))
		}
	}()

	fut = w.ExecuteTask(ctx, task)
	if fut == nil {
		fut = core.FailedFuture(fmt.Errorf("worker %s returned no future", w.ID()))
	}
	return fut
}

// acquire borrows a pooled worker or creates a new one.
func (m *Manager) acquire(task *core.Task, priority int, factory core.WorkerFactory, pool *Pool) (core.Worker, error) {
	workerType := task.Type()

	if w := pool.Borrow(); w != nil {
		return w, nil
	}

	if !pool.CanGrow() {
		err := fmt.Errorf("%w: pool %s exhausted", core.ErrConcurrencyLimit, workerType)
		m.errors.HandlePoolError(workerType, err)
		return nil, err
	}

	if m.errors.CreationFlapping(workerType) {
		m.countCreationFailure()
		return nil, core.NewCreationError(workerType, fmt.Errorf("creation suspended after repeated failures"))
	}

	ectx := core.NewExecutionContext(task, priority, m.opts.Logger)

	w, err := m.create(factory, ectx)
	if err != nil {
		m.countCreationFailure()
		return nil, m.errors.HandleCreationError(workerType, err)
	}
	if w.Type() != workerType {
		_ = w.Shutdown()
		m.countCreationFailure()
		return nil, m.errors.HandleCreationError(workerType, fmt.Errorf("factory returned worker of type %s", w.Type()))
	}

	if !pool.Add(w) {
		_ = w.Shutdown()
		err := fmt.Errorf("%w: pool %s exhausted", core.ErrConcurrencyLimit, workerType)
		m.errors.HandlePoolError(workerType, err)
		return nil, err
	}

	var mem int64
	var conns int
	if rr, ok := w.(ResourceReporter); ok {
		mem, conns = rr.MemoryBytes(), rr.Connections()
	}
	m.resources.Register(w.ID(), workerType, mem, conns)

	m.opts.Logger.Debug("Created worker", "worker_id", w.ID(), "worker_type", workerType, "correlation_id", ectx.CorrelationID)

	return w, nil
}

func (m *Manager) create(factory core.WorkerFactory, ectx core.ExecutionContext) (w core.Worker, err error) {
	defer func() {
		if r := recover(); r != nil {
			w, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()

	w, err = factory.Create(ectx)
	if err == nil && w == nil {
		err = fmt.Errorf("factory returned no worker")
	}
	return w, err
}

func (m *Manager) trackActive(w core.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[w.ID()] = w
}

// release hands w back to its pool unless a shutdown already destroyed it.
func (m *Manager) release(w core.Worker, pool *Pool) {
	m.mu.Lock()
	_, tracked := m.active[w.ID()]
	delete(m.active, w.ID())
	m.mu.Unlock()

	if !tracked {
		return
	}

	if pool.Return(w) {
		if rr, ok := w.(ResourceReporter); ok {
			m.resources.Update(w.ID(), rr.MemoryBytes(), rr.Connections())
		} else {
			m.resources.Touch(w.ID())
		}
	}
}

func (m *Manager) countOutcome(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.stats.Succeeded++
	} else {
		m.stats.Failed++
	}
}

func (m *Manager) countCreationFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CreationFailures++
}

// ActiveCount returns the number of workers currently executing a task.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// HealthCheck counts total and healthy instances per pool.
func (m *Manager) HealthCheck() map[string]PoolHealth {
	m.mu.RLock()
	pools := make(map[string]*Pool, len(m.pools))
	for t, p := range m.pools {
		pools[t] = p
	}
	m.mu.RUnlock()

	out := make(map[string]PoolHealth, len(pools))
	for t, p := range pools {
		s := p.Statistics()
		out[t] = PoolHealth{Total: s.Total, Healthy: s.Healthy}
		if s.Healthy < s.Total {
			m.opts.Logger.Warn("Unhealthy workers in pool", "worker_type", t, "total", s.Total, "healthy", s.Healthy)
		}
	}
	return out
}

// CleanupIdle evicts idle instances from every pool and drops leaked
// resource attributions. It returns the number of evicted instances.
func (m *Manager) CleanupIdle() int {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	n := 0
	for _, p := range pools {
		n += p.CleanupIdle()
	}
	if leaked := m.resources.CleanupIdle(m.opts.ResourceLeakTimeout); leaked > 0 {
		m.opts.Logger.Warn("Dropped stale resource attributions", "count", leaked)
	}
	return n
}

// Statistics returns a snapshot of the manager and its collaborators.
func (m *Manager) Statistics() ManagerStatistics {
	m.mu.RLock()
	s := m.stats
	s.Running = m.running
	s.Active = len(m.active)
	s.Pools = make(map[string]PoolStatistics, len(m.pools))
	pools := make(map[string]*Pool, len(m.pools))
	for t, p := range m.pools {
		pools[t] = p
	}
	m.mu.RUnlock()

	for t, p := range pools {
		s.Pools[t] = p.Statistics()
	}
	s.WorkerTypes = m.WorkerTypes()
	s.Load = m.concurrency.AllLoadStats()
	s.Resources = m.resources.Usage()

	return s
}

// Shutdown stops the schedules, shuts down every pool, destroys every
// still-active worker and clears all maps. Calling it again is a no-op.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.running = false
		m.closed = true
		m.mu.Unlock()

		close(m.stop)
		m.wg.Wait()

		m.mu.Lock()
		pools := m.pools
		active := m.active
		m.pools = make(map[string]*Pool)
		m.active = make(map[string]core.Worker)
		m.factories = make(map[string]core.WorkerFactory)
		m.mu.Unlock()

		for _, p := range pools {
			p.Shutdown()
		}
		for _, w := range active {
			if err := w.Shutdown(); err != nil {
				m.opts.Logger.Warn("Worker shutdown failed", "worker_id", w.ID(), "error", err)
			}
			m.resources.Release(w.ID())
		}

		m.errors.Stop()

		m.opts.Logger.Info("Sub-agent manager stopped", "destroyed_active", len(active))
	})
}

func (m *Manager) scheduleLoop() {
	defer m.wg.Done()

	health := time.NewTicker(m.opts.HealthCheckInterval)
	defer health.Stop()
	cleanup := time.NewTicker(m.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-health.C:
			m.HealthCheck()
		case <-cleanup.C:
			m.CleanupIdle()
		}
	}
}
