package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// ExecuteFunc scripts the outcome of a FakeWorker execution.
type ExecuteFunc func(ctx context.Context, task *core.Task) (*core.Result, error)

// Succeed returns an ExecuteFunc producing a successful result with metadata.
func Succeed(metadata map[string]any) ExecuteFunc {
	return func(context.Context, *core.Task) (*core.Result, error) {
		return core.NewSuccessResult(time.Millisecond, metadata), nil
	}
}

// Fail returns an ExecuteFunc failing with err.
func Fail(err error) ExecuteFunc {
	return func(context.Context, *core.Task) (*core.Result, error) { return nil, err }
}

// FakeWorker is a scriptable core.Worker. Execution runs on its own
// goroutine like a real worker.
type FakeWorker struct {
	id         string
	workerType string
	exec       ExecuteFunc

	mu           sync.Mutex
	status       core.WorkerStatus
	lastActivity time.Time
	inFlight     int

	executions atomic.Int32
	shutdowns  atomic.Int32
}

// NewFakeWorker creates an idle FakeWorker. A nil exec always succeeds.
func NewFakeWorker(workerType string, exec ExecuteFunc) *FakeWorker {
	if exec == nil {
		exec = Succeed(nil)
	}
	return &FakeWorker{
		id:           core.NewID(),
		workerType:   workerType,
		exec:         exec,
		status:       core.WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// ID implements core.Worker.
func (w *FakeWorker) ID() string { return w.id }

// Type implements core.Worker.
func (w *FakeWorker) Type() string { return w.workerType }

// Status implements core.Worker.
func (w *FakeWorker) Status() core.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetStatus forces a status, e.g. to simulate an unhealthy worker.
func (w *FakeWorker) SetStatus(s core.WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

// SetLastActivity backdates the activity clock to simulate idleness.
func (w *FakeWorker) SetLastActivity(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = t
}

// IsAvailable implements core.Worker.
func (w *FakeWorker) IsAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight == 0 && w.status.IsHealthy()
}

// LastActivityTime implements core.Worker.
func (w *FakeWorker) LastActivityTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// ExecuteTask implements core.Worker.
func (w *FakeWorker) ExecuteTask(ctx context.Context, task *core.Task) *core.Future {
	w.executions.Add(1)

	w.mu.Lock()
	if w.status == core.WorkerStatusShutdown {
		w.mu.Unlock()
		return core.FailedFuture(errors.New("worker is shut down"))
	}
	w.inFlight++
	w.status = core.WorkerStatusBusy
	w.lastActivity = time.Now()
	w.mu.Unlock()

	fut := core.NewFuture()
	go func() {
		r, err := w.exec(ctx, task)

		w.mu.Lock()
		w.inFlight--
		if w.status == core.WorkerStatusBusy && w.inFlight == 0 {
			w.status = core.WorkerStatusIdle
		}
		w.lastActivity = time.Now()
		w.mu.Unlock()

		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(r)
	}()

	return fut
}

// Shutdown implements core.Worker.
func (w *FakeWorker) Shutdown() error {
	w.shutdowns.Add(1)
	w.SetStatus(core.WorkerStatusShutdown)
	return nil
}

// Executions returns how many times ExecuteTask was called.
func (w *FakeWorker) Executions() int { return int(w.executions.Load()) }

// Shutdowns returns how many times Shutdown was called.
func (w *FakeWorker) Shutdowns() int { return int(w.shutdowns.Load()) }

// FakeFactory creates FakeWorkers and remembers them.
type FakeFactory struct {
	WorkerType string
	Exec       ExecuteFunc
	// Err, if set, is returned instead of creating a worker.
	Err error

	mu       sync.Mutex
	created  []*FakeWorker
	contexts []core.ExecutionContext
}

// NewFakeFactory creates a factory for workerType.
func NewFakeFactory(workerType string, exec ExecuteFunc) *FakeFactory {
	return &FakeFactory{WorkerType: workerType, Exec: exec}
}

// Create implements core.WorkerFactory.
func (f *FakeFactory) Create(ctx core.ExecutionContext) (core.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.contexts = append(f.contexts, ctx)
	if f.Err != nil {
		return nil, f.Err
	}
	w := NewFakeWorker(f.WorkerType, f.Exec)
	f.created = append(f.created, w)
	return w, nil
}

// Created returns the workers created so far.
func (f *FakeFactory) Created() []*FakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeWorker(nil), f.created...)
}

// Contexts returns the execution contexts passed to Create.
func (f *FakeFactory) Contexts() []core.ExecutionContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ExecutionContext(nil), f.contexts...)
}
