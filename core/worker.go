package core

import (
	"context"
	"time"

	"github.com/hupe1980/taskmesh/logging"
)

// WorkerStatus is the health/activity state of a worker instance.
type WorkerStatus string

const (
	// WorkerStatusInitializing means the worker is still starting up.
	WorkerStatusInitializing WorkerStatus = "INITIALIZING"
	// WorkerStatusIdle means the worker can accept a task.
	WorkerStatusIdle WorkerStatus = "IDLE"
	// WorkerStatusBusy means the worker is executing a task.
	WorkerStatusBusy WorkerStatus = "BUSY"
	// WorkerStatusPaused means the worker is temporarily not accepting work.
	WorkerStatusPaused WorkerStatus = "PAUSED"
	// WorkerStatusError means the worker is unhealthy.
	WorkerStatusError WorkerStatus = "ERROR"
	// WorkerStatusShuttingDown means the worker is releasing its resources.
	WorkerStatusShuttingDown WorkerStatus = "SHUTTING_DOWN"
	// WorkerStatusShutdown means the worker is gone.
	WorkerStatusShutdown WorkerStatus = "SHUTDOWN"
)

func (s WorkerStatus) String() string { return string(s) }

// IsHealthy reports whether a worker in status s may be pooled and reused.
func (s WorkerStatus) IsHealthy() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusPaused, WorkerStatusInitializing:
		return true
	default:
		return false
	}
}

// Worker is the capability contract of a sub-agent instance. The core never
// looks past this interface into what a worker actually does.
type Worker interface {
	// ID uniquely identifies the instance.
	ID() string
	// Type returns the worker type tag, equal to the task types it serves.
	Type() string
	// Status returns the current worker status.
	Status() WorkerStatus
	// IsAvailable reports whether the worker can take a task right now.
	IsAvailable() bool
	// ExecuteTask starts executing task and returns a future for its result.
	// The worker chooses its own execution context.
	ExecuteTask(ctx context.Context, task *Task) *Future
	// LastActivityTime returns the time of the last task start or finish.
	LastActivityTime() time.Time
	// Shutdown releases the worker's resources.
	Shutdown() error
}

// ExecutionContext is handed to a WorkerFactory when a worker is created for
// a task.
type ExecutionContext struct {
	CorrelationID string
	TaskID        string
	TaskType      string
	Priority      int
	Params        map[string]any
	CreatedAt     time.Time
	Logger        logging.Logger
}

// NewExecutionContext builds an ExecutionContext for task with a fresh
// correlation id.
func NewExecutionContext(task *Task, priority int, logger logging.Logger) ExecutionContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return ExecutionContext{
		CorrelationID: NewID(),
		TaskID:        task.ID(),
		TaskType:      task.Type(),
		Priority:      priority,
		Params:        task.Params(),
		CreatedAt:     time.Now(),
		Logger:        logger,
	}
}

// WorkerFactory instantiates workers of one type.
type WorkerFactory interface {
	Create(ctx ExecutionContext) (Worker, error)
}

// WorkerFactoryFunc adapts a function to WorkerFactory.
type WorkerFactoryFunc func(ctx ExecutionContext) (Worker, error)

// Create calls f.
func (f WorkerFactoryFunc) Create(ctx ExecutionContext) (Worker, error) { return f(ctx) }
