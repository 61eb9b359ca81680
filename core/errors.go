package core

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is reported when the queue has reached its capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrDuplicateTask is reported when a task id is already registered.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrTaskNotFound is reported for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is reported for status changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTaskTimeout completes futures of tasks that exceeded their timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskCancelled completes futures of cancelled tasks.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrNotRunning is returned when a component has been shut down.
	ErrNotRunning = errors.New("not running")
	// ErrNoFactory is returned when no worker factory is registered for a type.
	ErrNoFactory = errors.New("no worker factory registered")
	// ErrConcurrencyLimit is returned when a type is at its concurrency ceiling.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrMaxRoundsReached is returned by multi-round workers that ran out of rounds.
	ErrMaxRoundsReached = errors.New("max rounds reached")
	// ErrValidation marks invalid task input.
	ErrValidation = errors.New("validation failed")
	// ErrResourceExhausted marks failures caused by running out of memory or
	// similar process resources.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// CreationError reports a failure to instantiate a worker. It is distinct
// from task execution failures and is never retried automatically.
type CreationError struct {
	WorkerType string
	Err        error
}

// NewCreationError wraps err as a creation failure for workerType.
func NewCreationError(workerType string, err error) *CreationError {
	return &CreationError{WorkerType: workerType, Err: err}
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("failed to create worker of type %s: %v", e.WorkerType, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CreationError) Unwrap() error { return e.Err }

// TaskError carries the kind label assigned by a worker to an execution
// failure so classification does not depend on message matching.
type TaskError struct {
	Kind string
	Err  error
}

// NewTaskError wraps err with a kind label such as "network" or "validation".
func NewTaskError(kind string, err error) *TaskError {
	return &TaskError{Kind: kind, Err: err}
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error { return e.Err }
