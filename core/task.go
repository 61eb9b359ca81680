package core

import (
	"sync"
	"time"
)

// TaskStatus is the lifecycle state of a task. Valid transitions between
// states are enforced by the lifecycle manager, not by Task itself.
type TaskStatus string

const (
	// TaskStatusPending marks a task that is queued and waiting to be polled.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusProcessing marks a task handed to a consumer.
	TaskStatusProcessing TaskStatus = "PROCESSING"
	// TaskStatusExecuting marks a task running on a worker.
	TaskStatusExecuting TaskStatus = "EXECUTING"
	// TaskStatusAnalyzing marks a task whose worker output is being evaluated.
	TaskStatusAnalyzing TaskStatus = "ANALYZING"
	// TaskStatusCompleted is terminal: the task produced a successful result.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed is terminal: the task failed and will not be retried.
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusTimeout is terminal: the task exceeded its timeout.
	TaskStatusTimeout TaskStatus = "TIMEOUT"
	// TaskStatusCancelled is terminal: the task was cancelled while pending.
	TaskStatusCancelled TaskStatus = "CANCELLED"
	// TaskStatusMaxRoundsReached is terminal: a multi-round task ran out of rounds.
	TaskStatusMaxRoundsReached TaskStatus = "MAX_ROUNDS_REACHED"
)

// AllTaskStatuses lists every status in declaration order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusProcessing,
	TaskStatusExecuting,
	TaskStatusAnalyzing,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusTimeout,
	TaskStatusCancelled,
	TaskStatusMaxRoundsReached,
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled, TaskStatusMaxRoundsReached:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range AllTaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string { return string(s) }

// TaskCallback receives push notifications for a single task. Implementations
// are invoked on the callback executor, never on the queue's goroutines.
type TaskCallback interface {
	OnSuccess(task *Task, result *Result)
	OnFailure(task *Task, err error)
	OnTimeout(task *Task)
	OnCancel(task *Task)
	OnProgress(task *Task, message string)
}

// TaskOptions configures NewTask.
type TaskOptions struct {
	// ID overrides the generated task id.
	ID string
	// RequesterID identifies the caller (e.g. a player or driver session).
	RequesterID string
	// Timeout bounds the wall-clock age of the task. Zero means unbounded.
	Timeout time.Duration
	// Params is copied into the task's parameter bag.
	Params map[string]any
	// Callback is notified about the task's terminal outcome and progress.
	Callback TaskCallback
}

// Task is a unit of work identified by an id and a type tag. The core only
// looks at identity, type, status, timeout and parameters; what the task
// computes is up to the worker registered for its type.
//
// Task is safe for concurrent use.
type Task struct {
	id          string
	requesterID string
	taskType    string
	createdAt   time.Time
	timeout     time.Duration
	callback    TaskCallback

	mu         sync.RWMutex
	status     TaskStatus
	retryCount int
	params     map[string]any
	result     *Result
	errMsg     string
	startedAt  time.Time
	endedAt    time.Time
}

// NewTask creates a PENDING task of the given type.
func NewTask(taskType string, optFns ...func(o *TaskOptions)) *Task {
	opts := TaskOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.ID == "" {
		opts.ID = NewID()
	}

	params := make(map[string]any, len(opts.Params))
	for k, v := range opts.Params {
		params[k] = v
	}

	return &Task{
		id:          opts.ID,
		requesterID: opts.RequesterID,
		taskType:    taskType,
		createdAt:   time.Now(),
		timeout:     opts.Timeout,
		callback:    opts.Callback,
		status:      TaskStatusPending,
		params:      params,
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// RequesterID returns the id of the submitting caller.
func (t *Task) RequesterID() string { return t.requesterID }

// Type returns the task type tag used for worker and router lookup.
func (t *Task) Type() string { return t.taskType }

// CreatedAt returns the creation time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Timeout returns the configured timeout; zero means unbounded.
func (t *Task) Timeout() time.Duration { return t.timeout }

// Callback returns the push callback, if any.
func (t *Task) Callback() TaskCallback { return t.callback }

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus stores a new status and stamps start/end times. It does not
// validate the transition.
func (t *Task) SetStatus(s TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.startedAt.IsZero() && s != TaskStatusPending {
		t.startedAt = now
	}
	if s.IsTerminal() && t.endedAt.IsZero() {
		t.endedAt = now
	}
	t.status = s
}

// RetryCount returns how many times the task has been resubmitted.
func (t *Task) RetryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retryCount
}

// IncrementRetry bumps the retry counter and returns the new value.
func (t *Task) IncrementRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	return t.retryCount
}

// ResetForRetry puts a failed attempt back into PENDING so the task can be
// resubmitted. Timestamps from the previous attempt are cleared.
func (t *Task) ResetForRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusPending
	t.result = nil
	t.startedAt = time.Time{}
	t.endedAt = time.Time{}
}

// Params returns a shallow copy of the parameter bag.
func (t *Task) Params() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]any, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// Param returns a single parameter.
func (t *Task) Param(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.params[key]
	return v, ok
}

// StringParam returns a parameter as string, or def when missing or not a string.
func (t *Task) StringParam(key, def string) string {
	v, ok := t.Param(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// IntParam returns a numeric parameter as int, or def when missing.
func (t *Task) IntParam(key string, def int) int {
	v, ok := t.Param(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// SetParam stores a parameter.
func (t *Task) SetParam(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[key] = value
}

// Result returns the attached result, if any.
func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// SetResult attaches a result.
func (t *Task) SetResult(r *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = r
}

// ErrorMessage returns the last recorded error message.
func (t *Task) ErrorMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

// SetErrorMessage records an error message.
func (t *Task) SetErrorMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errMsg = msg
}

// StartedAt returns when the task left PENDING, zero if it has not.
func (t *Task) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

// EndedAt returns when the task reached a terminal status, zero if it has not.
func (t *Task) EndedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endedAt
}

// IsExpired reports whether the task's age at now exceeds its timeout.
// Tasks without a timeout never expire.
func (t *Task) IsExpired(now time.Time) bool {
	if t.timeout <= 0 {
		return false
	}
	return now.Sub(t.createdAt) > t.timeout
}

// TaskInfo is a point-in-time copy of a task suitable for reporting and
// serialization.
type TaskInfo struct {
	ID          string         `json:"id"`
	RequesterID string         `json:"requester_id,omitempty"`
	Type        string         `json:"type"`
	Status      TaskStatus     `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at"`
}

// Snapshot returns a TaskInfo copy of the task.
func (t *Task) Snapshot() TaskInfo {
	params := t.Params()

	t.mu.RLock()
	defer t.mu.RUnlock()

	return TaskInfo{
		ID:          t.id,
		RequesterID: t.requesterID,
		Type:        t.taskType,
		Status:      t.status,
		RetryCount:  t.retryCount,
		Params:      params,
		Error:       t.errMsg,
		Timeout:     t.timeout,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		EndedAt:     t.endedAt,
	}
}
