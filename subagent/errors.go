package subagent

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "TIMEOUT"
	ErrorKindNetwork     ErrorKind = "NETWORK"
	ErrorKindInterrupted ErrorKind = "INTERRUPTED"
	ErrorKindValidation  ErrorKind = "VALIDATION"
	ErrorKindMemory      ErrorKind = "MEMORY"
	ErrorKindCreation    ErrorKind = "CREATION"
	ErrorKindUnknown     ErrorKind = "UNKNOWN"
)

var errorKinds = map[string]ErrorKind{
	"timeout":     ErrorKindTimeout,
	"network":     ErrorKindNetwork,
	"interrupted": ErrorKindInterrupted,
	"validation":  ErrorKindValidation,
	"memory":      ErrorKindMemory,
	"creation":    ErrorKindCreation,
}

// RetryPolicy configures exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	Multiplier: 2,
	MaxDelay:   30 * time.Second,
}

// Delay returns min(base * multiplier^(attempt-1), maxDelay) for attempt >= 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ErrorHandlerOptions configures an ErrorHandler.
type ErrorHandlerOptions struct {
	Policy RetryPolicy
	// History is how long error occurrences are remembered.
	History time.Duration
	// CreationThreshold and CreationWindow decide when worker creation for a
	// type is considered to be flapping.
	CreationThreshold int
	CreationWindow    time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultErrorHandlerOptions are applied before option functions run.
var DefaultErrorHandlerOptions = ErrorHandlerOptions{
	Policy:            DefaultRetryPolicy,
	History:           10 * time.Minute,
	CreationThreshold: 5,
	CreationWindow:    time.Minute,
}

// RetryDecision describes what HandleTaskError decided.
type RetryDecision struct {
	Retry   bool          `json:"retry"`
	Kind    ErrorKind     `json:"kind"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ErrorHandler classifies failures, schedules retries and counts error
// occurrences per key.
type ErrorHandler struct {
	opts ErrorHandlerOptions

	mu      sync.Mutex
	errs    map[string][]time.Time
	retries map[string]*pendingRetry
	stopped bool
}

// NewErrorHandler creates an ErrorHandler.
func NewErrorHandler(optFns ...func(o *ErrorHandlerOptions)) *ErrorHandler {
	opts := DefaultErrorHandlerOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &ErrorHandler{
		opts:    opts,
		errs:    make(map[string][]time.Time),
		retries: make(map[string]*pendingRetry),
	}
}

// Policy returns the retry policy.
func (h *ErrorHandler) Policy() RetryPolicy { return h.opts.Policy }

// Classify maps err to an ErrorKind. Workers can label errors explicitly
// with core.NewTaskError; otherwise well-known error values and types are
// recognised.
func (h *ErrorHandler) Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var creationErr *core.CreationError
	if errors.As(err, &creationErr) {
		return ErrorKindCreation
	}

	var taskErr *core.TaskError
	if errors.As(err, &taskErr) {
		if kind, ok := errorKinds[strings.ToLower(taskErr.Kind)]; ok {
			return kind
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTaskTimeout):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrConcurrencyLimit):
		return ErrorKindInterrupted
	case errors.Is(err, core.ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, core.ErrResourceExhausted), errors.Is(err, syscall.ENOMEM):
		return ErrorKindMemory
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ErrorKindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindNetwork
	}

	return ErrorKindUnknown
}

// IsRetryable reports whether failures of kind are retried.
func (h *ErrorHandler) IsRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrorKindTimeout, ErrorKindNetwork, ErrorKindInterrupted:
		return true
	default:
		return false
	}
}

// RetryDelay returns the backoff before retry number attempt.
func (h *ErrorHandler) RetryDelay(attempt int) time.Duration {
	return h.opts.Policy.Delay(attempt)
}

// HandleTaskError decides what happens after task failed with err.
//
// If the error is retryable and the retry budget is not exhausted, a retry is
// scheduled: the returned future resolves once the backoff elapsed and the
// caller is expected to resubmit the task. Otherwise the future is already
// resolved with a failure result.
func (h *ErrorHandler) HandleTaskError(task *core.Task, err error) (*core.Future, RetryDecision) {
	kind := h.Classify(err)
	h.RecordError(taskKey(task.ID()))

	attempt := task.RetryCount() + 1
	decision := RetryDecision{Kind: kind, Attempt: attempt}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	if !h.IsRetryable(kind) || task.RetryCount() >= h.opts.Policy.MaxRetries {
		h.opts.Logger.Warn("Task failed terminally", "task_id", task.ID(), "kind", kind,
			"attempts", attempt, "error", msg)
		return core.ResolvedFuture(core.NewFailureResult(msg, 0, map[string]any{
			"error_kind": string(kind),
			"attempts":   attempt,
		})), decision
	}

	decision.Retry = true
	decision.Delay = h.RetryDelay(attempt)

	fut := core.NewFuture()

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		fut.Cancel()
		return fut, decision
	}
	if prev, ok := h.retries[task.ID()]; ok {
		prev.cancel()
	}
	pr := &pendingRetry{future: fut}
	pr.timer = time.AfterFunc(decision.Delay, func() {
		h.mu.Lock()
		if h.retries[task.ID()] == pr {
			delete(h.retries, task.ID())
		}
		h.mu.Unlock()

		fut.Resolve(core.NewSuccessResult(decision.Delay, map[string]any{
			"retry_attempt": attempt,
			"error_kind":    string(kind),
		}))
	})
	h.retries[task.ID()] = pr
	h.mu.Unlock()

	h.opts.Logger.Info("Retry scheduled", "task_id", task.ID(), "kind", kind,
		"attempt", attempt, "delay", decision.Delay)

	return fut, decision
}

// CancelRetry drops the scheduled retry of taskID and cancels its future.
// It reports whether a retry was pending.
func (h *ErrorHandler) CancelRetry(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	pr, ok := h.retries[taskID]
	if !ok {
		return false
	}
	pr.cancel()
	delete(h.retries, taskID)
	return true
}

// PendingRetries returns the number of scheduled retries.
func (h *ErrorHandler) PendingRetries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retries)
}

// RecordError counts an occurrence for key and returns the number of
// occurrences still remembered.
func (h *ErrorHandler) RecordError(key string) int {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	times := prune(h.errs[key], now.Add(-h.opts.History))
	times = append(times, now)
	h.errs[key] = times

	return len(times)
}

// ErrorCount returns the number of remembered occurrences for key.
func (h *ErrorHandler) ErrorCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs[key])
}

// IsInErrorState reports whether key recorded at least threshold errors
// within the last window.
func (h *ErrorHandler) IsInErrorState(key string, threshold int, window time.Duration) bool {
	cutoff := time.Now().Add(-window)

	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, t := range h.errs[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n >= threshold
}

// CreationFlapping reports whether worker creation for workerType failed
// too often recently.
func (h *ErrorHandler) CreationFlapping(workerType string) bool {
	return h.IsInErrorState(creationKey(workerType), h.opts.CreationThreshold, h.opts.CreationWindow)
}

// HandleCreationError records a worker creation failure and returns it as a
// *core.CreationError.
func (h *ErrorHandler) HandleCreationError(workerType string, err error) error {
	n := h.RecordError(creationKey(workerType))

	var creationErr *core.CreationError
	if !errors.As(err, &creationErr) {
		creationErr = core.NewCreationError(workerType, err)
	}

	h.opts.Logger.Error("Worker creation failed", "worker_type", workerType, "error", err, "recent_failures", n)

	return creationErr
}

// HandlePoolError records a pool operation failure for workerType.
func (h *ErrorHandler) HandlePoolError(workerType string, err error) {
	n := h.RecordError(poolKey(workerType))
	h.opts.Logger.Warn("Pool operation failed", "worker_type", workerType, "error", err, "recent_failures", n)
}

// Stop cancels every scheduled retry; their futures complete as cancelled.
func (h *ErrorHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for id, pr := range h.retries {
		pr.cancel()
		delete(h.retries, id)
	}
}

type pendingRetry struct {
	timer  *time.Timer
	future *core.Future
}

func (p *pendingRetry) cancel() {
	p.timer.Stop()
	p.future.Cancel()
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func taskKey(id string) string             { return "task:" + id }
func creationKey(workerType string) string { return "creation:" + workerType }
func poolKey(workerType string) string     { return "pool:" + workerType }
