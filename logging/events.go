package logging

import "time"

// The helpers below report recurring orchestration events on any Logger.
// A *TaskMeshLogger formats them through its own methods; other loggers get
// the same messages and keys.

type transitionLogger interface {
	LogTransition(taskID, from, to string, accepted bool)
}

type executionLogger interface {
	LogWorkerExecution(workerType string, dur time.Duration, success bool, err error)
}

type retryLogger interface {
	LogRetry(taskID string, attempt int, delay time.Duration, kind string)
}

type performanceLogger interface {
	LogPerformance(op string, dur time.Duration, metrics map[string]any)
}

// LogTransition reports a status change. Rejected changes are warnings.
func LogTransition(l Logger, taskID, from, to string, accepted bool) {
	if tl, ok := l.(transitionLogger); ok {
		tl.LogTransition(taskID, from, to, accepted)
		return
	}
	if accepted {
		l.Debug("Task status changed", KeyTaskID, taskID, "from", from, "to", to)
		return
	}
	l.Warn("Task status change rejected", KeyTaskID, taskID, "from", from, "to", to)
}

// LogWorkerExecution reports one task execution on a worker.
func LogWorkerExecution(l Logger, workerType string, dur time.Duration, success bool, err error) {
	if el, ok := l.(executionLogger); ok {
		el.LogWorkerExecution(workerType, dur, success, err)
		return
	}
	args := []any{"worker_type", workerType, "duration", dur, "success", success}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	if success {
		l.Info("Task execution completed", args...)
		return
	}
	l.Error("Task execution failed", args...)
}

// LogRetry reports a scheduled retry.
func LogRetry(l Logger, taskID string, attempt int, delay time.Duration, kind string) {
	if rl, ok := l.(retryLogger); ok {
		rl.LogRetry(taskID, attempt, delay, kind)
		return
	}
	l.Warn("Task retry scheduled", KeyTaskID, taskID, "attempt", attempt, "delay", delay, "error_kind", kind)
}

// LogPerformance reports metrics of an operation, each key prefixed "metric_".
func LogPerformance(l Logger, op string, dur time.Duration, metrics map[string]any) {
	if pl, ok := l.(performanceLogger); ok {
		pl.LogPerformance(op, dur, metrics)
		return
	}
	args := []any{"operation", op, "duration", dur}
	for k, v := range metrics {
		args = append(args, "metric_"+k, v)
	}
	l.Info("Performance metrics", args...)
}
