package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Reserved attribute keys bound by the With* helpers.
const (
	KeyComponent = "component"
	KeyTaskID    = "task_id"
	KeyTaskType  = "task_type"
	KeyWorkerID  = "worker_id"
)

// LoggerConfig drives NewLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // "json" (default) or "text"
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig logs JSON at info level to stdout.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// TaskMeshLogger is a structured logger that carries bound attributes
// (component, task, worker and free-form context) and exposes helpers for
// the events the orchestrator reports most often. With* calls return a copy;
// the receiver is never mutated.
type TaskMeshLogger struct {
	handler slog.Handler
	level   LogLevel
	bound   []slog.Attr
}

// NewLogger builds a TaskMeshLogger. A nil cfg means DefaultLoggerConfig.
func NewLogger(cfg *LoggerConfig) *TaskMeshLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{Level: cfg.Level.slog(), AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewJSONHandler(out, hopts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, hopts)
	}

	l := &TaskMeshLogger{handler: h, level: cfg.Level}
	if cfg.Component != "" {
		l.bound = append(l.bound, slog.String(KeyComponent, cfg.Component))
	}
	for k, v := range cfg.CustomAttrs {
		l.bound = append(l.bound, slog.Any(k, v))
	}
	return l
}

// NewSlogLogger is shorthand for NewLogger with the given level, format and
// source option on top of the defaults.
func NewSlogLogger(level LogLevel, format string, addSource bool) *TaskMeshLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.AddSource = addSource
	if format != "" {
		cfg.Format = format
	}
	return NewLogger(cfg)
}

// Level reports the configured minimum level.
func (l *TaskMeshLogger) Level() LogLevel { return l.level }

// with returns a copy carrying attrs. A key bound earlier is replaced.
func (l *TaskMeshLogger) with(attrs ...slog.Attr) *TaskMeshLogger {
	bound := make([]slog.Attr, 0, len(l.bound)+len(attrs))
	for _, a := range l.bound {
		replaced := false
		for _, n := range attrs {
			if n.Key == a.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			bound = append(bound, a)
		}
	}
	return &TaskMeshLogger{handler: l.handler, level: l.level, bound: append(bound, attrs...)}
}

// WithContext binds an arbitrary attribute.
func (l *TaskMeshLogger) WithContext(key string, value any) *TaskMeshLogger {
	return l.with(slog.Any(key, value))
}

// WithComponent names the emitting component (queue, lifecycle, pool, ...).
func (l *TaskMeshLogger) WithComponent(component string) *TaskMeshLogger {
	return l.with(slog.String(KeyComponent, component))
}

// WithTask binds the task id and type.
func (l *TaskMeshLogger) WithTask(taskID, taskType string) *TaskMeshLogger {
	return l.with(slog.String(KeyTaskID, taskID), slog.String(KeyTaskType, taskType))
}

// WithWorker binds a worker instance id.
func (l *TaskMeshLogger) WithWorker(workerID string) *TaskMeshLogger {
	return l.with(slog.String(KeyWorkerID, workerID))
}

func (l *TaskMeshLogger) emit(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}

	// Skip runtime.Callers, emit and the exported caller.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(l.bound...)
	r.Add(args...)
	_ = l.handler.Handle(ctx, r)
}

func (l *TaskMeshLogger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }
func (l *TaskMeshLogger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args) }
func (l *TaskMeshLogger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args) }
func (l *TaskMeshLogger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }

// ErrorWithStack logs err at error level together with the current goroutine's stack.
func (l *TaskMeshLogger) ErrorWithStack(err error, msg string, args ...any) {
	buf := make([]byte, 4096)
	buf = buf[:runtime.Stack(buf, false)]
	l.emit(slog.LevelError, msg, append(args,
		"error", err.Error(),
		"error_type", fmt.Sprintf("%T", err),
		"stack_trace", string(buf),
	))
}

// LogTransition reports a lifecycle status change. Rejected changes are warnings.
func (l *TaskMeshLogger) LogTransition(taskID, from, to string, accepted bool) {
	args := []any{KeyTaskID, taskID, "from", from, "to", to}
	if accepted {
		l.emit(slog.LevelDebug, "Task status changed", args)
		return
	}
	l.emit(slog.LevelWarn, "Task status change rejected", args)
}

// LogWorkerExecution reports how a worker fared with a single task.
func (l *TaskMeshLogger) LogWorkerExecution(workerType string, dur time.Duration, success bool, err error) {
	args := []any{"worker_type", workerType, "duration", dur, "success", success}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	if success {
		l.emit(slog.LevelInfo, "Task execution completed", args)
		return
	}
	l.emit(slog.LevelError, "Task execution failed", args)
}

// LogRetry reports that a failed task has been scheduled again.
func (l *TaskMeshLogger) LogRetry(taskID string, attempt int, delay time.Duration, kind string) {
	l.emit(slog.LevelWarn, "Task retry scheduled", []any{
		KeyTaskID, taskID, "attempt", attempt, "delay", delay, "error_kind", kind,
	})
}

// StartTimer returns a func that logs how long op took once called.
//
//	done := logger.StartTimer("sweep")
//	defer done()
func (l *TaskMeshLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() {
		l.emit(slog.LevelInfo, "Operation completed", []any{"operation", op, "duration", time.Since(start)})
	}
}

// LogPerformance logs op's duration plus metrics, each key prefixed with "metric_".
func (l *TaskMeshLogger) LogPerformance(op string, dur time.Duration, metrics map[string]any) {
	args := make([]any, 0, 4+2*len(metrics))
	args = append(args, "operation", op, "duration", dur)
	for k, v := range metrics {
		args = append(args, "metric_"+k, v)
	}
	l.emit(slog.LevelInfo, "Performance metrics", args)
}
